package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ReadPublicKey reads an OpenSSH authorized-key line from path and returns
// it normalized to a single line without trailing whitespace. A comment
// after the key is kept.
func ReadPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}

	pub, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key %s: %w", path, err)
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return line, nil
}

// PublicKeyFromPrivate derives the authorized-key line from an unencrypted
// private key file.
func PublicKeyFromPrivate(privateKeyPath string) (string, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

// VerifyPair checks that the private key at privateKeyPath belongs to
// publicKey. Passphrase-protected keys cannot be checked and are accepted.
func VerifyPair(publicKey, privateKeyPath string) error {
	derived, err := PublicKeyFromPrivate(privateKeyPath)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil
		}
		return err
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}
	derivedPub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(derived))
	if err != nil {
		return fmt.Errorf("failed to parse derived public key: %w", err)
	}

	if !bytes.Equal(pub.Marshal(), derivedPub.Marshal()) {
		return fmt.Errorf("private key %s does not match the public key", privateKeyPath)
	}
	return nil
}
