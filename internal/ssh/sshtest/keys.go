// Package sshtest writes throwaway SSH key pairs for tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// TB is the part of testing.TB (and GinkgoT) the helpers need.
type TB interface {
	Helper()
	TempDir() string
	Fatalf(format string, args ...any)
}

// KeyPair is an ed25519 key pair on disk.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	// PublicKey is the authorized-key line without a trailing newline.
	PublicKey string
}

// GenerateKeyPair writes a new unencrypted ed25519 key pair named name into
// a fresh temporary directory.
func GenerateKeyPair(t TB, name string) KeyPair {
	t.Helper()
	privateKeyPath := filepath.Join(t.TempDir(), name)

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to encode private key: %v", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write private key: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		t.Fatalf("failed to convert public key: %v", err)
	}
	authorized := ssh.MarshalAuthorizedKey(sshPub)
	if err := os.WriteFile(privateKeyPath+".pub", authorized, 0644); err != nil {
		t.Fatalf("failed to write public key: %v", err)
	}

	return KeyPair{
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  privateKeyPath + ".pub",
		PublicKey:      strings.TrimSpace(string(authorized)),
	}
}
