package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"ycmodules/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSH represents an SSH connection and provides methods for remote operations
type SSH struct {
	client       *ssh.Client
	sftpClient   *sftp.Client
	host         string
	user         string
	instanceName string
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// NewSSH waits for the SSH port of config.Host and logs in with the private
// key. Authentication is retried until ctx is done: cloud-init may not have
// created the user yet when sshd starts accepting connections.
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	config = config.withDefaults()
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))

	if err := waitForPort(ctx, addr, config.PollInterval); err != nil {
		return nil, fmt.Errorf("SSH not available: %w", err)
	}

	signer, err := loadPrivateKeyFromFile(config.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key from file: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User: config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// The instance was created moments ago; its host key cannot be known.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         config.DialTimeout,
	}

	var client *ssh.Client
	for {
		client, err = ssh.Dial("tcp", addr, clientConfig)
		if err == nil {
			break
		}
		logging.Logger().Debug("SSH login failed, retrying",
			zap.String("host", config.Host),
			zap.String("user", config.User),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to dial SSH: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(config.PollInterval):
		}
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.User),
		zap.String("host", config.Host),
		zap.String("instance_name", config.InstanceName))

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	return &SSH{
		client:       client,
		sftpClient:   sftpClient,
		host:         config.Host,
		user:         config.User,
		instanceName: config.InstanceName,
	}, nil
}

// Close closes the SFTP and SSH connections
func (s *SSH) Close() error {
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// GetInstanceName returns the instance name
func (s *SSH) GetInstanceName() string {
	return s.instanceName
}

// Run executes a command on the remote host. The session is closed when
// ctx is done.
func (s *SSH) Run(ctx context.Context, command string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return fmt.Errorf("command %q interrupted: %w", command, ctx.Err())
	case err = <-done:
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	if err != nil {
		return fmt.Errorf("command %q failed: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// ReadFile reads a remote file over SFTP.
func (s *SSH) ReadFile(remotePath string) ([]byte, error) {
	file, err := s.sftpClient.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", file.Close)

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote file %s: %w", remotePath, err)
	}

	logging.Logger().Debug("Read remote file",
		zap.String("path", remotePath),
		zap.Int("size_bytes", len(data)),
		zap.String("host", s.host))
	return data, nil
}

// waitForPort waits until addr accepts TCP connections or ctx is done.
func waitForPort(ctx context.Context, addr string, interval time.Duration) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection test",
					zap.String("addr", addr),
					zap.Error(closeErr))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("port %s not reachable: %w", addr, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// loadPrivateKeyFromFile loads SSH private key from file
func loadPrivateKeyFromFile(privateKeyPath string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}
