package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ycmodules/internal/logging"

	"go.uber.org/zap"
)

// Controller defines the interface for remote system control
type Controller interface {
	// Close closes the connection
	Close() error

	// Run executes a command on the remote host
	Run(ctx context.Context, command string) error

	// ReadFile reads a file from the remote host
	ReadFile(remotePath string) ([]byte, error)

	// GetInstanceName returns the instance name
	GetInstanceName() string
}

// Config defines configuration for creating controllers
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	InstanceName   string

	// DialTimeout bounds a single SSH handshake.
	DialTimeout  time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// NewController creates a new controller based on the config
func NewController(ctx context.Context, config Config) (Controller, error) {
	// For now, only SSH is supported
	return NewSSH(ctx, config)
}

const (
	cloudInitWaitCommand = "cloud-init status --wait"
	cloudInitResultPath  = "/run/cloud-init/result.json"
)

// Readiness waits until a freshly created instance is usable: SSH accepts
// the recorded key and cloud-init has finished without errors.
type Readiness struct {
	// Connect opens the controller; NewController when nil.
	Connect func(ctx context.Context, config Config) (Controller, error)
}

// cloudInitResult is the part of result.json written by cloud-init that
// we check.
type cloudInitResult struct {
	V1 struct {
		Datasource string   `json:"datasource"`
		Errors     []string `json:"errors"`
	} `json:"v1"`
}

// Wait blocks until the instance is ready or ctx is done.
func (r *Readiness) Wait(ctx context.Context, config Config) error {
	connect := r.Connect
	if connect == nil {
		connect = NewController
	}

	logging.Logger().Info("Waiting for instance readiness",
		zap.String("host", config.Host),
		zap.String("instance_name", config.InstanceName))

	ctrl, err := connect(ctx, config)
	if err != nil {
		return err
	}
	defer safeClose("controller", ctrl.Close)

	if err := ctrl.Run(ctx, cloudInitWaitCommand); err != nil {
		return fmt.Errorf("cloud-init did not finish on %s: %w", ctrl.GetInstanceName(), err)
	}

	data, err := ctrl.ReadFile(cloudInitResultPath)
	if err != nil {
		// Older images do not write result.json; the status command
		// already reported success.
		logging.Logger().Debug("cloud-init result unavailable", zap.Error(err))
		return nil
	}

	var result cloudInitResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("failed to parse %s: %w", cloudInitResultPath, err)
	}
	if len(result.V1.Errors) > 0 {
		logging.Logger().Error("cloud-init finished with errors",
			zap.String("instance_name", ctrl.GetInstanceName()),
			zap.Strings("errors", logging.TruncateSlice(result.V1.Errors, 5)))
		return errors.New("cloud-init reported errors: " + strings.Join(result.V1.Errors, "; "))
	}

	logging.Logger().Info("Instance ready",
		zap.String("instance_name", ctrl.GetInstanceName()),
		zap.String("datasource", result.V1.Datasource))
	return nil
}
