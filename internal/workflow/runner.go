// Package workflow drives a single vm-create invocation: create the
// instance, wait for it, record it in the inventory and report the result.
package workflow

import (
	"context"
	"time"

	"ycmodules/internal/config"
	"ycmodules/internal/control"
	"ycmodules/internal/inventory"
	"ycmodules/internal/logging"
	"ycmodules/internal/module"
	"ycmodules/internal/provisioning"
	"ycmodules/internal/retry"

	"github.com/google/uuid"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	"github.com/yandex-cloud/go-sdk/pkg/requestid"
	"go.uber.org/zap"
)

// Provisioner creates and looks up instances.
type Provisioner interface {
	CreateInstance(ctx context.Context, req provisioning.Request) (*operation.Operation, error)
	Await(ctx context.Context, op *operation.Operation) (*provisioning.InstanceResult, error)
	FindInstance(ctx context.Context, folderID, name string) (*provisioning.InstanceResult, error)
}

// Recorder stores hosts in an inventory file.
type Recorder interface {
	UpsertHost(ctx context.Context, path, group, hostname string, host inventory.Host) (bool, error)
}

// ReadinessChecker waits for a new instance to accept SSH logins.
type ReadinessChecker interface {
	Wait(ctx context.Context, config control.Config) error
}

// Params describes one invocation.
type Params struct {
	Request provisioning.Request

	InventoryPath  string
	HostGroup      string
	PrivateKeyPath string

	CheckMode          bool
	ReconcileInventory bool
	WaitForSSH         bool
	SSHTimeout         time.Duration
}

// ParamsFromArgs maps module arguments to workflow parameters.
func ParamsFromArgs(args *config.Args) Params {
	return Params{
		Request:            args.Request(),
		InventoryPath:      args.InventoryPath(),
		HostGroup:          args.HostGroup,
		PrivateKeyPath:     args.PrivSSHKey,
		CheckMode:          bool(args.CheckMode),
		ReconcileInventory: bool(args.ReconcileInventory),
		WaitForSSH:         bool(args.WaitForSSH),
		SSHTimeout:         args.SSHTimeoutDuration(),
	}
}

// Runner executes the workflow.
type Runner struct {
	provisioner    Provisioner
	recorder       Recorder
	readiness      ReadinessChecker
	inventoryRetry retry.Policy
}

// Option configures a Runner.
type Option func(*Runner)

// WithReadiness replaces the SSH readiness check.
func WithReadiness(r ReadinessChecker) Option {
	return func(runner *Runner) {
		runner.readiness = r
	}
}

// WithInventoryRetry replaces the policy used for inventory writes.
func WithInventoryRetry(p retry.Policy) Option {
	return func(runner *Runner) {
		runner.inventoryRetry = p
	}
}

// NewRunner returns a runner. Inventory writes are attempted three times.
func NewRunner(provisioner Provisioner, recorder Recorder, opts ...Option) *Runner {
	r := &Runner{
		provisioner: provisioner,
		recorder:    recorder,
		readiness:   &control.Readiness{},
		inventoryRetry: retry.DefaultPolicy(
			retry.WithMaxAttempts(3),
			retry.WithInitialDelay(200*time.Millisecond),
			retry.WithRetryIf(inventory.IsRetryable),
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run provisions the instance described by p. Failures are reported in
// the result, never returned.
func (r *Runner) Run(ctx context.Context, p Params) module.Result {
	requestID := uuid.NewString()
	ctx = requestid.ContextWithClientTraceID(ctx, requestID)

	result := r.run(ctx, p, logging.Logger().With(
		zap.String("request_id", requestID),
		zap.String("vm_name", p.Request.Name)))
	result.RequestID = requestID
	return result
}

func (r *Runner) run(ctx context.Context, p Params, log *zap.Logger) module.Result {
	if p.CheckMode {
		return r.check(ctx, p, log)
	}

	instance, err := r.create(ctx, p.Request)
	if err != nil {
		switch provisioning.Classify(err) {
		case provisioning.OutcomeAlreadyExists:
			log.Info("Compute instance already exists", zap.Error(err))
			return r.alreadyExists(ctx, p, log)
		default:
			log.Error("Compute instance creation failed",
				zap.Stringer("kind", provisioning.KindOf(err)),
				zap.String("error", logging.Truncate(err.Error())))
			return module.Failed(false, "failed to create compute instance %s: %v", p.Request.Name, err)
		}
	}

	result := module.Succeeded(true, "Compute instance %s with ID %s was created successfully", p.Request.Name, instance.ID)
	result.InstanceID = instance.ID
	result.PublicIP = instance.PublicIP
	result.InventoryPath = p.InventoryPath

	if instance.PublicIP == "" {
		log.Warn("Compute instance has no public IPv4 address", zap.String("instance_id", instance.ID))
	}

	updated, err := r.record(ctx, p, instance)
	if err != nil {
		log.Error("Failed to record instance in inventory",
			zap.String("instance_id", instance.ID),
			zap.String("path", p.InventoryPath),
			zap.Error(err))
		failed := module.Failed(true, "compute instance %s with ID %s was created, but recording it in %s failed: %v",
			p.Request.Name, instance.ID, p.InventoryPath, err)
		failed.InstanceID = instance.ID
		failed.PublicIP = instance.PublicIP
		return failed
	}
	result.InventoryUpdated = updated

	if p.WaitForSSH {
		if err := r.waitReady(ctx, p, instance); err != nil {
			log.Error("Compute instance is not ready", zap.String("instance_id", instance.ID), zap.Error(err))
			failed := module.Failed(true, "compute instance %s with ID %s was created, but is not ready: %v",
				p.Request.Name, instance.ID, err)
			failed.InstanceID = instance.ID
			failed.PublicIP = instance.PublicIP
			failed.InventoryPath = p.InventoryPath
			failed.InventoryUpdated = updated
			return failed
		}
	}

	return result
}

func (r *Runner) create(ctx context.Context, req provisioning.Request) (*provisioning.InstanceResult, error) {
	op, err := r.provisioner.CreateInstance(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.provisioner.Await(ctx, op)
}

// check reports what a real run would do without creating anything.
func (r *Runner) check(ctx context.Context, p Params, log *zap.Logger) module.Result {
	existing, err := r.provisioner.FindInstance(ctx, p.Request.FolderID, p.Request.Name)
	switch {
	case err == nil:
		result := module.Succeeded(false, "Compute instance with name %s already exists", p.Request.Name)
		result.InstanceID = existing.ID
		result.PublicIP = existing.PublicIP
		return result
	case provisioning.IsNotFound(err):
		log.Info("Check mode: compute instance would be created")
		return module.Succeeded(true, "Compute instance %s would be created", p.Request.Name)
	default:
		return module.Failed(false, "failed to look up compute instance %s: %v", p.Request.Name, err)
	}
}

// alreadyExists treats a name conflict as success and, when enabled,
// refreshes the inventory entry from the existing instance. Reconciliation
// problems are logged and do not fail the run.
func (r *Runner) alreadyExists(ctx context.Context, p Params, log *zap.Logger) module.Result {
	result := module.Succeeded(false, "Compute instance with name %s already exists", p.Request.Name)
	if !p.ReconcileInventory {
		return result
	}

	existing, err := r.provisioner.FindInstance(ctx, p.Request.FolderID, p.Request.Name)
	if err != nil {
		log.Warn("Could not look up existing instance for inventory reconciliation", zap.Error(err))
		return result
	}
	result.InstanceID = existing.ID
	result.PublicIP = existing.PublicIP

	updated, err := r.record(ctx, p, existing)
	if err != nil {
		log.Warn("Inventory reconciliation failed",
			zap.String("instance_id", existing.ID),
			zap.String("path", p.InventoryPath),
			zap.Error(err))
		return result
	}
	if updated {
		log.Info("Refreshed inventory entry of existing instance",
			zap.String("instance_id", existing.ID),
			zap.String("ansible_host", existing.PublicIP))
	} else {
		log.Debug("Inventory entry of existing instance is up to date",
			zap.String("instance_id", existing.ID))
	}
	result.InventoryPath = p.InventoryPath
	result.InventoryUpdated = updated
	return result
}

// record upserts the host entry and reports whether the file changed.
func (r *Runner) record(ctx context.Context, p Params, instance *provisioning.InstanceResult) (bool, error) {
	host := inventory.Host{
		AnsibleHost:    instance.PublicIP,
		AnsibleUser:    p.Request.Username,
		PrivateKeyFile: p.PrivateKeyPath,
	}
	var changed bool
	err := r.inventoryRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		changed, err = r.recorder.UpsertHost(ctx, p.InventoryPath, p.HostGroup, p.Request.Name, host)
		return err
	})
	return changed, err
}

func (r *Runner) waitReady(ctx context.Context, p Params, instance *provisioning.InstanceResult) error {
	if p.SSHTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.SSHTimeout)
		defer cancel()
	}
	return r.readiness.Wait(ctx, control.Config{
		Host:           instance.PublicIP,
		User:           p.Request.Username,
		PrivateKeyPath: p.PrivateKeyPath,
		InstanceName:   instance.Name,
	})
}
