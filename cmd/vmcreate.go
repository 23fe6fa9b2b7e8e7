package cmd

import (
	"context"

	"ycmodules/internal/config"
	"ycmodules/internal/inventory"
	"ycmodules/internal/logging"
	"ycmodules/internal/module"
	"ycmodules/internal/provisioning"
	"ycmodules/internal/retry"
	"ycmodules/internal/ssh"
	"ycmodules/internal/workflow"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// vmCreateCmd represents the vm-create module
var vmCreateCmd = &cobra.Command{
	Use:   "vm-create <args-file>",
	Short: "Create a compute instance and add it to the inventory",
	Long: `Create a Yandex Cloud compute instance and record it under a host group in
<playbook_dir>/inventory/yc_hosts.yml.

The argument is the JSON args file Ansible passes to binary modules. The result is
printed to stdout as a single JSON object; the exit status is 1 when it failed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		result := runVMCreate(cmd.Context(), args[0])
		if err := result.Write(cmd.OutOrStdout()); err != nil {
			logging.Logger().Error("Failed to write module result", zap.Error(err))
			exitCode = 1
			return
		}
		exitCode = result.ExitCode()
	},
}

func init() {
	rootCmd.AddCommand(vmCreateCmd)
}

func runVMCreate(ctx context.Context, argsPath string) module.Result {
	args, err := config.Load(argsPath)
	if err != nil {
		return module.Failed(false, "invalid module arguments: %v", err)
	}

	logging.Logger().Info("Module arguments loaded",
		zap.String("vm_name", args.VMName),
		zap.String("folder_id", args.FolderID),
		zap.String("zone", args.Zone),
		zap.String("host_group", args.HostGroup),
		zap.Bool("check_mode", bool(args.CheckMode)))

	checkKeyPair(args.PubSSHKey, args.PrivSSHKey)

	ctx, cancel := context.WithTimeout(ctx, args.TimeoutDuration())
	defer cancel()

	sdk, err := provisioning.Connect(ctx, args.SAKey, retry.DefaultPolicy())
	if err != nil {
		return module.Failed(false, "failed to connect to Yandex Cloud: %v", err)
	}
	defer func() {
		if err := sdk.Close(context.Background()); err != nil {
			logging.Logger().Debug("SDK shutdown failed", zap.Error(err))
		}
	}()

	clients := sdk.Clients()
	waiter := provisioning.NewWaiter(clients.Operations)
	waiter.Timeout = args.TimeoutDuration()
	provisioner, err := provisioning.NewProvisioner(clients, waiter)
	if err != nil {
		return module.Failed(false, "failed to create provisioner: %v", err)
	}

	locker, closeLocker, err := newLocker(args.LockEtcdEndpoints)
	if err != nil {
		return module.Failed(false, "failed to set up inventory lock: %v", err)
	}
	defer closeLocker()

	runner := workflow.NewRunner(provisioner, inventory.NewRecorder(locker))
	return runner.Run(ctx, workflow.ParamsFromArgs(args))
}

// newLocker returns an etcd locker when endpoints are given and a flock
// based one otherwise.
func newLocker(endpoints []string) (inventory.Locker, func(), error) {
	if len(endpoints) == 0 {
		return inventory.NewFileLocker(), func() {}, nil
	}
	locker, err := inventory.NewEtcdLocker(endpoints)
	if err != nil {
		return nil, nil, err
	}
	logging.Logger().Debug("Using etcd inventory lock", zap.Strings("endpoints", endpoints))
	return locker, func() {
		if err := locker.Close(); err != nil {
			logging.Logger().Warn("Failed to close etcd client", zap.Error(err))
		}
	}, nil
}

// checkKeyPair warns when the recorded private key cannot log in with the
// public key injected into the instance.
func checkKeyPair(publicKeyPath, privateKeyPath string) {
	publicKey, err := ssh.ReadPublicKey(publicKeyPath)
	if err != nil {
		// CreateInstance reports unreadable public keys.
		return
	}
	if err := ssh.VerifyPair(publicKey, privateKeyPath); err != nil {
		logging.Logger().Warn("Private key does not match the public key; Ansible will not be able to log in",
			zap.String("pub_ssh_key", publicKeyPath),
			zap.String("priv_ssh_key", privateKeyPath),
			zap.Error(err))
	}
}
