package cmd

import (
	"context"
	"errors"

	"ycmodules/internal/config"
	"ycmodules/internal/inventory"
	"ycmodules/internal/logging"
	"ycmodules/internal/module"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	invPath          string
	invPlaybookDir   string
	invGroup         string
	invName          string
	invHost          string
	invUser          string
	invKey           string
	invEtcdEndpoints []string
)

// inventoryCmd groups inventory maintenance commands
var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Maintain the YAML inventory",
}

// addHostCmd records a host without touching the cloud
var addHostCmd = &cobra.Command{
	Use:   "add-host",
	Short: "Record a host in the inventory",
	Long: `Record or refresh one host entry in the inventory. Other groups and hosts are
kept as they are. Use it to repair the inventory after vm-create created an
instance but could not record it.`,
	Run: func(cmd *cobra.Command, args []string) {
		result := runAddHost(cmd.Context())
		if err := result.Write(cmd.OutOrStdout()); err != nil {
			logging.Logger().Error("Failed to write result", zap.Error(err))
			exitCode = 1
			return
		}
		exitCode = result.ExitCode()
	},
}

func init() {
	rootCmd.AddCommand(inventoryCmd)
	inventoryCmd.AddCommand(addHostCmd)

	addHostCmd.Flags().StringVar(&invPath, "path", "", "Inventory file (default <playbook-dir>/inventory/yc_hosts.yml)")
	addHostCmd.Flags().StringVar(&invPlaybookDir, "playbook-dir", ".", "Playbook directory")
	addHostCmd.Flags().StringVarP(&invGroup, "group", "g", config.DefaultHostGroup, "Host group")
	addHostCmd.Flags().StringVarP(&invName, "name", "n", "", "Host name (required)")
	addHostCmd.Flags().StringVar(&invHost, "host", "", "Address Ansible connects to (required)")
	addHostCmd.Flags().StringVarP(&invUser, "user", "u", "", "SSH user (required)")
	addHostCmd.Flags().StringVarP(&invKey, "key", "k", "", "Private key file (required)")
	addHostCmd.Flags().StringSliceVar(&invEtcdEndpoints, "etcd-endpoints", nil, "Lock the inventory through etcd")

	for _, name := range []string{"name", "host", "user", "key"} {
		if err := addHostCmd.MarkFlagRequired(name); err != nil {
			logging.Logger().Fatal("Failed to mark flag as required", zap.String("flag", name), zap.Error(err))
		}
	}
}

func runAddHost(ctx context.Context) module.Result {
	path := invPath
	if path == "" {
		path = inventory.DefaultPath(config.ExpandPath(invPlaybookDir))
	}
	path = config.ExpandPath(path)

	if invGroup == "" {
		return module.Failed(false, "invalid arguments: %v", errors.New("group must not be empty"))
	}

	locker, closeLocker, err := newLocker(invEtcdEndpoints)
	if err != nil {
		return module.Failed(false, "failed to set up inventory lock: %v", err)
	}
	defer closeLocker()

	host := inventory.Host{
		AnsibleHost:    invHost,
		AnsibleUser:    invUser,
		PrivateKeyFile: config.ExpandPath(invKey),
	}
	changed, err := inventory.NewRecorder(locker).UpsertHost(ctx, path, invGroup, invName, host)
	if err != nil {
		return module.Failed(false, "failed to record host %s in %s: %v", invName, path, err)
	}

	result := module.Succeeded(changed, "Host %s recorded in group %s", invName, invGroup)
	if !changed {
		result = module.Succeeded(false, "Host %s is already up to date in group %s", invName, invGroup)
	}
	result.InventoryPath = path
	return result
}
