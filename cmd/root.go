package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// exitCode is set by commands that report failure through their output
// rather than an error, as Ansible modules do.
var exitCode int

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ycmodules",
	Short: "Ansible modules for Yandex Cloud",
	Long: `ycmodules provisions Yandex Cloud compute instances from Ansible and records
them in the playbook's YAML inventory.

Ansible runs it as a binary module: ycmodules vm-create <args-file>.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the CLI and returns the process exit code. SIGINT and
// SIGTERM cancel the running command.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return exitCode
}
