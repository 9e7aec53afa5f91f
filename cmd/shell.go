package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"module/internal/shell"
)

func newShellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Start the framework and drive it from an interactive admin shell",
		Long: `Starts the framework and opens a readline-based shell for installing,
starting, stopping, and uninstalling bundles, and inspecting the service
registry, without needing the MCP tool surface.`,
		Args: cobra.NoArgs,
		RunE: runShell,
	}
	addFrameworkFlags(cmd)
	return cmd
}

func runShell(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	fw, err := buildFramework(ctx)
	if err != nil {
		return err
	}
	defer fw.Stop(context.Background())

	sh := shell.New(fw)
	if err := sh.Run(ctx); err != nil {
		return fmt.Errorf("shell: %w", err)
	}
	return nil
}
