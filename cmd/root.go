package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
)

// rootCmd represents the base command for the framework's CLI.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "module",
	Short: "Run and administer the dynamic service framework",
	Long: `module hosts the dynamic service framework: it installs bundles,
runs their declarative components, and exposes the service registry to
operators through an interactive shell or an MCP tool surface.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are already reported by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This is called from main at build time to inject the application version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "module version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

// init adds every subcommand to the root command.
func init() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newShellCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
