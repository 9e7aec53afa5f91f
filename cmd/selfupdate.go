package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"

	"module/pkg/logging"
)

// githubRepoSlug specifies the GitHub repository (owner/repo) to check for updates.
const githubRepoSlug = "example/module"

// assumeYes skips the interactive confirmation prompt before an update is
// applied.
var assumeYes bool

// newSelfUpdateCmd creates the Cobra command for the self-update functionality.
func newSelfUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "self-update",
		Short: "Update module to the latest version",
		Long: `Checks for the latest release of module on GitHub and updates the
current binary if a newer version is found, after confirming with the user
(skip the prompt with --yes).`,
		Args: cobra.NoArgs,
		RunE: runSelfUpdate,
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Apply the update without an interactive confirmation prompt")
	return cmd
}

// runSelfUpdate performs the self-update logic: detect the latest release,
// confirm with the user, then replace the running binary in place.
func runSelfUpdate(cmd *cobra.Command, args []string) error {
	logging.InitForCLI(logging.LevelInfo, os.Stderr)

	currentVersion := rootCmd.Version
	if currentVersion == "" || currentVersion == "dev" {
		return fmt.Errorf("cannot self-update a development version")
	}
	logging.Info("SelfUpdate", "current version %s", currentVersion)

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Checking for updates..."
	s.Start()

	updater, err := selfupdate.NewUpdater(selfupdate.Config{})
	if err != nil {
		s.Stop()
		return fmt.Errorf("create updater: %w", err)
	}

	latest, found, err := updater.DetectLatest(context.Background(), selfupdate.ParseSlug(githubRepoSlug))
	s.Stop()
	if err != nil {
		return fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("latest release for %s could not be found", githubRepoSlug)
	}

	if !latest.GreaterThan(currentVersion) {
		logging.Info("SelfUpdate", "current version is the latest")
		return nil
	}

	fmt.Printf("Found newer version: %s (published at %s)\n", latest.Version(), latest.PublishedAt)
	fmt.Printf("Release notes:\n%s\n", latest.ReleaseNotes)

	if !assumeYes && !confirmUpdate(fmt.Sprintf("Update to %s now?", latest.Version())) {
		logging.Info("SelfUpdate", "update cancelled")
		return nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("locate executable path: %w", err)
	}

	s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = fmt.Sprintf(" Updating %s to %s...", exe, latest.Version())
	s.Start()
	err = updater.UpdateTo(context.Background(), latest, exe)
	s.Stop()
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	logging.Info("SelfUpdate", "successfully updated to version %s", latest.Version())
	return nil
}

// confirmUpdate prompts on stdin, defaulting to "no" on anything other than
// an explicit y/yes.
func confirmUpdate(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
