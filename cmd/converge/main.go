// Command converge is the Convergence client CLI: workspace management,
// publish/fetch, bundle/promote/release, superposition resolution, and
// repo/identity administration over one converged server.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/convergence/pkg/client"
	"github.com/cuemby/convergence/pkg/log"
	"github.com/cuemby/convergence/pkg/workspace"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "converge",
	Short:   "Convergence client",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("converge version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().Bool("json", false, "Emit JSON instead of human-readable text")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(snapCmd)
	rootCmd.AddCommand(snapsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(pinsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(laneCmd)
	rootCmd.AddCommand(gatesCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// openWorkspace finds and opens the workspace above cwd.
func openWorkspace() (*workspace.Workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := workspace.Find(cwd)
	if err != nil {
		return nil, err
	}
	return workspace.Open(root)
}

// openClient opens the workspace and its client together, the common
// case for every subcommand past init.
func openClient() (*workspace.Workspace, *client.Client, error) {
	w, err := openWorkspace()
	if err != nil {
		return nil, nil, err
	}
	c := client.New(w.Config.RemoteURL, w.Config.Token, client.Options{})
	return w, c, nil
}

// newClientID returns a fresh per-workspace identifier for lane-head
// attribution; init calls it once and persists it in the workspace config.
func newClientID() string {
	return uuid.NewString()
}

// jsonOutput reports whether the global --json flag was set.
func jsonOutput() bool {
	v, _ := rootCmd.PersistentFlags().GetBool("json")
	return v
}
