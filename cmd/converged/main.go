// Command converged is the Convergence server daemon: it serves the REST
// API over one data directory, holding an exclusive lock on
// it for the life of the process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/convergence/pkg/api"
	"github.com/cuemby/convergence/pkg/identity"
	"github.com/cuemby/convergence/pkg/log"
	"github.com/cuemby/convergence/pkg/store"
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
	Use:     "converged",
	Short:   "Convergence server daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("converged version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Server data directory")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapInfoCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Convergence server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		addr, _ := cmd.Flags().GetString("addr")
		bootstrapSecret, _ := cmd.Flags().GetString("bootstrap-secret")
		if bootstrapSecret == "" {
			bootstrapSecret = os.Getenv("CONVERGED_BOOTSTRAP_SECRET")
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		lock, err := store.LockDataDir(dataDir)
		if err != nil {
			return err
		}
		defer lock.Unlock()

		idm, err := identity.Open(dataDir)
		if err != nil {
			return err
		}
		srv, err := api.NewServer(dataDir, idm, bootstrapSecret)
		if err != nil {
			return err
		}
		if bootstrapSecret != "" && !idm.HasAdmin() {
			log.WithComponent("converged").Info().Msg("bootstrap enabled: POST /bootstrap with the bootstrap secret to claim the admin user")
		}

		httpServer := &http.Server{
			Addr:    addr,
			Handler: srv.Router(),
		}

		errCh := make(chan error, 1)
		go func() {
			log.WithComponent("converged").Info().Str("addr", addr).Msg("listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sigCh:
			log.WithComponent("converged").Info().Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(ctx)
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8444", "HTTP listen address")
	serveCmd.Flags().String("bootstrap-secret", "", "Enable one-shot admin bootstrap, guarded by this secret (or CONVERGED_BOOTSTRAP_SECRET)")
}

var bootstrapInfoCmd = &cobra.Command{
	Use:   "bootstrap-info",
	Short: "Report whether server bootstrap is still available",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		idm, err := identity.Open(dataDir)
		if err != nil {
			return err
		}
		if idm.HasAdmin() {
			fmt.Println("bootstrap: already completed")
			return nil
		}
		fmt.Println("bootstrap: available (POST /bootstrap to claim it)")
		return nil
	},
}
