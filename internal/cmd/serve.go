package cmd

import (
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/internal/observability"
	"github.com/3leaps/evalfleet/internal/server"
	"github.com/3leaps/evalfleet/internal/server/handlers"
	"github.com/3leaps/evalfleet/pkg/jobregistry"
	"github.com/3leaps/evalfleet/pkg/runid"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health and worker status over HTTP",
	Long: `Serve the local worker registry over HTTP until interrupted.

Endpoints:
  /health, /health/live, /health/ready, /health/startup
  /version
  /workers, /workers/{rank}   (?run_id= selects another run)

Readiness fails while any worker of the default run is in the failed state.
'evalfleet node --serve' starts the same server next to a node agent.

Example:
  evalfleet serve --run-id 20260118_0930
  EVALFLEET_PORT=9090 evalfleet serve`,
	RunE: runServe,
}

var serveRunID string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveRunID, "run-id", "", "Default run for /workers (default: $"+runid.EnvVar+")")
}

func runServe(cmd *cobra.Command, _ []string) error {
	id := firstNonEmpty(serveRunID, os.Getenv(runid.EnvVar))
	if id != "" {
		if _, err := runid.Parse(id); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --run-id", err)
		}
	}

	store := jobregistry.NewStore(appConfig.Registry.Root)
	srv := newStatusServer(store, id)
	observability.CLILogger.Info("Serving worker status",
		zap.String("addr", srv.Addr()),
		zap.String("run_id", id),
		zap.String("registry", store.RootDir()))

	if err := srv.Run(cmd.Context()); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// newStatusServer builds the status server from the loaded configuration.
func newStatusServer(store *jobregistry.Store, runID string) *server.Server {
	handlers.InitHealthManager(versionInfo.Version)
	return server.New(appConfig.Server.Host, appConfig.Server.Port,
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithWorkers(store, runID),
		server.WithTimeouts(server.Timeouts{
			Read:     appConfig.Server.ReadTimeout,
			Write:    appConfig.Server.WriteTimeout,
			Idle:     appConfig.Server.IdleTimeout,
			Shutdown: appConfig.Server.ShutdownTimeout,
		}))
}
