// Package cmd implements the evalfleet command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/internal/config"
	apperrors "github.com/3leaps/evalfleet/internal/errors"
	"github.com/3leaps/evalfleet/internal/observability"
)

// exitFailure is the generic non-zero exit status.
const exitFailure = 1

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity
	appConfig   *config.Config

	verbose   bool
	logLevel  string
	logFormat string
	logFile   string
)

var rootCmd = &cobra.Command{
	Use:   "evalfleet",
	Short: "Run model evaluations across a fleet of GPU inference servers",
	Long: `evalfleet partitions a GPU allocation into inference server instances,
runs one evaluation worker against each, and reconciles, merges and publishes
the per-rank result shards once every node has finished.

Typical flow:
  evalfleet plan --job fleet.yaml       # show the instance layout
  evalfleet run --job fleet.yaml        # launch, wait, reconcile, publish
  evalfleet status --run-id <id>        # per-rank worker view
  evalfleet runs                        # run history`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: console or json")
	pf.StringVar(&logFile, "log-file", "", "Also write JSON logs to this rotating file")
}

// SetVersionInfo is called from main with build-time values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity set up by the root command, or nil
// before any command ran.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	id := config.DefaultIdentity
	appIdentity = &id
	config.SetIdentity(id)

	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	observability.InitCLILoggerWithOptions(observability.LoggerOptions{
		Name:       id.BinaryName,
		Verbose:    verbose || cfg.Debug.Enabled,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	return nil
}

// flagOverrides maps explicitly set persistent flags onto config keys.
func flagOverrides(cmd *cobra.Command) map[string]any {
	logging := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		logging["level"] = logLevel
	}
	if flags.Changed("log-format") {
		logging["format"] = logFormat
	}
	if flags.Changed("log-file") {
		logging["file"] = logFile
	}
	if len(logging) == 0 {
		return nil
	}
	return map[string]any{"logging": logging}
}

// Execute runs the root command under ctx and exits with the mapped exit
// code. Cancelling ctx (SIGINT/SIGTERM) stops supervised processes.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ExitWithCode(observability.CLILogger, exitCodeOf(err), "Command failed", err)
	}
}

// ExitWithCode logs msg with err and terminates the process.
func ExitWithCode(log *zap.Logger, code int, msg string, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	fields := []zap.Field{zap.Int("exit_code", code)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	log.Error(msg, fields...)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	_ = log.Sync()
	os.Exit(code)
}

// codedError carries a process exit code up to Execute.
type codedError struct {
	code int
	msg  string
	err  error
}

func (e *codedError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, msg: message, err: err}
}

func exitCodeOf(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.ExitCode != 0 {
		return appErr.ExitCode
	}
	return exitFailure
}
