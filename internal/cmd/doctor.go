package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/3leaps/evalfleet/internal/errors"
	"github.com/3leaps/evalfleet/internal/observability"
	"github.com/3leaps/evalfleet/pkg/manifest"
	"github.com/3leaps/evalfleet/pkg/provider"
	"github.com/3leaps/evalfleet/pkg/supervisor"
)

var (
	doctorProvider string
	doctorJobPath  string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  evalfleet doctor                  # Full environment check
  evalfleet doctor --job fleet.yaml # Also check a manifest and its commands
  evalfleet doctor --provider s3    # S3-specific checks`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().StringVarP(&doctorJobPath, "job", "j", "", "Check a fleet manifest")
}

func runDoctor(cmd *cobra.Command, args []string) {
	log := observability.CLILogger
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	var m *manifest.Manifest
	if doctorJobPath != "" {
		loaded, err := manifest.Load(doctorJobPath)
		if err != nil {
			log.Error("Checking manifest... ❌ "+doctorJobPath, zap.Error(err))
			ExitWithCode(log, foundry.ExitInvalidArgument, "Invalid manifest", err)
			return
		}
		m = loaded
	}

	wantS3 := doctorProvider == "s3" || (m != nil && usesS3(m))

	allChecks := true
	checkNum := 1
	totalChecks := 7
	if m != nil {
		totalChecks += 2
	}
	if wantS3 {
		totalChecks += 2
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
		allChecks = false
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(log, foundry.ExitFileNotFound, "Cannot find config directory",
			errwrap.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 5: Worker registry
	if dir, err := checkWritableDir(appConfig.Registry.Root); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking worker registry... ❌ %s", checkNum, totalChecks, dir), zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking worker registry... ✅ %s", checkNum, totalChecks, dir),
			zap.String("registry_root", dir))
	}
	checkNum++

	// Check 6: Run ledger
	if db := openLedger(cmd.Context()); db == nil {
		log.Warn(fmt.Sprintf("[%d/%d] Checking run ledger... ⚠️  unavailable (runs continue without history)", checkNum, totalChecks))
		allChecks = false
	} else {
		_ = db.Close()
		log.Info(fmt.Sprintf("[%d/%d] Checking run ledger... ✅ %s", checkNum, totalChecks, ledgerTarget()))
	}
	checkNum++

	// Check 7: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if m != nil {
		checkNum, allChecks = runManifestChecks(m, checkNum, totalChecks, allChecks)
	}

	if wantS3 {
		profile := ""
		if m != nil {
			profile = m.Storage.Profile
		}
		allChecks = runS3Checks(cmd.Context(), profile, checkNum, totalChecks, allChecks)
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
}

// runManifestChecks checks that the server and eval programs resolve on PATH
// and that the launcher is usable on this host.
func runManifestChecks(m *manifest.Manifest, checkNum, totalChecks int, allChecks bool) (int, bool) {
	log := observability.CLILogger
	log.Info("")
	log.Info("Manifest Checks:")

	server := m.Server.Command
	if len(server) == 0 {
		server = supervisor.DefaultServerCommand
	}
	var found, missing []string
	for _, argv := range [][]string{server, m.Eval.Command} {
		if len(argv) == 0 || strings.Contains(argv[0], "{{") {
			continue
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			missing = append(missing, argv[0])
		} else {
			found = append(found, argv[0])
		}
	}
	if len(missing) > 0 {
		log.Warn(fmt.Sprintf("[%d/%d] Checking commands... ⚠️  not on PATH: %s", checkNum, totalChecks, strings.Join(missing, ", ")))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking commands... ✅ %s", checkNum, totalChecks, strings.Join(found, ", ")))
	}
	checkNum++

	if m.Launcher.Type == manifest.LauncherSlurm {
		srun := m.Launcher.Srun
		if srun == "" {
			srun = "srun"
		}
		if _, err := exec.LookPath(srun); err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking launcher... ❌ %s not found", checkNum, totalChecks, srun), zap.Error(err))
			allChecks = false
		} else {
			log.Info(fmt.Sprintf("[%d/%d] Checking launcher... ✅ slurm (%s)", checkNum, totalChecks, srun))
		}
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking launcher... ✅ local", checkNum, totalChecks))
	}
	checkNum++

	return checkNum, allChecks
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, profile string, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Provider Checks:")

	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

func usesS3(m *manifest.Manifest) bool {
	for _, raw := range []string{m.Results.Location, m.Publish.Destination} {
		if loc, err := provider.ParseLocation(raw); err == nil && loc.Type == provider.ProviderS3 {
			return true
		}
	}
	return false
}

// checkWritableDir creates dir if needed and writes a probe file into it.
func checkWritableDir(dir string) (string, error) {
	if dir == "" {
		return "(unset)", fmt.Errorf("directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return dir, err
	}
	name := f.Name()
	_ = f.Close()
	return dir, os.Remove(name)
}

func ledgerTarget() string {
	if appConfig.Ledger.URL != "" {
		return appConfig.Ledger.URL
	}
	return appConfig.Ledger.Path
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile (storage.profile in the manifest), or")
	log.Info("  3. Use IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - storage.endpoint in the fleet manifest")
	log.Info("")
}
