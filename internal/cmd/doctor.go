package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/internal/observability"
	"github.com/3leaps/parsekit/pkg/archive"
	"github.com/3leaps/parsekit/pkg/deviceid"
	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/transport"
)

var (
	doctorProvider string
	doctorOffline  bool
)

const (
	// remoteProbeTimeout bounds the reachability check.
	remoteProbeTimeout = 5 * time.Second

	// imdsTimeout bounds the instance metadata lookup off EC2.
	imdsTimeout = 2 * time.Second
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the device setup and suggest fixes for common issues.

Examples:
  parsekit doctor                  # Full environment check
  parsekit doctor --offline        # Skip the remote reachability probe
  parsekit doctor --provider s3    # Archive bucket checks`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().BoolVar(&doctorOffline, "offline", false, "Skip the remote reachability check")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	totalChecks := 9
	if doctorOffline {
		totalChecks--
	}
	if doctorProvider == "s3" {
		totalChecks += 2
	}
	checkNum := 1
	allChecks := true

	step := func(ok bool) {
		if !ok {
			allChecks = false
		}
		checkNum++
	}

	// Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		step(true)
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		step(false)
	}

	version := crucible.GetVersion()
	step(checkCrucible(version.Crucible, checkNum, totalChecks))
	step(checkGofulmen(version.Gofulmen, checkNum, totalChecks))
	step(checkDataDir(checkNum, totalChecks))
	step(checkDeviceID(checkNum, totalChecks))
	step(checkStore(ctx, checkNum, totalChecks))
	step(checkPublicKey(ctx, checkNum, totalChecks))
	if !doctorOffline {
		step(checkRemote(ctx, checkNum, totalChecks))
	}

	// Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorProvider == "s3" {
		if !runS3Checks(ctx, checkNum, totalChecks) {
			allChecks = false
		}
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s setup is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if !allChecks {
		return exitError(exitFailure, "Diagnostics failed", nil)
	}
	return nil
}

func checkCrucible(v string, n, total int) bool {
	if v == "" {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", n, total))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", n, total, v),
		zap.String("crucible_version", v))
	return true
}

func checkGofulmen(v string, n, total int) bool {
	if v == "" {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", n, total))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", n, total, v),
		zap.String("gofulmen_version", v))
	return true
}

func checkDataDir(n, total int) bool {
	dir := appConfig.DataDir
	if err := os.MkdirAll(dir, 0o700); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ Cannot create %s", n, total, dir),
			zap.Error(err))
		return false
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ %s is not writable", n, total, dir),
			zap.Error(err))
		return false
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking data directory... ✅ %s", n, total, dir),
		zap.String("data_dir", dir))
	return true
}

func checkDeviceID(n, total int) bool {
	id, err := deviceid.ClientID(appConfig.DataDir)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking device identity... ❌ Cannot load %s", n, total,
			filepath.Base(deviceid.Path(appConfig.DataDir))), zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking device identity... ✅ %s", n, total, id),
		zap.String("client_id", id))
	return true
}

func checkStore(ctx context.Context, n, total int) bool {
	store, err := jobstore.OpenSQLite(ctx, appConfig.LocalDB())
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ Cannot open database", n, total),
			zap.Error(err))
		return false
	}
	defer func() { _ = store.Close() }()

	if err := store.Ping(ctx); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ Database not responding", n, total),
			zap.Error(err))
		return false
	}
	jobs, err := store.GetAll(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ Cannot read jobs", n, total),
			zap.Error(err))
		return false
	}

	counts := jobstore.CountByStatus(jobs)
	fields := []zap.Field{zap.Int("total", len(jobs))}
	for _, st := range jobstore.Statuses {
		fields = append(fields, zap.Int(string(st), counts[st]))
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking job store... ✅ %d jobs", n, total, len(jobs)), fields...)
	return true
}

func checkPublicKey(ctx context.Context, n, total int) bool {
	key, err := remoteSettings().PublicKey(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking public key... ❌ %v", n, total, err))
		observability.CLILogger.Info("  Set remote.public_key_path (or PARSEKIT_PUBLIC_KEY_PATH). 'parsekit keygen' creates a test pair.")
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking public key... ✅ RSA %d bits", n, total, key.N.BitLen()))
	return true
}

// checkRemote reports the endpoint reachable when it answers at all. The
// status code is logged but not judged.
func checkRemote(ctx context.Context, n, total int) bool {
	client := transport.New(remoteSettings(), appConfig.TransportConfig("parsekit/"+versionInfo.Version))
	endpoint, err := client.Endpoint(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking remote service... ❌ %v", n, total, err))
		observability.CLILogger.Info("  Set remote.base_url (or PARSEKIT_BASE_URL).")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, remoteProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking remote service... ❌ Invalid endpoint", n, total),
			zap.String("endpoint", endpoint), zap.Error(err))
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		reason := "unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timed out"
		}
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking remote service... ❌ %s", n, total, reason),
			zap.String("endpoint", endpoint), zap.Error(err))
		return false
	}
	_ = resp.Body.Close()

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking remote service... ✅ %s", n, total, endpoint),
		zap.Int("http_status", resp.StatusCode))
	return true
}

// runS3Checks runs archive bucket checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Archive Checks:")

	arc := appConfig.Archive.Config
	var opts []func(*awsconfig.LoadOptions) error
	if arc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(arc.Region))
	}
	if arc.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(arc.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	if cfg.Region == "" {
		if region, err := instanceRegion(ctx, imds.NewFromConfig(cfg)); err == nil {
			observability.CLILogger.Info("  No region configured; EC2 instance metadata reports "+region,
				zap.String("instance_region", region))
		} else {
			observability.CLILogger.Warn("  No region configured. Set archive.region or AWS_REGION.", zap.Error(err))
		}
	}

	accessKey := arc.AccessKeyID
	source := "archive config"
	if accessKey == "" {
		creds, err := cfg.Credentials.Retrieve(ctx)
		if err != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
				zap.Error(err))
			printAWSCredentialsHelp()
			return false
		}
		accessKey = creds.AccessKeyID
		source = creds.Source
	}
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(accessKey)),
		zap.String("source", source))
	checkNum++

	if arc.Bucket == "" {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking archive bucket... ❌ archive.bucket is not set", checkNum, totalChecks))
		return false
	}
	a, err := archive.New(ctx, arc)
	if err == nil {
		err = a.Check(ctx)
	}
	if err != nil {
		reason := "Cannot reach bucket"
		switch {
		case archive.IsBucketNotFound(err):
			reason = "Bucket not found"
		case archive.IsAccessDenied(err):
			reason = "Access denied"
		}
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking archive bucket... ❌ %s", checkNum, totalChecks, reason),
			zap.String("bucket", arc.Bucket), zap.Error(err))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking archive bucket... ✅ %s", checkNum, totalChecks, arc.Bucket),
		zap.String("bucket", arc.Bucket),
		zap.Bool("archive_enabled", appConfig.Archive.Enabled))
	return true
}

// instanceRegion asks the EC2 instance metadata service for the region.
func instanceRegion(ctx context.Context, client *imds.Client) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()
	out, err := client.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", fmt.Errorf("instance metadata: %w", err)
	}
	return out.Region, nil
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
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Set archive.profile to a profile from 'aws configure', or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint and archive.force_path_style")
	observability.CLILogger.Info("")
}
