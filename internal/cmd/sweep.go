package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/internal/observability"
	"github.com/3leaps/parsekit/pkg/archive"
	"github.com/3leaps/parsekit/pkg/output"
	"github.com/3leaps/parsekit/pkg/retention"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete completed jobs older than the retention age",
	Long: `Run one retention sweep. Only completed jobs whose last update is strictly
older than now minus --max-age are removed. Failed jobs are kept until
deleted with 'parsekit jobs delete'.

When archive.enabled is set, each job is copied to S3 first and kept if
the copy fails.

Examples:
  parsekit sweep --dry-run
  parsekit sweep --max-age 72h --json`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var (
	sweepMaxAge string
	sweepDryRun bool
	sweepJSON   bool
)

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().StringVar(&sweepMaxAge, "max-age", "", "Retention age, e.g. 72h (overrides retention.max_age)")
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Report what would be deleted without deleting")
	sweepCmd.Flags().BoolVar(&sweepJSON, "json", false, "Print the sweep report as JSONL")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	maxAge := appConfig.Retention.MaxAge
	if sweepMaxAge != "" {
		d, err := parseMaxAge(sweepMaxAge)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
		}
		maxAge = d
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid retention age", retention.ErrInvalidMaxAge)
	}

	id, err := clientID()
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	opts := []retention.Option{retention.WithLogger(observability.CLILogger.Named("retention"))}
	if appConfig.Archive.Enabled && !sweepDryRun {
		a, err := archive.New(ctx, appConfig.Archive.Config)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to configure archive", err)
		}
		opts = append(opts, retention.WithArchiver(a))
	}
	sweeper := retention.New(store, appConfig.SweeperConfig(), opts...)

	var report retention.Report
	if sweepDryRun {
		report, err = sweeper.DryRun(ctx, maxAge)
	} else {
		report, err = sweeper.SweepReport(ctx, maxAge)
	}
	if err != nil {
		if errors.Is(err, retention.ErrInvalidMaxAge) {
			return exitError(foundry.ExitInvalidArgument, "Invalid retention age", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Sweep failed", err)
	}

	if sweepJSON {
		w := output.NewJSONLWriter(cmd.OutOrStdout(), id)
		defer func() { _ = w.Close() }()
		return w.WriteSweep(ctx, output.NewSweepRecord(report, maxAge))
	}

	verb := "deleted"
	if report.DryRun {
		verb = "would delete"
	}
	observability.CLILogger.Info("Sweep complete",
		zap.Time("cutoff", report.Cutoff),
		zap.Int64("candidates", report.Candidates),
		zap.Int64("archived", report.Archived),
		zap.Int64("archive_failures", report.ArchiveFailures))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d of %d completed jobs older than %s\n",
		verb, deletedOrCandidates(report), report.Candidates, report.Cutoff.Local().Format(time.DateTime))
	return err
}

func deletedOrCandidates(r retention.Report) int64 {
	if r.DryRun {
		return r.Candidates
	}
	return r.Deleted
}

// parseMaxAge accepts Go durations plus a whole-day form such as "7d".
func parseMaxAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
