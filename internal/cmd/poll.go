package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/internal/observability"
	"github.com/3leaps/parsekit/pkg/output"
	"github.com/3leaps/parsekit/pkg/poller"
	"github.com/3leaps/parsekit/pkg/transport"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Dispatch pending jobs and recheck processing ones",
	Long: `Run polling iterations in the foreground without the status server or
the retention sweeper.

Examples:
  parsekit poll --once
  parsekit poll --once --json
  parsekit poll --interval 10s`,
	Args: cobra.NoArgs,
	RunE: runPoll,
}

var (
	pollOnce     bool
	pollJSON     bool
	pollInterval time.Duration
)

func init() {
	rootCmd.AddCommand(pollCmd)

	pollCmd.Flags().BoolVar(&pollOnce, "once", false, "Run exactly one iteration and exit")
	pollCmd.Flags().BoolVar(&pollJSON, "json", false, "Print iteration summaries as JSONL")
	pollCmd.Flags().DurationVar(&pollInterval, "interval", 0, "Time between iterations (overrides poller.interval)")
}

func runPoll(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	id, err := clientID()
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	logger := observability.CLILogger
	proc := transport.New(remoteSettings(), appConfig.TransportConfig("parsekit/"+versionInfo.Version),
		transport.WithLogger(logger.Named("transport")))
	engine := poller.New(store, proc, appConfig.EngineConfig(), poller.WithLogger(logger.Named("poller")))

	w := output.NewJSONLWriter(cmd.OutOrStdout(), id)
	defer func() { _ = w.Close() }()

	if pollOnce {
		summary, err := engine.RunOnce(ctx)
		if werr := reportPoll(ctx, cmd.OutOrStdout(), w, summary, err); werr != nil {
			return werr
		}
		if err != nil {
			return exitError(pollExitCode(err), "Poll iteration failed", err)
		}
		return nil
	}

	interval := pollInterval
	if interval <= 0 {
		interval = appConfig.Poller.Interval
	}
	backoff := appConfig.Poller.Backoff
	logger.Info("Polling until interrupted", zap.Duration("interval", interval))

	for {
		summary, err := engine.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if werr := reportPoll(ctx, cmd.OutOrStdout(), w, summary, err); werr != nil {
			return werr
		}

		wait := interval
		if err != nil && backoff > interval {
			wait = backoff
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func reportPoll(ctx context.Context, out io.Writer, w output.Writer, summary poller.IterationSummary, err error) error {
	if pollJSON {
		if werr := w.WritePoll(ctx, output.NewPollRecord(summary, err)); werr != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write poll record", werr)
		}
		return nil
	}

	if _, werr := fmt.Fprintln(out, formatPollSummary(summary)); werr != nil {
		return werr
	}
	if err != nil {
		observability.CLILogger.Warn("Iteration failed", zap.String("reason", transport.Describe(err)), zap.Error(err))
	}
	return nil
}

func formatPollSummary(s poller.IterationSummary) string {
	return fmt.Sprintf("dispatch: %d examined, %d processing, %d completed, %d failed, %d transport errors | "+
		"recheck: %d examined, %d completed, %d failed, %d transport errors | %s",
		s.Dispatch.Examined, s.Dispatch.Processing, s.Dispatch.Completed, s.Dispatch.Failed, s.Dispatch.TransportErrors,
		s.Recheck.Examined, s.Recheck.Completed, s.Recheck.Failed, s.Recheck.TransportErrors,
		s.Elapsed.Round(time.Millisecond))
}

func pollExitCode(err error) int {
	switch {
	case transport.IsCanceled(err):
		return foundry.ExitSignalInt
	case transport.IsConfigError(err):
		return foundry.ExitInvalidArgument
	case transport.IsTransportError(err):
		return foundry.ExitExternalServiceUnavailable
	}
	return exitFailure
}
