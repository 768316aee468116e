package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/internal/observability"
	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/output"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage local jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in the local store",
	Long: `List jobs, oldest first.

Examples:
  parsekit jobs list
  parsekit jobs list --status error
  parsekit jobs list --json`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream store snapshots as JSONL",
	Long: `Write a snapshot record for the current store and another each time it
changes. Changes made by other processes are picked up every --refresh.`,
	Args: cobra.NoArgs,
	RunE: runJobsWatch,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a job regardless of status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var (
	jobsStatus         string
	jobsJSON           bool
	jobsYAML           bool
	jobsIncludeContent bool
	jobsRefresh        time.Duration
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsWatchCmd, jobsDeleteCmd)

	for _, c := range []*cobra.Command{jobsListCmd, jobsStatusCmd} {
		c.Flags().BoolVar(&jobsJSON, "json", false, "Print JSON")
		c.Flags().BoolVar(&jobsYAML, "yaml", false, "Print YAML")
		c.Flags().BoolVar(&jobsIncludeContent, "include-content", false, "Include sealed content and wrapped key")
		c.MarkFlagsMutuallyExclusive("json", "yaml")
	}
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Only jobs with this status (pending, processing, completed, error)")
	jobsWatchCmd.Flags().DurationVar(&jobsRefresh, "refresh", 2*time.Second, "How often to re-read the store")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	var status jobstore.Status
	if jobsStatus != "" {
		st, err := jobstore.ParseStatus(strings.ToLower(jobsStatus))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
		}
		status = st
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var jobs []jobstore.Job
	if status != "" {
		jobs, err = store.ListByStatus(ctx, status)
	} else {
		jobs, err = store.GetAll(ctx)
	}
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
	}

	records := make([]*output.JobRecord, 0, len(jobs))
	for _, j := range jobs {
		records = append(records, output.NewJobRecord(j, jobsIncludeContent))
	}

	switch {
	case jobsJSON:
		return writeJSON(cmd.OutOrStdout(), records)
	case jobsYAML:
		return writeYAML(cmd.OutOrStdout(), records)
	}
	return printJobTable(cmd.OutOrStdout(), records)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	job, err := store.Get(ctx, id)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Job not found", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read job", err)
	}

	rec := output.NewJobRecord(*job, jobsIncludeContent)
	switch {
	case jobsJSON:
		return writeJSON(cmd.OutOrStdout(), rec)
	case jobsYAML:
		return writeYAML(cmd.OutOrStdout(), rec)
	}
	return printJobDetail(cmd.OutOrStdout(), rec)
}

func runJobsWatch(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if jobsRefresh <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --refresh", fmt.Errorf("must be positive, got %s", jobsRefresh))
	}

	id, err := clientID()
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	observed := jobstore.NewObserved(store, observability.CLILogger)
	defer func() { _ = observed.Close() }()

	w := output.NewJSONLWriter(cmd.OutOrStdout(), id)
	defer func() { _ = w.Close() }()

	go func() {
		ticker := time.NewTicker(jobsRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observed.Refresh(ctx)
			}
		}
	}()

	return watchSnapshots(ctx, observed.Observe(ctx), w)
}

// watchSnapshots writes each snapshot that differs from the previous one.
// It returns nil when the channel closes.
func watchSnapshots(ctx context.Context, snaps <-chan []jobstore.Job, w output.Writer) error {
	var (
		last  string
		wrote bool
	)
	for snap := range snaps {
		key := snapshotKey(snap)
		if wrote && key == last {
			continue
		}
		last, wrote = key, true
		if err := w.WriteSnapshot(ctx, output.NewSnapshotRecord(snap)); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return exitError(foundry.ExitFileWriteError, "Failed to write snapshot", err)
		}
		observability.CLILogger.Debug("Snapshot written", zap.Int("jobs", len(snap)))
	}
	return nil
}

// snapshotKey identifies a snapshot by the ids, statuses and update times
// of its jobs.
func snapshotKey(jobs []jobstore.Job) string {
	b := make([]byte, 0, len(jobs)*32)
	for _, j := range jobs {
		b = strconv.AppendInt(b, j.ID, 10)
		b = append(b, ':')
		b = append(b, string(j.Status)...)
		b = append(b, ':')
		b = strconv.AppendInt(b, j.UpdatedAt.UnixNano(), 10)
		b = append(b, ';')
	}
	return string(b)
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ok, err := store.Delete(ctx, id)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to delete job", err)
	}
	if !ok {
		return exitError(foundry.ExitFileNotFound, "Job not found", fmt.Errorf("job %d", id))
	}
	observability.CLILogger.Info("Job deleted", zap.Int64("job_id", id))
	return nil
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("%q is not a positive integer", s))
	}
	return id, nil
}

func printJobTable(w io.Writer, records []*output.JobRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tUPDATED\tSHA256")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Status, r.UpdatedAt.Local().Format(time.DateTime), shortHash(r.ContentHash))
	}
	return tw.Flush()
}

func printJobDetail(w io.Writer, r *output.JobRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%d\n", r.ID)
	fmt.Fprintf(tw, "Type:\t%s\n", r.Kind)
	fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
	fmt.Fprintf(tw, "SHA256:\t%s\n", r.ContentHash)
	fmt.Fprintf(tw, "Content:\t%d bytes\n", r.ContentBytes)
	fmt.Fprintf(tw, "Created:\t%s\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Updated:\t%s\n", r.UpdatedAt.Local().Format(time.RFC3339))
	if r.Result != nil {
		fmt.Fprintf(tw, "Result:\t%d bytes (base64)\n", len(*r.Result))
	}
	if r.ErrorDetail != nil {
		fmt.Fprintf(tw, "Error:\t%s\n", *r.ErrorDetail)
	}
	return tw.Flush()
}

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
