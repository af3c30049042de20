package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/heic-forge/internal/queue"
)

// terminalPruner は終端状態のレコードを削除できるストアです。SQLite のみが満たします。
type terminalPruner interface {
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

var nowFunc = time.Now

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(store queue.Store) error {
				colorize := shouldColorize(ctx.colorMode, cmd.OutOrStdout())
				view := newTableView(textColumn("State"), numberColumn("Jobs"))
				total := 0
				for _, state := range queue.AllStates {
					n, err := store.Count(cmd.Context(), state)
					if err != nil {
						return err
					}
					total += n
					view.add(renderState(state, colorize), strconv.Itoa(n))
				}
				view.total("total", strconv.Itoa(total))
				view.writeTo(cmd.OutOrStdout())
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	var owner string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseStates(states)
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(store queue.Store) error {
				jobs, err := store.List(cmd.Context(), filter...)
				if err != nil {
					return err
				}
				if owner != "" {
					jobs = filterOwner(jobs, owner)
				}
				if limit > 0 && len(jobs) > limit {
					jobs = jobs[len(jobs)-limit:]
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				colorize := shouldColorize(ctx.colorMode, cmd.OutOrStdout())
				view := newTableView(
					textColumn("ID"), textColumn("Owner"), textColumn("State"), textColumn("Format"),
					numberColumn("Files"), numberColumn("Attempts"), numberColumn("Progress"), textColumn("Updated"),
				)
				for _, row := range buildListRows(jobs, colorize, nowFunc()) {
					view.add(row...)
				}
				view.writeTo(cmd.OutOrStdout())
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Filter by state (repeatable: pending, active, completed, failed)")
	cmd.Flags().StringVar(&owner, "owner", "", "Only show jobs of this owner")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most the N most recent jobs")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			return ctx.withStore(cmd.Context(), func(store queue.Store) error {
				job, err := store.Get(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %s not found", jobID)
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(job)
				}
				colorize := shouldColorize(ctx.colorMode, cmd.OutOrStdout())
				writeJobDetail(cmd, job, colorize, nowFunc())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw job record as JSON")
	return cmd
}

func newPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed and failed job records (sqlite backend)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return ctx.withStore(cmd.Context(), func(store queue.Store) error {
				pruner, ok := store.(terminalPruner)
				if !ok {
					return errors.New("prune is only needed for the sqlite backend; redis records expire on their own")
				}
				removed, err := pruner.PurgeTerminal(cmd.Context(), nowFunc().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job record(s)\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Only delete records last updated before this age")
	return cmd
}

func parseStates(raw []string) ([]queue.State, error) {
	var states []queue.State
	for _, r := range raw {
		state := queue.State(strings.ToLower(strings.TrimSpace(r)))
		if !state.Valid() {
			return nil, fmt.Errorf("unknown state %q", r)
		}
		states = append(states, state)
	}
	return states, nil
}

func filterOwner(jobs []*queue.Job, owner string) []*queue.Job {
	out := jobs[:0]
	for _, j := range jobs {
		if j.OwnerID == owner {
			out = append(out, j)
		}
	}
	return out
}

func buildListRows(jobs []*queue.Job, colorize bool, now time.Time) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			j.OwnerID,
			renderState(j.State, colorize),
			string(j.OutputFormat),
			strconv.Itoa(len(j.Files)),
			strconv.Itoa(j.AttemptsMade),
			formatProgress(j.Progress),
			relativeTime(j.UpdatedAt, now),
		})
	}
	return rows
}

func writeJobDetail(cmd *cobra.Command, job *queue.Job, colorize bool, now time.Time) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:       %s\n", job.ID)
	fmt.Fprintf(out, "Owner:     %s\n", job.OwnerID)
	fmt.Fprintf(out, "State:     %s\n", renderState(job.State, colorize))
	fmt.Fprintf(out, "Format:    %s (quality %d)\n", job.OutputFormat, job.Quality)
	if job.OutputFormat == queue.FormatPDF {
		fmt.Fprintf(out, "Page:      %s %s\n", job.PDFOptions.PageSize, job.PDFOptions.Orientation)
	}
	fmt.Fprintf(out, "Priority:  %d\n", job.Priority)
	fmt.Fprintf(out, "Attempts:  %d\n", job.AttemptsMade)
	fmt.Fprintf(out, "Progress:  %s\n", formatProgress(job.Progress))
	fmt.Fprintf(out, "Created:   %s\n", relativeTime(job.CreatedAt, now))
	fmt.Fprintf(out, "Updated:   %s\n", relativeTime(job.UpdatedAt, now))
	if job.State == queue.StatePending && job.AvailableAt.After(now) {
		fmt.Fprintf(out, "Retry at:  %s\n", relativeTime(job.AvailableAt, now))
	}
	if job.FailureReason != "" {
		fmt.Fprintf(out, "Reason:    %s\n", job.FailureReason)
	}

	if job.Purged {
		fmt.Fprintln(out, "Purged:    retention expired, inputs and outputs are gone")
		return
	}

	fmt.Fprintln(out)
	inputs := newTableView(textColumn("Input"), numberColumn("Size"), textColumn("Type"))
	for _, f := range job.Files {
		inputs.add(f.OriginalName, formatSize(f.SizeBytes), f.MimeHint)
	}
	inputs.writeTo(out)

	if job.Outcome == nil {
		return
	}
	fmt.Fprintln(out)
	results := newTableView(textColumn("Output"), numberColumn("Size"), textColumn("Ref"), textColumn("Note"))
	var size int64
	for _, r := range job.Outcome.Results {
		note := ""
		if r.Degraded {
			note = "placeholder: " + r.DegradedReason
		}
		size += r.SizeBytes
		results.add(r.ConvertedName, formatSize(r.SizeBytes), r.ArtifactRef, note)
	}
	if len(job.Outcome.Results) > 1 {
		results.total(fmt.Sprintf("%d files", len(job.Outcome.Results)), formatSize(size))
	}
	results.writeTo(out)
	if job.Outcome.CombinedDocumentRef != "" {
		fmt.Fprintf(out, "Combined:  %s\n", job.Outcome.CombinedDocumentRef)
	}
	if job.Outcome.CombinedArchiveRef != "" {
		fmt.Fprintf(out, "Archive:   %s\n", job.Outcome.CombinedArchiveRef)
	}
	if job.Outcome.Degraded {
		fmt.Fprintf(out, "Degraded:  %d file(s)\n", job.Outcome.DegradedCount)
	}
}
