package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quote-monitor/internal/runlog"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect monitoring cycle history",
	Long:  "Commands for listing and summarizing recorded monitoring cycles.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded cycles, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initRunLog(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		api, _ := cmd.Flags().GetString("api")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		entries, err := st.List(ctx, runlog.Filter{API: api, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, entries)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate cycle statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initRunLog(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		api, _ := cmd.Flags().GetString("api")
		since, _ := cmd.Flags().GetDuration("since")

		// high limit for stats
		entries, err := st.List(ctx, runlog.Filter{API: api, Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		var after time.Time
		if since > 0 {
			after = time.Now().Add(-since)
		}
		formatRunStats(os.Stdout, computeRunStats(entries, after))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("api", "", "filter by API name")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Bool("json", false, "print entries as JSON")

	runsStatsCmd.Flags().String("api", "", "filter by API name")
	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of cycles.
type runStats struct {
	Total      int
	Complete   int
	Failed     int
	Running    int
	Rows       int
	PagesLost  int
	AvgDurSecs float64
}

// computeRunStats aggregates entries started at or after since. A zero since
// includes everything.
func computeRunStats(entries []runlog.Entry, since time.Time) runStats {
	var s runStats
	var totalDur time.Duration
	var durCount int

	for _, e := range entries {
		if !since.IsZero() && e.StartedAt.Before(since) {
			continue
		}
		s.Total++
		switch e.Status {
		case runlog.StatusComplete:
			s.Complete++
			s.Rows += e.Rows
			s.PagesLost += e.Failed
			if e.CompletedAt != nil {
				totalDur += e.CompletedAt.Sub(e.StartedAt)
				durCount++
			}
		case runlog.StatusFailed:
			s.Failed++
		default:
			s.Running++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of cycles to w.
func formatRunsList(out io.Writer, entries []runlog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tAPI\tDATE\tSTATUS\tPAGES\tFAILED\tROWS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t------\t-----\t------\t----\t-------\t--------")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(e.ID),
			e.API,
			e.Date,
			e.Status,
			e.Pages,
			e.Failed,
			e.Rows,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total cycles:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Rows written:\t%d\n", s.Rows)
	_, _ = fmt.Fprintf(w, "Pages lost:\t%d\n", s.PagesLost)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
