package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quote-monitor/internal/model"
	"github.com/sells-group/quote-monitor/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run and inspect monitoring cycles",
}

// -- monitor run --

var monitorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one monitoring cycle now",
	Long:  "Fetches every page of the selected APIs (all by default), writes the daily snapshot and history files, and prints a summary.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		names, _ := cmd.Flags().GetStringSlice("api")
		date, _ := cmd.Flags().GetString("date")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency <= 0 {
			concurrency = cfg.Monitor.Concurrency
		}

		descs, err := env.Registry.Select(names)
		if err != nil {
			return err
		}
		if len(descs) == 0 {
			return eris.New("no apis configured")
		}
		if date != "" {
			if _, err := model.ParseDate(date, env.Location); err != nil {
				return err
			}
		}

		reports := env.Monitor.RunAll(ctx, descs, date, concurrency)
		formatCycleReports(os.Stdout, reports)

		if allFailed(reports) {
			return eris.New("every monitoring cycle failed")
		}
		return nil
	},
}

// -- monitor list --

var monitorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured APIs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		descs, err := cfg.Monitor.Descriptors()
		if err != nil {
			return err
		}
		if len(descs) == 0 {
			fmt.Fprintln(os.Stderr, "No APIs configured.")
			return nil
		}
		formatDescriptors(os.Stdout, descs, cfg.Monitor.DefaultPageSize)
		return nil
	},
}

// -- monitor status --

var monitorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cycle health over the alert lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initRunLog(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		descs, err := cfg.Monitor.Descriptors()
		if err != nil {
			return err
		}
		names := make([]string, len(descs))
		for i, d := range descs {
			names[i] = d.Name
		}

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Alerts.LookbackWindowHours
		}

		snap, err := monitoring.NewCollector(st, names).Collect(ctx, hours)
		if err != nil {
			return err
		}
		alerts := monitoring.NewAlerter(cfg.Alerts).Evaluate(snap)
		formatStatus(os.Stdout, snap, alerts)
		return nil
	},
}

func init() {
	monitorStatusCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")
	monitorCmd.AddCommand(monitorStatusCmd)

	monitorRunCmd.Flags().StringSlice("api", nil, "API names to run (default all)")
	monitorRunCmd.Flags().String("date", "", "snapshot date, YYYY-MM-DD or YYYYMMDD (default today)")
	monitorRunCmd.Flags().Int("concurrency", 0, "APIs to run in parallel (default from config)")

	monitorCmd.AddCommand(monitorRunCmd)
	monitorCmd.AddCommand(monitorListCmd)
	rootCmd.AddCommand(monitorCmd)
}

// allFailed reports whether no cycle succeeded. An empty set is not a failure.
func allFailed(reports []model.CycleReport) bool {
	if len(reports) == 0 {
		return false
	}
	for _, r := range reports {
		if r.OK() {
			return false
		}
	}
	return true
}

// formatCycleReports writes a per-API summary table to w.
func formatCycleReports(out io.Writer, reports []model.CycleReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "API\tDATE\tPAGES\tOK\tFAILED\tROWS\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "---\t----\t-----\t--\t------\t----\t--------\t-----")

	var ok, failed int
	for _, r := range reports {
		if r.OK() {
			ok++
		} else {
			failed++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.API,
			r.Date,
			r.Pages,
			r.Succeeded,
			r.Failed,
			r.Rows,
			r.Duration.Round(time.Millisecond),
			truncate(r.Error, 60),
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d succeeded, %d failed\n", ok, failed)
}

// formatDescriptors writes the configured APIs to w.
func formatDescriptors(out io.Writer, descs []model.APIDescriptor, defPageSize int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCRON\tJSONP\tPAGE_SIZE\tURL")
	_, _ = fmt.Fprintln(w, "----\t----\t-----\t---------\t---")
	for _, d := range descs {
		cron := d.Cron
		if cron == "" {
			cron = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", d.Name, cron, d.JSONP, d.PageSize(defPageSize), d.URL)
	}
	_ = w.Flush()
}

// formatStatus writes a health snapshot and any alerts to w.
func formatStatus(out io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Cycles:\t%d (%d complete, %d failed, %d running)\n",
		snap.CyclesTotal, snap.CyclesComplete, snap.CyclesFailed, snap.CyclesRunning)
	_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", snap.CycleFailRate*100)
	_, _ = fmt.Fprintf(w, "Pages lost:\t%d of %d\n", snap.PagesLost, snap.Pages)
	_, _ = fmt.Fprintf(w, "Rows written:\t%d\n", snap.Rows)
	_ = w.Flush()

	if len(snap.APIs) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "API\tCYCLES\tFAILED\tLAST_SUCCESS")
		for _, h := range snap.APIs {
			last := "never"
			if h.LastSuccess != nil {
				last = h.LastSuccess.Format("2006-01-02 15:04")
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", h.API, h.Cycles, h.Failed, last)
		}
		_ = w.Flush()
	}

	if len(alerts) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, "\nAlerts:")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "  [%s] %s\n", a.Severity, a.Message)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
