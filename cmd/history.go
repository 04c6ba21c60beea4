package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/csvstore"
	"github.com/sells-group/quote-monitor/internal/query"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and maintain per-instrument history files",
}

// -- history cleanup --

var historyCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Collapse duplicate-date rows in history files",
	Long:  "Keeps the last row for each date in stock/{key}.csv. Runs over every history file unless --key is given.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		store := csvstore.New(cfg.Monitor.DataDir)

		keys, _ := cmd.Flags().GetStringSlice("key")
		var results []csvstore.CollapseResult
		if len(keys) == 0 {
			all, err := store.CollapseAll(ctx)
			if err != nil {
				return err
			}
			results = all
		} else {
			for _, k := range keys {
				res, err := store.CollapseHistory(ctx, k)
				if err != nil {
					return err
				}
				results = append(results, res)
			}
		}

		formatCollapse(os.Stdout, results)
		zap.L().Info("history cleanup complete", zap.Int("files", len(results)))
		return nil
	},
}

// -- history show --

var historyShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print the history for one instrument, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		svc := query.NewService(csvstore.New(cfg.Monitor.DataDir), nil, nil)

		p, err := svc.History(cmd.Context(), args[0], query.PageOpts{PageSize: limit})
		if err != nil {
			return err
		}
		formatTable(os.Stdout, p.Header, p.Data)
		if p.Total > len(p.Data) {
			_, _ = fmt.Fprintf(os.Stdout, "\n%d of %d rows\n", len(p.Data), p.Total)
		}
		return nil
	},
}

func init() {
	historyCleanupCmd.Flags().StringSlice("key", nil, "instrument keys to clean (default all)")
	historyShowCmd.Flags().Int("limit", 30, "max rows to print")

	historyCmd.AddCommand(historyCleanupCmd)
	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}

// formatCollapse writes per-file cleanup results to w, skipping files that
// were already clean.
func formatCollapse(out io.Writer, results []csvstore.CollapseResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tBEFORE\tAFTER\tREMOVED")
	var files, removed int
	for _, r := range results {
		if r.Removed == 0 {
			continue
		}
		files++
		removed += r.Removed
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", r.Key, r.Before, r.After, r.Removed)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d files checked, %d cleaned, %d rows removed\n", len(results), files, removed)
}

// formatTable writes header-keyed rows to w in header order.
func formatTable(out io.Writer, header []string, rows []map[string]string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.ToUpper(strings.Join(header, "\t")))
	cells := make([]string, len(header))
	for _, r := range rows {
		for i, h := range header {
			cells[i] = r[h]
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
}
