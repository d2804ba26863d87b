package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	auditTaskID string
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recorded decisions (enqueue, cancel, restore, ...)",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := apiClient().Audit(cmd.Context(), auditTaskID, auditLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tTASK\tDETAILS")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Action,
				e.Outcome, truncateID(e.TaskID), truncate(e.Details, 60))
		}
		return w.Flush()
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Show vector index entry counts per note type",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiClient().IndexStats(cmd.Context())
		if err != nil {
			return err
		}
		types := make([]string, 0, len(stats))
		total := 0
		for t, n := range stats {
			types = append(types, t)
			total += n
		}
		sort.Strings(types)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tENTRIES")
		for _, t := range types {
			fmt.Fprintf(w, "%s\t%d\n", t, stats[t])
		}
		fmt.Fprintf(w, "total\t%d\n", total)
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditTaskID, "task", "", "Only entries for this task id")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries")
}
