package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the task queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := apiClient().QueueStatus(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(s)
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop new tasks from starting; running tasks finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := apiClient().Pause(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(s)
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Let tasks start again",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := apiClient().Resume(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(s)
		return nil
	},
}

var queueRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Requeue every failed task",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := apiClient().RetryFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d task(s)\n", n)
		return nil
	},
}

var cleanupOlderThan time.Duration

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove finished tasks older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := apiClient().Cleanup(cmd.Context(), cleanupOlderThan)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d task(s)\n", n)
		return nil
	},
}

var queueLocksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List nodes held by running tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		locks, err := apiClient().Locks(cmd.Context())
		if err != nil {
			return err
		}
		if len(locks) == 0 {
			fmt.Println("No nodes locked")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tTASK\tHELD")
		for _, l := range locks {
			fmt.Fprintf(w, "%s\t%s\t%s\n", l.NodeID, truncateID(l.TaskID), time.Since(l.AcquiredAt).Truncate(time.Second))
		}
		return w.Flush()
	},
}

func init() {
	queueCmd.AddCommand(queueStatusCmd, queuePauseCmd, queueResumeCmd, queueRetryFailedCmd, queueCleanupCmd, queueLocksCmd)
	queueCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 24*time.Hour, "Minimum age of removed tasks")
}

func printStatus(s *models.QueueStatus) {
	state := "running"
	if s.Paused {
		state = "paused"
	}
	fmt.Printf("Queue:     %s\n", state)
	fmt.Printf("Pending:   %d\n", s.PendingCount)
	fmt.Printf("Running:   %d/%d\n", s.RunningCount, s.MaxConcurrent)
	fmt.Printf("Completed: %d\n", s.CompletedCount)
	fmt.Printf("Failed:    %d\n", s.FailedCount)
	fmt.Printf("Cancelled: %d\n", s.CancelledCount)
}
