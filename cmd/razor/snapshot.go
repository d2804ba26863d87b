package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Aliases: []string{"undo"},
	Short:   "List and restore pre-write snapshots",
}

var snapshotPath string

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps, err := apiClient().ListSnapshots(cmd.Context(), snapshotPath)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPATH\tNODE\tTASK\tSIZE\tCREATED")
		for _, s := range snaps {
			size := fmt.Sprintf("%d", s.Size)
			if !s.Existed {
				size = "(new)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, truncate(s.Path, 40), s.NodeID,
				truncateID(s.TaskID), size, s.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <snapshot-id>",
	Short: "Print a snapshot's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := apiClient().GetSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Path:     %s\n", s.Path)
		fmt.Printf("Task:     %s\n", s.TaskID)
		fmt.Printf("Checksum: %s\n", s.Checksum)
		if !s.Existed {
			fmt.Println("\n(the file did not exist; restoring deletes it)")
			return nil
		}
		fmt.Printf("\n%s\n", s.Content)
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Write a snapshot back to its file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := apiClient().RestoreSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if r.Existed {
			fmt.Printf("Restored %s\n", r.Path)
		} else {
			fmt.Printf("Removed %s (it did not exist before the write)\n", r.Path)
		}
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <snapshot-id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteSnapshot(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Snapshot deleted")
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd, snapshotShowCmd, snapshotRestoreCmd, snapshotDeleteCmd)
	snapshotListCmd.Flags().StringVar(&snapshotPath, "path", "", "Glob over vault paths, e.g. 'notes/**/*.md'")
}
