package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

var dupCmd = &cobra.Command{
	Use:   "dup",
	Short: "Review duplicate note pairs",
}

var dupStatus string

var dupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List duplicate pairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, err := apiClient().ListDuplicates(cmd.Context(), dupStatus)
		if err != nil {
			return err
		}
		if len(pairs) == 0 {
			fmt.Println("No duplicate pairs")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSIMILARITY\tNODE A\tNODE B\tSTATUS")
		for _, p := range pairs {
			fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\t%s\t%s\n", p.ID, p.Type, p.Similarity,
				describeNode(p.NodeA), describeNode(p.NodeB), p.Status)
		}
		return w.Flush()
	},
}

var dupDismissCmd = &cobra.Command{
	Use:   "dismiss <pair-id>",
	Short: "Mark a pair as not a duplicate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient().DismissDuplicate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Pair %s is %s\n", p.ID, p.Status)
		return nil
	},
}

var dupUndoDismissCmd = &cobra.Command{
	Use:   "undo-dismiss <pair-id>",
	Short: "Return a dismissed pair to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient().UndoDismissDuplicate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Pair %s is %s\n", p.ID, p.Status)
		return nil
	},
}

var dupKeep string

var dupMergeCmd = &cobra.Command{
	Use:   "merge <pair-id>",
	Short: "Queue a merge of a pending pair",
	Long: `Queues a merge task. The kept note is rewritten from both notes, the
other note is deleted (with a snapshot) and dropped from the index.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := apiClient().MergeDuplicate(cmd.Context(), args[0], dupKeep)
		if err != nil {
			return err
		}
		fmt.Printf("Merge queued as task %s on node %s\n", t.ID, t.NodeID)
		return nil
	},
}

var dupClearHistoryCmd = &cobra.Command{
	Use:   "clear-history",
	Short: "Delete merged and dismissed pairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := apiClient().ClearDuplicateHistory(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d pair(s)\n", n)
		return nil
	},
}

func init() {
	dupCmd.AddCommand(dupListCmd, dupDismissCmd, dupUndoDismissCmd, dupMergeCmd, dupClearHistoryCmd)
	dupListCmd.Flags().StringVar(&dupStatus, "status", "", "Filter by status (pending, merged, dismissed)")
	dupMergeCmd.Flags().StringVar(&dupKeep, "keep", "", "Node id to keep (default: the pair's first node)")
}

func describeNode(n models.NodeRef) string {
	if n.Name != "" {
		return fmt.Sprintf("%s (%s)", truncate(n.Name, 30), n.NodeID)
	}
	return n.NodeID
}
