package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type> <node-id>",
	Short: "Queue a create, amend, merge or verify task for a node",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskEnqueue,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Requeue a failed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRetry,
}

var (
	taskPayload     string
	taskPayloadFile string
	taskState       string
)

func init() {
	taskCmd.AddCommand(taskEnqueueCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskRetryCmd)

	taskEnqueueCmd.Flags().StringVar(&taskPayload, "payload", "", `JSON payload, e.g. '{"path":"notes/a.md","name":"A","type":"concept"}'`)
	taskEnqueueCmd.Flags().StringVar(&taskPayloadFile, "payload-file", "", "Read the JSON payload from a file")
	taskEnqueueCmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	taskListCmd.Flags().StringVar(&taskState, "state", "", "Filter by state (pending, running, completed, failed, cancelled)")
}

func readPayload() (json.RawMessage, error) {
	data := []byte(taskPayload)
	if taskPayloadFile != "" {
		var err error
		if data, err = os.ReadFile(taskPayloadFile); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}

func runTaskEnqueue(cmd *cobra.Command, args []string) error {
	payload, err := readPayload()
	if err != nil {
		return err
	}
	t, err := apiClient().Enqueue(cmd.Context(), args[1], models.TaskType(args[0]), payload)
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued task: %s\n", t.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	tasks, err := apiClient().ListTasks(cmd.Context(), taskState)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNODE\tSTATE\tATTEMPT\tUPDATED\tLAST ERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(t.ID), t.Type, truncate(t.NodeID, 24), t.State, t.Attempt, t.MaxAttempts,
			t.UpdatedAt.Local().Format(time.DateTime), truncate(t.LastError(), 40))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	t, err := apiClient().GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Type:     %s\n", t.Type)
	fmt.Printf("Node:     %s\n", t.NodeID)
	if len(t.LinkedNodeIDs) > 0 {
		fmt.Printf("Linked:   %s\n", strings.Join(t.LinkedNodeIDs, ", "))
	}
	fmt.Printf("State:    %s\n", t.State)
	fmt.Printf("Attempt:  %d/%d\n", t.Attempt, t.MaxAttempts)
	fmt.Printf("Created:  %s\n", t.CreatedAt.Local().Format(time.DateTime))
	if t.NotBefore != nil {
		fmt.Printf("Retry at: %s\n", t.NotBefore.Local().Format(time.DateTime))
	}
	if len(t.Payload) > 0 {
		fmt.Printf("Payload:  %s\n", t.Payload)
	}
	if len(t.Errors) > 0 {
		fmt.Println("\nErrors:")
		for _, e := range t.Errors {
			fmt.Printf("  #%d [%s] %s  %s\n", e.Attempt, e.Class, e.At.Local().Format(time.DateTime), e.Message)
		}
	}
	if len(t.Result) > 0 {
		fmt.Printf("\nResult:\n%s\n", indent(t.Result))
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	t, err := apiClient().CancelTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Task %s is %s\n", truncateID(t.ID), t.State)
	return nil
}

func runTaskRetry(cmd *cobra.Command, args []string) error {
	t, err := apiClient().RetryTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Task %s is %s\n", truncateID(t.ID), t.State)
	return nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func indent(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return string(raw)
	}
	return "  " + string(out)
}
