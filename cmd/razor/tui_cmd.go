package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/tui"
)

var noAutostart bool

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive queue monitor",
	RunE:  runTUI,
}

func init() {
	tuiCmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "Do not start the daemon when it is not running")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(cmd.Context()) {
		if noAutostart {
			return fmt.Errorf("razor daemon not reachable at %s", apiAddr)
		}
		fmt.Println("⚡ razor daemon not running. Starting background service...")
		if err := startDaemon(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	if err := tui.New(apiClient()).Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err := apiClient().Health(ctx)
	return err == nil
}

func startDaemon(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	daemonArgs := []string{"daemon"}
	if cfgPath != "" {
		daemonArgs = append(daemonArgs, "--config", cfgPath)
	}
	cmd := exec.Command(exe, daemonArgs...)
	// Detach process so it survives TUI exit
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	// The child is reparented; do not leave a zombie while the TUI runs.
	go func() { _ = cmd.Wait() }()

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ { // Wait up to 5 seconds
		if isDaemonRunning(ctx) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
