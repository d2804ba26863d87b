package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/client"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	apiAddr  string
	cfgPath  string
	logLevel string
	verbose  bool

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "razor",
	Short: "razor - note task queue and consistency engine",
	Long: `razor runs note-authoring tasks against a vault one node at a time,
snapshots every write so it can be undone, and tracks duplicate notes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(logLevel, verbose)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the razor version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7471", "API server address")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default ~/.razor/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(dupCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func apiClient() *client.Client {
	return client.New(apiAddr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
