package main

import (
	"github.com/spf13/cobra"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the queue tools over MCP (stdio)",
	Long: `Runs a Model Context Protocol server on stdin/stdout. Tools call the
running daemon at --api. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcp.Serve(cmd.Context(), apiClient(), Version, logger.Named("mcp"))
	},
}
