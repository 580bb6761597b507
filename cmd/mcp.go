package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/bugtrack/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP stdio server over the local database",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

The server reads the local database directly and is read-only. It lets an
MCP-aware assistant answer questions about breaches, backlogs and timelines.
Configure it with:

  {
    "mcpServers": {
      "bugtrack": { "command": "bugtrack", "args": ["mcp"] }
    }
  }

Available tools: bt_list_projects, bt_list_bugs, bt_breach_report,
bt_bug_timeline, bt_list_tasks, bt_project_health`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		policy, err := breachPolicy()
		if err != nil {
			return err
		}
		return mcp.NewServer(s, policy, buildVersion).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
