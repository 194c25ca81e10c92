package main

import (
	"context"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the execution tools over MCP stdio",
	Long: `Expose execute_component, classify_component and verify_component as
MCP tools on stdin/stdout. Logs go to stderr so they never corrupt the
protocol stream.

Set NGOME_MCP_USER to attribute executions to a specific user.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		sc, err := initShared(context.Background(), cfg, logger)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		return mcpserver.New(sc.Service, goutils.Env("NGOME_MCP_USER", ""), version, logger).ServeStdio()
	},
}
