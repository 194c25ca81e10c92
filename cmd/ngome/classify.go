package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/protocol"
)

var (
	classifyFile   string
	classifyPath   string
	classifyNodeID string
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Show the trust decision for component code without running it",
	Long: `Print the trust decision and node flags for component code. The
component path is taken from --node-id when set.

Examples:
  ngome classify -f chat_input.py --path component.ChatInput
  ngome classify -f chat_input.py --node-id ChatInput-ab12c`,
	RunE: func(_ *cobra.Command, _ []string) error {
		if classifyPath == "" && classifyNodeID == "" {
			return fmt.Errorf("--path or --node-id is required")
		}
		code, err := readCode(classifyFile)
		if err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		sc, err := initShared(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		d, flags := sc.Service.Classify(ctx, classifyPath, classifyNodeID, code)
		return printJSON(protocol.ClassifyResponse{Decision: d, Flags: flags})
	},
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyFile, "file", "f", "", "file with the component code, - for stdin (required)")
	classifyCmd.Flags().StringVar(&classifyPath, "path", "", "component path")
	classifyCmd.Flags().StringVar(&classifyNodeID, "node-id", "", "flow node id, e.g. ChatInput-ab12c")
	_ = classifyCmd.MarkFlagRequired("file")
}
