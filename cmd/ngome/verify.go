package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verifyFile string
	verifyPath string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check component code against its registered signatures",
	Long: `Check whether code matches any signature registered for a component
path. Exits 0 when verified and 2 when it is not.

Examples:
  ngome verify -f chat_input.py --path component.ChatInput`,
	RunE: func(_ *cobra.Command, _ []string) error {
		code, err := readCode(verifyFile)
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

		ok, err := sc.Service.Verify(ctx, verifyPath, code)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", verifyPath, err)
		}
		if err := printJSON(map[string]any{"component_path": verifyPath, "verified": ok}); err != nil {
			return err
		}
		if !ok {
			sc.Cleanup()
			os.Exit(ExitDenied)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyFile, "file", "f", "", "file with the component code, - for stdin (required)")
	verifyCmd.Flags().StringVar(&verifyPath, "path", "", "component path (required)")
	_ = verifyCmd.MarkFlagRequired("file")
	_ = verifyCmd.MarkFlagRequired("path")
}
