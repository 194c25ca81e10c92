package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/signature"
)

var (
	scanPath  string
	scanReset bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Sign every component class under the component source tree",
	Long: `Walk the component source tree, sign each component class found and
record new signatures. Existing rows are never modified, so a rescan of an
unchanged tree inserts nothing.

Examples:
  ngome scan --path ./components
  NGOME_COMPONENTS_PATH=/app/components ngome scan`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if scanPath != "" {
			cfg.Components.Path = scanPath
		}
		if scanReset {
			cfg.Components.ResetBeforeScan = true
		}
		if cfg.Components.Path == "" {
			return fmt.Errorf("component path is required: use --path or set NGOME_COMPONENTS_PATH")
		}

		ctx := context.Background()
		sc, err := initShared(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		report, err := runScan(ctx, sc, cfg.Components.Path)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanPath, "path", "", "component source tree (overrides components.path)")
	scanCmd.Flags().BoolVar(&scanReset, "reset", false, "truncate the signature history first (development only)")
}

// runScan registers signatures for root and logs the outcome.
func runScan(ctx context.Context, sc *SharedComponents, root string) (*signature.ScanReport, error) {
	report, err := sc.Scanner.ScanAndRegister(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	sc.Obs.MetricsOrNil().RecordSignatures(report.Inserted)

	sc.Logger.Info("component scan complete",
		slog.String("root", root),
		slog.Int("files", report.FilesScanned),
		slog.Int("classes", report.ClassesFound),
		slog.Int("inserted", report.Inserted),
		slog.Int("components", report.Stats.Components),
	)
	if report.Stats.AccumulationWarning {
		sc.Logger.Warn("signature history is accumulating; consider resetting in development",
			slog.Float64("avg_per_component", report.Stats.AvgPerComponent),
		)
	}
	return report, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
