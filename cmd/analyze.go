// File: cmd/analyze.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/config"
	"github.com/lokashrinav/guardian-toolkit/internal/observability"
	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
	"github.com/lokashrinav/guardian-toolkit/internal/reporting"
	"github.com/lokashrinav/guardian-toolkit/internal/store"
)

// DefaultReportPath is used when --report is given without a value.
const DefaultReportPath = "guardian-report.json"

type analyzeOptions struct {
	reportPath string
	format     string
}

func newAnalyzeCmd() *cobra.Command {
	var opts analyzeOptions

	analyzeCmd := &cobra.Command{
		Use:   "analyze <glob>",
		Short: "Report feature usages that are not yet safe, without changing any file",
		Long: `Lists every occurrence of a feature the classifier rates caution or unsafe,
including features that have no automatic rewrite. Source files are never
modified. Parse failures are reported as warnings and do not change the exit
status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runAnalyze(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), observability.GetLogger(), cfg, args[0], opts, NewStoreProvider())
		},
	}

	analyzeCmd.Flags().StringVar(&opts.reportPath, "report", "", "write a report file (default "+DefaultReportPath+" when given without a value)")
	analyzeCmd.Flags().Lookup("report").NoOptDefVal = DefaultReportPath
	analyzeCmd.Flags().StringVarP(&opts.format, "format", "f", "json", "report file format: json, sarif or text")
	addEngineFlags(analyzeCmd)
	return analyzeCmd
}

func runAnalyze(
	ctx context.Context,
	out, errOut io.Writer,
	logger *zap.Logger,
	cfg *config.Config,
	pattern string,
	opts analyzeOptions,
	provider storeProvider,
) error {
	started := time.Now()
	eng, err := newEngine(cfg, logger, false)
	if err != nil {
		return err
	}
	paths, err := discover(pattern, logger)
	if err != nil {
		return err
	}

	batchCtx, cancel := withBatchTimeout(ctx, cfg)
	defer cancel()
	batch := eng.orchestrator.AnalyzeAll(batchCtx, paths)

	printFileErrors(errOut, "failed to parse", batch.ParseErrors)
	printFileErrors(errOut, "could not be read", batch.ReadErrors)

	// Findings always go to the terminal; the report file is extra.
	console := reporting.NewTextReporter(nopCloser{out})
	if err := reporting.WriteBatch(console, paths, batch); err != nil {
		return err
	}
	if err := console.Close(); err != nil {
		return err
	}

	if opts.reportPath != "" {
		if err := writeReportFile(logger, paths, batch, opts.reportPath, opts.format); err != nil {
			logger.Error("Failed to write report", zap.String("path", opts.reportPath), zap.Error(err))
			color.New(color.FgYellow).Fprintf(errOut, "warning: report not written: %v\n", err)
		} else {
			color.New(color.FgGreen).Fprintf(out, "Report written to %s\n", opts.reportPath)
		}
	}

	run := newRun("analyze", orchestrator.DryRun.String(), pattern, started)
	run.TotalFiles = len(paths)
	run.ParseErrors = len(batch.ParseErrors)
	recordRun(ctx, provider, cfg, logger, run, store.AnalysisIssues(batch))
	return nil
}

// writeReportFile renders the batch with the reporting module.
func writeReportFile(logger *zap.Logger, paths []string, batch *orchestrator.AnalysisBatch, outputPath, format string) error {
	reporter, err := reporting.New(format, outputPath, Version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	if err := reporting.WriteBatch(reporter, paths, batch); err != nil {
		_ = reporter.Close()
		return err
	}
	if err := reporter.Close(); err != nil {
		return err
	}
	logger.Info("Report successfully written to file", zap.String("path", outputPath), zap.String("format", format))
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
