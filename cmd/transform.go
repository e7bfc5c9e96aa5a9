// File: cmd/transform.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/config"
	"github.com/lokashrinav/guardian-toolkit/internal/observability"
	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
	"github.com/lokashrinav/guardian-toolkit/internal/reporting"
	"github.com/lokashrinav/guardian-toolkit/internal/store"
)

type transformOptions struct {
	dryRun  bool
	verbose bool
	diff    bool
}

// addEngineFlags registers the flags shared by transform and analyze. Their
// values reach the configuration through flagKeys.
func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().String("api", "", "classifier service base URL (default: catalogue tiers)")
	cmd.Flags().Bool("fail-closed", false, "treat features the classifier cannot answer for as unsafe")
	cmd.Flags().Int("concurrency", 0, "files processed in parallel (default: number of CPUs)")
	cmd.Flags().Duration("timeout", 0, "stop starting new files after this long (0 = no limit)")
	cmd.Flags().String("catalogue", "", "additional feature catalogue (TOML)")
}

func newTransformCmd() *cobra.Command {
	var opts transformOptions

	transformCmd := &cobra.Command{
		Use:   "transform <glob>",
		Short: "Rewrite unsafe feature usages in the matching files",
		Long: `Rewrites every occurrence of a feature the classifier does not consider safe
into its catalogued fallback. Files are replaced atomically. With --dry-run
nothing is written; combine with --diff to preview the changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runTransform(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), observability.GetLogger(), cfg, args[0], opts, NewStoreProvider())
		},
	}

	transformCmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "compute changes without writing any file")
	transformCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "list every transformation and every overlapping occurrence left unchanged")
	transformCmd.Flags().BoolVar(&opts.diff, "diff", false, "print a unified diff of each changed file")
	transformCmd.Flags().Bool("strict", false, "exit non-zero when any file fails to parse")
	addEngineFlags(transformCmd)
	return transformCmd
}

func runTransform(
	ctx context.Context,
	out, errOut io.Writer,
	logger *zap.Logger,
	cfg *config.Config,
	pattern string,
	opts transformOptions,
	provider storeProvider,
) error {
	started := time.Now()
	eng, err := newEngine(cfg, logger, opts.verbose)
	if err != nil {
		return err
	}
	paths, err := discover(pattern, logger)
	if err != nil {
		return err
	}

	mode := orchestrator.Apply
	if opts.dryRun {
		mode = orchestrator.DryRun
	}

	batchCtx, cancel := withBatchTimeout(ctx, cfg)
	defer cancel()
	batch := eng.orchestrator.Run(batchCtx, paths, mode)

	for _, res := range batch.Results {
		if res == nil {
			continue
		}
		if opts.verbose {
			printTransformations(out, res)
		}
		if opts.diff && res.HasChanges {
			diff, err := reporting.UnifiedDiff(res.Path, res.Source, res.FinalSource)
			if err != nil {
				logger.Warn("Failed to render diff", zap.String("path", res.Path), zap.Error(err))
				continue
			}
			fmt.Fprint(out, diff)
		}
	}
	printFileErrors(errOut, "failed to parse", batch.ParseErrors)
	printFileErrors(errOut, "could not be written", batch.WriteErrors)
	printFileErrors(errOut, "was left unchanged", batch.RewriteErrors)
	printFileErrors(errOut, "could not be read", batch.ReadErrors)
	printTransformSummary(out, batch)

	run := newRun("transform", mode.String(), pattern, started)
	run.TotalFiles = batch.Stats.TotalFiles
	run.FilesChanged = batch.Stats.FilesChanged
	run.ParseErrors = batch.Stats.ParseErrors
	run.WriteErrors = batch.Stats.WriteErrors
	recordRun(ctx, provider, cfg, logger, run, store.TransformIssues(batch, eng.policy))

	if cfg.Engine.Strict && len(batch.ParseErrors) > 0 {
		return fmt.Errorf("%d file(s) failed to parse", len(batch.ParseErrors))
	}
	return nil
}

func printTransformations(out io.Writer, res *orchestrator.TransformResult) {
	for _, t := range res.Transformations {
		fmt.Fprintf(out, "%s:%d:%d: %s: %s\n", res.Path, t.Line, t.Column, t.Feature, t.Explanation)
	}
	for _, d := range res.Dropped {
		fmt.Fprintf(out, "%s:%d:%d: %s overlaps %s and was left unchanged this pass\n",
			res.Path, d.Line, d.Column, d.Feature, d.WinnerFeature)
	}
}

func printFileErrors(errOut io.Writer, what string, errs []orchestrator.FileError) {
	warn := color.New(color.FgYellow)
	for _, e := range errs {
		warn.Fprintf(errOut, "warning: %s %s: %v\n", e.Path, what, e.Err)
	}
}

func printTransformSummary(out io.Writer, batch *orchestrator.BatchResult) {
	s := batch.Stats
	headline := color.New(color.FgGreen, color.Bold)
	if batch.Mode == orchestrator.DryRun {
		headline.Fprintf(out, "Dry run: %d of %d file(s) would change, %d transformation(s)\n",
			s.FilesChanged, s.TotalFiles, s.TotalTransformations)
	} else {
		headline.Fprintf(out, "Rewrote %d of %d file(s), %d transformation(s)\n",
			s.FilesPersisted, s.TotalFiles, s.TotalTransformations)
	}

	if len(s.ByFeature) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, id := range sortedFeatures(s.ByFeature) {
			fmt.Fprintf(tw, "  %s\t%d\n", id, s.ByFeature[id])
		}
		_ = tw.Flush()
		tiers := make([]string, 0, len(s.BySafety))
		for tier, n := range s.BySafety {
			tiers = append(tiers, fmt.Sprintf("%s %d", tier, n))
		}
		sort.Strings(tiers)
		fmt.Fprintf(out, "  by tier: %s\n", strings.Join(tiers, ", "))
	}

	notice := color.New(color.FgYellow)
	if s.ConflictsDropped > 0 {
		notice.Fprintf(out, "%d overlapping occurrence(s) left for the next pass\n", s.ConflictsDropped)
	}
	if s.ParseErrors > 0 {
		notice.Fprintf(out, "%d file(s) skipped: parse errors\n", s.ParseErrors)
	}
	if s.WriteErrors > 0 {
		notice.Fprintf(out, "%d file(s) could not be written\n", s.WriteErrors)
	}
	if s.RewriteErrors > 0 {
		notice.Fprintf(out, "%d file(s) left unchanged: rewrite would not parse\n", s.RewriteErrors)
	}
	if s.ReadErrors > 0 {
		notice.Fprintf(out, "%d file(s) could not be read\n", s.ReadErrors)
	}
	if s.Skipped > 0 {
		notice.Fprintf(out, "%d file(s) not processed before the batch timeout\n", s.Skipped)
	}
}

func sortedFeatures(m map[catalogue.FeatureID]int) []catalogue.FeatureID {
	ids := make([]catalogue.FeatureID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
