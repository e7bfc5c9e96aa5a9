// File: internal/orchestrator/batch.go
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/classifier"
	"github.com/lokashrinav/guardian-toolkit/internal/parse"
)

// Run processes paths concurrently, bounded by the configured concurrency.
// Per-file failures are recorded on the batch and never stop it. When ctx
// ends, files not yet started are skipped; files already started run to
// completion so no write is cut short.
func (o *Orchestrator) Run(ctx context.Context, paths []string, mode Mode) *BatchResult {
	batch := &BatchResult{Mode: mode, Results: make([]*TransformResult, len(paths))}
	var mu sync.Mutex

	o.forEach(ctx, paths, func(fileCtx context.Context, i int, path string) {
		res, err := o.Process(fileCtx, path, mode)
		mu.Lock()
		defer mu.Unlock()

		batch.Results[i] = res
		if err == nil {
			return
		}
		var (
			rerr *RewriteError
			perr *parse.ParseError
			werr *WriteError
		)
		switch {
		// Checked first: a rejected rewrite wraps the parse error of its output.
		case errors.As(err, &rerr):
			batch.RewriteErrors = append(batch.RewriteErrors, FileError{Path: path, Err: err})
		case errors.As(err, &perr):
			batch.ParseErrors = append(batch.ParseErrors, FileError{Path: path, Err: err})
		case errors.As(err, &werr):
			batch.WriteErrors = append(batch.WriteErrors, FileError{Path: path, Err: err})
		default:
			o.logger.Warn("Failed to process file", zap.String("path", path), zap.Error(err))
			batch.ReadErrors = append(batch.ReadErrors, FileError{Path: path, Err: err})
		}
	}, func(path string) {
		mu.Lock()
		batch.Skipped = append(batch.Skipped, path)
		mu.Unlock()
	})

	sortFileErrors(paths, batch.ParseErrors, batch.WriteErrors, batch.RewriteErrors, batch.ReadErrors)
	sortSkipped(paths, batch.Skipped)
	batch.Stats = o.aggregate(paths, batch)

	o.logger.Info("Transform batch complete",
		zap.Stringer("mode", mode),
		zap.Int("files", batch.Stats.TotalFiles),
		zap.Int("changed", batch.Stats.FilesChanged),
		zap.Int("transformations", batch.Stats.TotalTransformations),
		zap.Int("conflicts_dropped", batch.Stats.ConflictsDropped),
		zap.Int("parse_errors", batch.Stats.ParseErrors),
		zap.Int("write_errors", batch.Stats.WriteErrors),
		zap.Int("rewrite_errors", batch.Stats.RewriteErrors),
		zap.Int("skipped", batch.Stats.Skipped))
	return batch
}

// AnalyzeAll is the read-only counterpart of Run.
func (o *Orchestrator) AnalyzeAll(ctx context.Context, paths []string) *AnalysisBatch {
	batch := &AnalysisBatch{Results: make([]*AnalysisResult, len(paths))}
	var mu sync.Mutex

	o.forEach(ctx, paths, func(fileCtx context.Context, i int, path string) {
		res, err := o.Analyze(fileCtx, path)
		mu.Lock()
		defer mu.Unlock()

		batch.Results[i] = res
		if err == nil {
			return
		}
		var perr *parse.ParseError
		if errors.As(err, &perr) {
			batch.ParseErrors = append(batch.ParseErrors, FileError{Path: path, Err: err})
			return
		}
		o.logger.Warn("Failed to analyze file", zap.String("path", path), zap.Error(err))
		batch.ReadErrors = append(batch.ReadErrors, FileError{Path: path, Err: err})
	}, func(path string) {
		mu.Lock()
		batch.Skipped = append(batch.Skipped, path)
		mu.Unlock()
	})

	sortFileErrors(paths, batch.ParseErrors, batch.ReadErrors)
	sortSkipped(paths, batch.Skipped)
	return batch
}

func (o *Orchestrator) forEach(ctx context.Context, paths []string, fn func(context.Context, int, string), skip func(string)) {
	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)
	fileCtx := context.WithoutCancel(ctx)

	for i, path := range paths {
		if ctx.Err() != nil {
			skip(path)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				skip(path)
				return nil
			}
			fn(fileCtx, i, path)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		o.logger.Warn("Batch stopped before all files were processed", zap.Error(ctx.Err()))
	}
}

func (o *Orchestrator) aggregate(paths []string, batch *BatchResult) Stats {
	stats := Stats{
		TotalFiles:    len(paths),
		ParseErrors:   len(batch.ParseErrors),
		WriteErrors:   len(batch.WriteErrors),
		RewriteErrors: len(batch.RewriteErrors),
		ReadErrors:    len(batch.ReadErrors),
		Skipped:       len(batch.Skipped),
		ByFeature:     make(map[catalogue.FeatureID]int),
		BySafety:      make(map[classifier.Safety]int),
	}
	for _, res := range batch.Results {
		if res == nil {
			continue
		}
		if res.HasChanges {
			stats.FilesChanged++
		}
		if res.Persisted {
			stats.FilesPersisted++
		}
		stats.TotalTransformations += len(res.Transformations)
		stats.ConflictsDropped += len(res.Dropped)
		for _, t := range res.Transformations {
			stats.ByFeature[t.Feature]++
			stats.BySafety[o.policy.Effective(res.Verdicts[t.Feature])]++
		}
	}
	return stats
}

// sortFileErrors orders each list by the position of its path in paths.
func sortFileErrors(paths []string, lists ...[]FileError) {
	index := pathIndex(paths)
	for _, list := range lists {
		sort.SliceStable(list, func(i, j int) bool {
			return index[list[i].Path] < index[list[j].Path]
		})
	}
}

func sortSkipped(paths []string, skipped []string) {
	index := pathIndex(paths)
	sort.SliceStable(skipped, func(i, j int) bool {
		return index[skipped[i]] < index[skipped[j]]
	})
}

func pathIndex(paths []string) map[string]int {
	index := make(map[string]int, len(paths))
	for i, p := range paths {
		if _, ok := index[p]; !ok {
			index[p] = i
		}
	}
	return index
}
