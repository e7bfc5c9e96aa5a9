// File: internal/orchestrator/orchestrator.go
// Description: Drives a file through parse, match, classify, rewrite and
// serialize, and persists the result in apply mode.

package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/classifier"
	"github.com/lokashrinav/guardian-toolkit/internal/fsutil"
	"github.com/lokashrinav/guardian-toolkit/internal/matcher"
	"github.com/lokashrinav/guardian-toolkit/internal/parse"
	"github.com/lokashrinav/guardian-toolkit/internal/rewrite"
)

// Classifier resolves a feature's verdict. *classifier.Gateway implements it.
type Classifier interface {
	Classify(ctx context.Context, id catalogue.FeatureID) classifier.Verdict
}

// Options wires an Orchestrator. Catalogue and Classifier are required; the
// parser and matcher are built from the catalogue when nil.
type Options struct {
	Catalogue   *catalogue.Catalogue
	Classifier  Classifier
	Policy      classifier.Policy
	Parser      *parse.Parser
	Matcher     *matcher.Matcher
	Logger      *zap.Logger
	Concurrency int
	// Verbose promotes per-occurrence conflict logging to info level.
	Verbose bool

	ReadFile  func(path string) ([]byte, error)
	WriteFile func(path string, data []byte) error
}

// Orchestrator is safe for concurrent use; files share nothing but the
// classifier.
type Orchestrator struct {
	cat         *catalogue.Catalogue
	classifier  Classifier
	policy      classifier.Policy
	parser      *parse.Parser
	matcher     *matcher.Matcher
	logger      *zap.Logger
	concurrency int
	verbose     bool
	readFile    func(string) ([]byte, error)
	writeFile   func(string, []byte) error
}

// New validates opts and fills in defaults.
func New(opts Options) (*Orchestrator, error) {
	if opts.Catalogue == nil || opts.Classifier == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cat:         opts.Catalogue,
		classifier:  opts.Classifier,
		policy:      opts.Policy,
		parser:      opts.Parser,
		matcher:     opts.Matcher,
		logger:      logger.Named("orchestrator"),
		concurrency: opts.Concurrency,
		verbose:     opts.Verbose,
		readFile:    opts.ReadFile,
		writeFile:   opts.WriteFile,
	}
	if o.parser == nil {
		o.parser = parse.New(logger)
	}
	if o.matcher == nil {
		o.matcher = matcher.New(logger, opts.Catalogue)
	}
	if o.concurrency <= 0 {
		o.concurrency = runtime.NumCPU()
	}
	if o.readFile == nil {
		o.readFile = os.ReadFile
	}
	if o.writeFile == nil {
		o.writeFile = func(path string, data []byte) error {
			return fsutil.WriteFileAtomic(path, data, 0o644)
		}
	}
	return o, nil
}

// Process reads path and runs it through the pipeline. Parse failures return
// a *parse.ParseError alongside a result in state ParseFailed. A rewrite
// whose output does not parse returns a *RewriteError and leaves the file
// untouched. Persistence failures return a *WriteError alongside the
// complete in-memory result.
func (o *Orchestrator) Process(ctx context.Context, path string, mode Mode) (*TransformResult, error) {
	src, err := o.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return o.ProcessSource(ctx, path, src, mode)
}

// ProcessSource runs src through the pipeline as if it were the content of
// path. In apply mode a changed result is written to path.
func (o *Orchestrator) ProcessSource(ctx context.Context, path string, src []byte, mode Mode) (*TransformResult, error) {
	res := &TransformResult{Path: path, Mode: mode, State: Unprocessed, Source: src}

	unit, err := o.parse(ctx, path, src)
	if err != nil {
		o.advance(res, ParseFailed)
		return res, err
	}
	o.advance(res, Parsed)

	records := o.matcher.Match(unit)
	unit.Close()
	res.Matches = len(records)
	o.advance(res, Matched)

	res.Verdicts = o.classify(ctx, records)
	o.advance(res, Classified)

	var candidates []matcher.Record
	for _, r := range records {
		entry, ok := o.cat.Get(r.Feature)
		if !ok || entry.Rule == nil {
			continue
		}
		if !o.policy.Actionable(res.Verdicts[r.Feature]) {
			continue
		}
		candidates = append(candidates, r)
	}

	kept, dropped := rewrite.Resolve(candidates)
	res.Dropped = dropped
	o.logDropped(path, dropped)

	res.Transformations = make([]rewrite.Transformation, 0, len(kept))
	for _, r := range kept {
		entry, _ := o.cat.Get(r.Feature)
		res.Transformations = append(res.Transformations, rewrite.Apply(r, *entry.Rule))
	}
	o.advance(res, Rewritten)

	final, err := rewrite.Splice(src, res.Transformations)
	if err != nil {
		return res, fmt.Errorf("serializing %s: %w", path, err)
	}
	if len(res.Transformations) > 0 {
		if err := o.verify(ctx, path, final); err != nil {
			return o.reject(res, err), &RewriteError{Path: path, Transformations: res.Transformations, Err: err}
		}
	}
	res.FinalSource = final
	res.HasChanges = !bytes.Equal(src, final)
	o.advance(res, Serialized)

	if mode == Apply && res.HasChanges {
		if err := o.writeFile(path, final); err != nil {
			o.logger.Warn("Failed to persist rewritten file", zap.String("path", path), zap.Error(err))
			return res, &WriteError{Path: path, Err: err}
		}
		res.Persisted = true
		o.advance(res, Persisted)
	} else {
		o.advance(res, Reported)
	}

	o.logger.Debug("File processed",
		zap.String("path", path),
		zap.Stringer("mode", mode),
		zap.Stringer("state", res.State),
		zap.Int("matches", res.Matches),
		zap.Int("transformations", len(res.Transformations)),
		zap.Int("dropped", len(res.Dropped)))
	return res, nil
}

// verify re-parses rewritten source with the original dialect.
func (o *Orchestrator) verify(ctx context.Context, path string, final []byte) error {
	unit, err := o.parser.Parse(ctx, path, final)
	if err != nil {
		return err
	}
	unit.Close()
	return nil
}

// reject leaves res describing the untouched original.
func (o *Orchestrator) reject(res *TransformResult, err error) *TransformResult {
	o.logger.Warn("Rewritten source does not parse; keeping the original",
		zap.String("path", res.Path),
		zap.Int("transformations", len(res.Transformations)),
		zap.Error(err))
	res.Transformations = nil
	res.FinalSource = append([]byte(nil), res.Source...)
	res.HasChanges = false
	o.advance(res, Rejected)
	return res
}

func (o *Orchestrator) advance(res *TransformResult, s State) {
	res.State = s
	o.logger.Debug("File state", zap.String("path", res.Path), zap.Stringer("state", s))
}

// Analyze reports every occurrence whose verdict is actionable under the
// policy, rule or no rule. The file is never modified.
func (o *Orchestrator) Analyze(ctx context.Context, path string) (*AnalysisResult, error) {
	src, err := o.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return o.AnalyzeSource(ctx, path, src)
}

// AnalyzeSource is Analyze over in-memory content.
func (o *Orchestrator) AnalyzeSource(ctx context.Context, path string, src []byte) (*AnalysisResult, error) {
	records, err := o.parseAndMatch(ctx, path, src)
	if err != nil {
		return nil, err
	}
	verdicts := o.classify(ctx, records)

	res := &AnalysisResult{Path: path}
	for _, r := range records {
		v := verdicts[r.Feature]
		if !o.policy.Actionable(v) {
			continue
		}
		res.Issues = append(res.Issues, UnsafeFeature{
			Feature: r.Feature,
			Line:    r.Line,
			Column:  r.Column,
			Text:    r.Text,
			Safety:  o.policy.Effective(v),
			Reason:  o.reason(r.Feature, v),
		})
	}
	return res, nil
}

func (o *Orchestrator) parse(ctx context.Context, path string, src []byte) (*parse.Unit, error) {
	unit, err := o.parser.Parse(ctx, path, src)
	if err != nil {
		o.logger.Warn("Skipping file that failed to parse", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return unit, nil
}

func (o *Orchestrator) parseAndMatch(ctx context.Context, path string, src []byte) ([]matcher.Record, error) {
	unit, err := o.parse(ctx, path, src)
	if err != nil {
		return nil, err
	}
	defer unit.Close()
	return o.matcher.Match(unit), nil
}

// classify resolves each distinct feature once, in order of first occurrence.
func (o *Orchestrator) classify(ctx context.Context, records []matcher.Record) map[catalogue.FeatureID]classifier.Verdict {
	verdicts := make(map[catalogue.FeatureID]classifier.Verdict)
	for _, r := range records {
		if _, ok := verdicts[r.Feature]; ok {
			continue
		}
		verdicts[r.Feature] = o.classifier.Classify(ctx, r.Feature)
	}
	return verdicts
}

func (o *Orchestrator) reason(id catalogue.FeatureID, v classifier.Verdict) string {
	if v.Recommendation != "" {
		return v.Recommendation
	}
	if entry, ok := o.cat.Get(id); ok {
		if entry.Recommendation != "" {
			return entry.Recommendation
		}
		if entry.Rule != nil {
			return entry.Rule.Explanation
		}
	}
	return ""
}

func (o *Orchestrator) logDropped(path string, dropped []rewrite.Dropped) {
	level := zap.DebugLevel
	if o.verbose {
		level = zap.InfoLevel
	}
	for _, d := range dropped {
		o.logger.Log(level, "Overlapping occurrence left unchanged this pass",
			zap.String("path", path),
			zap.String("feature", string(d.Feature)),
			zap.Int("start", d.Start),
			zap.Int("end", d.End),
			zap.Int("line", d.Line),
			zap.String("kept_feature", string(d.WinnerFeature)),
			zap.Int("kept_start", d.WinnerStart),
			zap.Int("kept_end", d.WinnerEnd))
	}
}
