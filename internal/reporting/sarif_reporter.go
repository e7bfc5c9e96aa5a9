// internal/reporting/sarif_reporter.go
package reporting

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/classifier"
	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
	"github.com/lokashrinav/guardian-toolkit/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "Guardian Toolkit"
	ToolInfoURI  = "https://github.com/lokashrinav/guardian-toolkit"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
)

// SARIFReporter implements Reporter for SARIF 2.1.0. Each feature becomes one
// rule; each issue one result. It is safe for concurrent use.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects log and rules.
	mu    sync.Mutex
	rules map[catalogue.FeatureID]bool
}

// NewSARIFReporter creates a reporter that writes SARIF output on Close.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string, logger *zap.Logger) *SARIFReporter {
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						Rules:          []*sarif.ReportingDescriptor{},
					},
				},
				// Empty, not nil, so an issue-free run encodes as [].
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer: writer,
		logger: logger.Named("sarif_reporter"),
		log:    log,
		rules:  make(map[catalogue.FeatureID]bool),
	}
}

// Write converts each issue of result into a SARIF result.
func (r *SARIFReporter) Write(result *orchestrator.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	uri := filepath.ToSlash(result.Path)
	for _, issue := range result.Issues {
		r.ensureRule(issue)

		text := fmt.Sprintf("%s is %s", issue.Feature, issue.Safety)
		if issue.Reason != "" {
			text += ": " + issue.Reason
		}
		run.Results = append(run.Results, &sarif.Result{
			RuleID:  string(issue.Feature),
			Message: &sarif.Message{Text: pString(text)},
			Level:   levelFor(issue.Safety),
			Locations: []*sarif.Location{{
				PhysicalLocation: &sarif.PhysicalLocation{
					ArtifactLocation: &sarif.ArtifactLocation{URI: pString(uri)},
					Region: &sarif.Region{
						StartLine:   issue.Line,
						StartColumn: issue.Column,
						Snippet:     &sarif.Message{Text: pString(issue.Text)},
					},
				},
			}},
		})
	}

	if len(result.Issues) > 0 {
		r.logger.Debug("Wrote issues to SARIF buffer",
			zap.String("path", result.Path),
			zap.Int("issues", len(result.Issues)))
	}
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)))

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(r.log)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}

	r.logger.Debug("Wrote SARIF report", zap.Duration("duration", time.Since(startTime)))
	return nil
}

// ensureRule registers the rule for issue's feature on first sight.
// Must be called while holding the mutex.
func (r *SARIFReporter) ensureRule(issue orchestrator.UnsafeFeature) {
	if r.rules[issue.Feature] {
		return
	}
	r.rules[issue.Feature] = true

	id := string(issue.Feature)
	short := fmt.Sprintf("Use of %s, which is not yet safe across target browsers", id)
	rule := &sarif.ReportingDescriptor{
		ID:                   id,
		Name:                 pString(id),
		ShortDescription:     &sarif.MultiformatMessageString{Text: pString(short)},
		DefaultConfiguration: &sarif.ReportingConfiguration{Level: levelFor(issue.Safety)},
		Properties: &sarif.PropertyBag{
			"tags":   []string{"compatibility", "guardian"},
			"safety": string(issue.Safety),
		},
	}
	if issue.Reason != "" {
		rule.Help = &sarif.MultiformatMessageString{
			Text:     pString(issue.Reason),
			Markdown: pString(fmt.Sprintf("**Feature:** `%s`\n\n**Recommendation:**\n%s", id, issue.Reason)),
		}
	}
	r.log.Runs[0].Tool.Driver.Rules = append(r.log.Runs[0].Tool.Driver.Rules, rule)
}

func levelFor(s classifier.Safety) sarif.Level {
	switch s {
	case classifier.Unsafe, classifier.Unknown:
		return sarif.LevelError
	case classifier.Caution:
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

func pString(s string) *string {
	return &s
}
