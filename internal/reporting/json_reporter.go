// File: internal/reporting/json_reporter.go
package reporting

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/classifier"
	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
)

// Summary is the analyze report file.
type Summary struct {
	TotalFiles      int                         `json:"totalFiles"`
	FilesWithIssues int                         `json:"filesWithIssues"`
	TotalIssues     int                         `json:"totalIssues"`
	IssuesByFeature map[catalogue.FeatureID]int `json:"issuesByFeature"`
	IssuesBySafety  SafetyCounts                `json:"issuesBySafety"`
}

// SafetyCounts splits issues by effective tier. Unknown verdicts only become
// issues under a fail-closed policy, where they count as unsafe.
type SafetyCounts struct {
	Unsafe  int `json:"unsafe"`
	Caution int `json:"caution"`
}

// NewSummary returns an empty summary.
func NewSummary() *Summary {
	return &Summary{IssuesByFeature: make(map[catalogue.FeatureID]int)}
}

// Add folds one file's result into s.
func (s *Summary) Add(res *orchestrator.AnalysisResult) {
	s.TotalFiles++
	if len(res.Issues) == 0 {
		return
	}
	s.FilesWithIssues++
	for _, issue := range res.Issues {
		s.TotalIssues++
		s.IssuesByFeature[issue.Feature]++
		switch issue.Safety {
		case classifier.Caution:
			s.IssuesBySafety.Caution++
		case classifier.Unsafe, classifier.Unknown:
			s.IssuesBySafety.Unsafe++
		}
	}
}

// JSONReporter accumulates a Summary and writes it on Close.
type JSONReporter struct {
	writer  io.WriteCloser
	logger  *zap.Logger
	mu      sync.Mutex
	summary *Summary
}

func NewJSONReporter(writer io.WriteCloser, logger *zap.Logger) *JSONReporter {
	return &JSONReporter{
		writer:  writer,
		logger:  logger.Named("json_reporter"),
		summary: NewSummary(),
	}
}

func (r *JSONReporter) Write(result *orchestrator.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Add(result)
	return nil
}

// Close encodes the summary and closes the writer, which for file output is
// when the report appears on disk.
func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(r.summary, "", "  ")
	if err != nil {
		_ = r.writer.Close()
		return fmt.Errorf("failed to encode report: %w", err)
	}
	data = append(data, '\n')
	if _, err := r.writer.Write(data); err != nil {
		_ = r.writer.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := r.writer.Close(); err != nil {
		return fmt.Errorf("failed to close output writer: %w", err)
	}

	r.logger.Debug("Wrote analysis report",
		zap.Int("total_files", r.summary.TotalFiles),
		zap.Int("total_issues", r.summary.TotalIssues))
	return nil
}

// Summary returns the totals accumulated so far.
func (r *JSONReporter) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.summary
}
