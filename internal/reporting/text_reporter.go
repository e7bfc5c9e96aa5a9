// File: internal/reporting/text_reporter.go
package reporting

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
)

// TextReporter prints one line per issue in the compiler style
// "path:line:col: tier feature: reason", then a totals line on Close.
type TextReporter struct {
	writer  io.WriteCloser
	out     *bufio.Writer
	mu      sync.Mutex
	summary *Summary
}

func NewTextReporter(writer io.WriteCloser) *TextReporter {
	return &TextReporter{writer: writer, out: bufio.NewWriter(writer), summary: NewSummary()}
}

func (r *TextReporter) Write(result *orchestrator.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Add(result)
	for _, issue := range result.Issues {
		line := fmt.Sprintf("%s:%d:%d: %s %s", result.Path, issue.Line, issue.Column, issue.Safety, issue.Feature)
		if issue.Reason != "" {
			line += ": " + issue.Reason
		}
		if _, err := fmt.Fprintln(r.out, line); err != nil {
			return err
		}
	}
	return nil
}

func (r *TextReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.summary
	_, err := fmt.Fprintf(r.out, "%d issue(s) in %d of %d file(s): %d unsafe, %d caution\n",
		s.TotalIssues, s.FilesWithIssues, s.TotalFiles, s.IssuesBySafety.Unsafe, s.IssuesBySafety.Caution)
	if err == nil {
		err = r.out.Flush()
	}
	if closeErr := r.writer.Close(); err == nil {
		err = closeErr
	}
	return err
}
