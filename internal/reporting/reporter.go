// File: internal/reporting/reporter.go
package reporting

import (
	"bytes"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/fsutil"
	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reporter writes analysis results to an output.
type Reporter interface {
	// Write records the result for one file.
	Write(result *orchestrator.AnalysisResult) error
	// Close finalizes the report and releases the output.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// atomicFile buffers the report and replaces path in one step on Close, so a
// failed run never leaves a truncated report behind.
type atomicFile struct {
	path string
	buf  bytes.Buffer
}

func (f *atomicFile) Write(p []byte) (int, error) { return f.buf.Write(p) }

func (f *atomicFile) Close() error {
	return fsutil.WriteFileAtomic(f.path, f.buf.Bytes(), 0o644)
}

// New creates a reporter for format ("json", "sarif" or "text") writing to
// outputPath, or to stdout when outputPath is empty or "stdout".
func New(format, outputPath, toolVersion string, logger *zap.Logger) (Reporter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		writer = &atomicFile{path: outputPath}
	}

	switch format {
	case "json":
		return NewJSONReporter(writer, logger), nil
	case "sarif":
		return NewSARIFReporter(writer, toolVersion, logger), nil
	case "text":
		return NewTextReporter(writer), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// WriteBatch writes one entry per input path. Files that failed or were
// skipped are written as results without issues, so they still count toward
// the total.
func WriteBatch(r Reporter, paths []string, batch *orchestrator.AnalysisBatch) error {
	for i, path := range paths {
		var res *orchestrator.AnalysisResult
		if i < len(batch.Results) {
			res = batch.Results[i]
		}
		if res == nil {
			res = &orchestrator.AnalysisResult{Path: path}
		}
		if err := r.Write(res); err != nil {
			return fmt.Errorf("writing report entry for %s: %w", path, err)
		}
	}
	return nil
}
