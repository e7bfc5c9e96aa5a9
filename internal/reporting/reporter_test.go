// internal/reporting/reporter_test.go
package reporting_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lokashrinav/guardian-toolkit/internal/classifier"
	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
	"github.com/lokashrinav/guardian-toolkit/internal/reporting"
	"github.com/lokashrinav/guardian-toolkit/internal/reporting/sarif"
)

const testToolVersion = "v1.0.0-test"

// mockWriteCloser captures output and can simulate I/O errors.
type mockWriteCloser struct {
	bytes.Buffer
	failWrite bool
	closed    bool
}

func (m *mockWriteCloser) Write(p []byte) (int, error) {
	if m.failWrite {
		return 0, errors.New("simulated write error")
	}
	return m.Buffer.Write(p)
}

func (m *mockWriteCloser) Close() error {
	m.closed = true
	return nil
}

// twoIssues is the analyze result for a file with one replaceAll and one
// Promise.allSettled call.
func twoIssues(path string) *orchestrator.AnalysisResult {
	return &orchestrator.AnalysisResult{
		Path: path,
		Issues: []orchestrator.UnsafeFeature{
			{Feature: "string-replaceall", Line: 1, Column: 20, Text: `text.replaceAll("foo", "bar")`, Safety: classifier.Unsafe, Reason: "Use replace with a global RegExp"},
			{Feature: "promise-allsettled", Line: 2, Column: 1, Text: "Promise.allSettled(jobs)", Safety: classifier.Caution},
		},
	}
}

// -- Factory --

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	for _, format := range []string{"json", "sarif", "text"} {
		t.Run(format+" to stdout", func(t *testing.T) {
			r, err := reporting.New(format, "stdout", testToolVersion, logger)
			require.NoError(t, err)
			require.NotNil(t, r)
		})
	}

	t.Run("unsupported format", func(t *testing.T) {
		r, err := reporting.New("xml", "", testToolVersion, logger)
		assert.Nil(t, r)
		assert.EqualError(t, err, "unsupported output format: xml")
	})

	t.Run("nil logger", func(t *testing.T) {
		r, err := reporting.New("json", "", testToolVersion, nil)
		assert.Nil(t, r)
		assert.ErrorContains(t, err, "logger cannot be nil")
	})
}

func TestNew_FileAppearsOnlyOnClose(t *testing.T) {
	out := filepath.Join(t.TempDir(), "guardian-report.json")
	r, err := reporting.New("json", out, testToolVersion, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, r.Write(twoIssues("src/app.js")))
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err), "report must not exist before Close")

	require.NoError(t, r.Close())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"totalIssues": 2`)

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

// -- JSON --

func TestJSONReporter_Summary(t *testing.T) {
	w := &mockWriteCloser{}
	r := reporting.NewJSONReporter(w, zaptest.NewLogger(t))

	require.NoError(t, r.Write(twoIssues("src/app.js")))
	require.NoError(t, r.Write(&orchestrator.AnalysisResult{Path: "src/clean.js"}))
	require.NoError(t, r.Close())
	assert.True(t, w.closed)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Bytes(), &got))
	assert.Equal(t, map[string]interface{}{
		"totalFiles":      2.0,
		"filesWithIssues": 1.0,
		"totalIssues":     2.0,
		"issuesByFeature": map[string]interface{}{"string-replaceall": 1.0, "promise-allsettled": 1.0},
		"issuesBySafety":  map[string]interface{}{"unsafe": 1.0, "caution": 1.0},
	}, got)
}

func TestJSONReporter_EmptyRun(t *testing.T) {
	w := &mockWriteCloser{}
	r := reporting.NewJSONReporter(w, zaptest.NewLogger(t))
	require.NoError(t, r.Close())

	assert.JSONEq(t, `{"totalFiles":0,"filesWithIssues":0,"totalIssues":0,"issuesByFeature":{},"issuesBySafety":{"unsafe":0,"caution":0}}`, w.String())
}

func TestJSONReporter_WriteFailure(t *testing.T) {
	w := &mockWriteCloser{failWrite: true}
	r := reporting.NewJSONReporter(w, zaptest.NewLogger(t))
	err := r.Close()
	assert.ErrorContains(t, err, "failed to write report")
	assert.True(t, w.closed)
}

func TestSummary_UnknownCountsAsUnsafe(t *testing.T) {
	s := reporting.NewSummary()
	s.Add(&orchestrator.AnalysisResult{Issues: []orchestrator.UnsafeFeature{{Feature: "container-queries", Safety: classifier.Unknown}}})
	assert.Equal(t, reporting.SafetyCounts{Unsafe: 1}, s.IssuesBySafety)
}

func TestWriteBatch_CountsEveryInput(t *testing.T) {
	w := &mockWriteCloser{}
	r := reporting.NewJSONReporter(w, zaptest.NewLogger(t))
	paths := []string{"a.js", "broken.js", "c.js"}
	batch := &orchestrator.AnalysisBatch{
		Results: []*orchestrator.AnalysisResult{twoIssues("a.js"), nil, {Path: "c.js"}},
	}

	require.NoError(t, reporting.WriteBatch(r, paths, batch))
	s := r.Summary()
	assert.Equal(t, 3, s.TotalFiles)
	assert.Equal(t, 1, s.FilesWithIssues)
	assert.Equal(t, 2, s.TotalIssues)
}

// -- Text --

func TestTextReporter(t *testing.T) {
	w := &mockWriteCloser{}
	r := reporting.NewTextReporter(w)
	require.NoError(t, r.Write(twoIssues("src/app.js")))
	require.NoError(t, r.Close())

	lines := strings.Split(strings.TrimSpace(w.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "src/app.js:1:20: unsafe string-replaceall: Use replace with a global RegExp", lines[0])
	assert.Equal(t, "src/app.js:2:1: caution promise-allsettled", lines[1])
	assert.Equal(t, "2 issue(s) in 1 of 1 file(s): 1 unsafe, 1 caution", lines[2])
	assert.True(t, w.closed)
}

// -- SARIF --

func TestSARIFReporter_Empty(t *testing.T) {
	w := &mockWriteCloser{}
	r := reporting.NewSARIFReporter(w, testToolVersion, zaptest.NewLogger(t))
	require.NoError(t, r.Close())

	var log sarif.Log
	require.NoError(t, json.Unmarshal(w.Bytes(), &log))
	assert.Equal(t, reporting.SARIFVersion, log.Version)
	require.Len(t, log.Runs, 1)
	assert.Equal(t, reporting.ToolName, log.Runs[0].Tool.Driver.Name)
	assert.Equal(t, testToolVersion, *log.Runs[0].Tool.Driver.Version)
	assert.NotNil(t, log.Runs[0].Results)
	assert.Empty(t, log.Runs[0].Results)
}

func TestSARIFReporter_OneRulePerFeature(t *testing.T) {
	w := &mockWriteCloser{}
	r := reporting.NewSARIFReporter(w, testToolVersion, zaptest.NewLogger(t))
	require.NoError(t, r.Write(twoIssues("src/app.js")))
	require.NoError(t, r.Write(twoIssues(filepath.Join("src", "lib", "util.js"))))
	require.NoError(t, r.Close())

	var log sarif.Log
	require.NoError(t, json.Unmarshal(w.Bytes(), &log))
	run := log.Runs[0]

	require.Len(t, run.Tool.Driver.Rules, 2)
	assert.Equal(t, "string-replaceall", run.Tool.Driver.Rules[0].ID)
	assert.Equal(t, sarif.LevelError, run.Tool.Driver.Rules[0].DefaultConfiguration.Level)
	require.NotNil(t, run.Tool.Driver.Rules[0].Help)
	assert.Equal(t, "Use replace with a global RegExp", *run.Tool.Driver.Rules[0].Help.Text)
	assert.Nil(t, run.Tool.Driver.Rules[1].Help, "no recommendation, no help")

	require.Len(t, run.Results, 4)
	first := run.Results[0]
	assert.Equal(t, "string-replaceall", first.RuleID)
	assert.Equal(t, sarif.LevelError, first.Level)
	assert.Equal(t, "string-replaceall is unsafe: Use replace with a global RegExp", *first.Message.Text)
	loc := first.Locations[0].PhysicalLocation
	assert.Equal(t, "src/app.js", *loc.ArtifactLocation.URI)
	assert.Equal(t, 1, loc.Region.StartLine)
	assert.Equal(t, 20, loc.Region.StartColumn)

	assert.Equal(t, sarif.LevelWarning, run.Results[1].Level)
	assert.Equal(t, "src/lib/util.js", *run.Results[3].Locations[0].PhysicalLocation.ArtifactLocation.URI)
}

func TestSARIFReporter_EncodeFailure(t *testing.T) {
	w := &mockWriteCloser{failWrite: true}
	r := reporting.NewSARIFReporter(w, testToolVersion, zaptest.NewLogger(t))
	assert.ErrorContains(t, r.Close(), "failed to encode SARIF output")
	assert.True(t, w.closed)
}

// -- Diff --

func TestUnifiedDiff(t *testing.T) {
	before := []byte("const a = 1;\nconst clean = text.replaceAll(\"foo\", \"bar\");\n")
	after := []byte("const a = 1;\nconst clean = text.replace(new RegExp(\"foo\", \"g\"), \"bar\");\n")

	diff, err := reporting.UnifiedDiff("src/app.js", before, after)
	require.NoError(t, err)
	assert.Equal(t, `--- a/src/app.js
+++ b/src/app.js
@@ -1,2 +1,2 @@
 const a = 1;
-const clean = text.replaceAll("foo", "bar");
+const clean = text.replace(new RegExp("foo", "g"), "bar");
`, diff)

	same, err := reporting.UnifiedDiff("src/app.js", before, before)
	require.NoError(t, err)
	assert.Empty(t, same)
}
