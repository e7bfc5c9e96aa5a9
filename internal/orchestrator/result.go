// File: internal/orchestrator/result.go
package orchestrator

import (
	"fmt"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/classifier"
	"github.com/lokashrinav/guardian-toolkit/internal/rewrite"
)

// Mode selects whether rewritten files are persisted.
type Mode int

const (
	DryRun Mode = iota
	Apply
)

func (m Mode) String() string {
	if m == Apply {
		return "apply"
	}
	return "dry-run"
}

// State is the furthest pipeline stage a file reached.
type State int

const (
	Unprocessed State = iota
	Parsed
	Matched
	Classified
	Rewritten
	Serialized
	Persisted
	Reported
	ParseFailed
	Rejected
)

var stateNames = [...]string{
	Unprocessed: "unprocessed",
	Parsed:      "parsed",
	Matched:     "matched",
	Classified:  "classified",
	Rewritten:   "rewritten",
	Serialized:  "serialized",
	Persisted:   "persisted",
	Reported:    "reported",
	ParseFailed: "parse_error",
	Rejected:    "rejected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Persisted || s == Reported || s == ParseFailed || s == Rejected
}

// TransformResult is the outcome of one file in transform mode.
type TransformResult struct {
	Path            string
	Mode            Mode
	State           State
	HasChanges      bool
	Matches         int
	Transformations []rewrite.Transformation
	Dropped         []rewrite.Dropped
	Verdicts        map[catalogue.FeatureID]classifier.Verdict
	Source          []byte
	FinalSource     []byte
	Persisted       bool
}

// UnsafeFeature is one finding in analyze mode.
type UnsafeFeature struct {
	Feature catalogue.FeatureID `json:"feature"`
	Line    int                 `json:"line"`
	Column  int                 `json:"column"`
	Text    string              `json:"text"`
	Safety  classifier.Safety   `json:"safety"`
	Reason  string              `json:"reason,omitempty"`
}

// AnalysisResult is the outcome of one file in analyze mode.
type AnalysisResult struct {
	Path   string
	Issues []UnsafeFeature
}

// FileError pairs a path with the per-file failure recorded for it.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e FileError) Unwrap() error { return e.Err }

// WriteError is returned when a rewritten file cannot be persisted. The
// in-memory result is still valid.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// RewriteError is returned when the rewritten source no longer parses. The
// file is left as it was and the result carries the original source.
type RewriteError struct {
	Path            string
	Transformations []rewrite.Transformation
	Err             error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite of %s rejected: %v", e.Path, e.Err)
}

func (e *RewriteError) Unwrap() error { return e.Err }

// Stats aggregates a transform batch.
type Stats struct {
	TotalFiles           int
	FilesChanged         int
	FilesPersisted       int
	TotalTransformations int
	ConflictsDropped     int
	ParseErrors          int
	WriteErrors          int
	RewriteErrors        int
	ReadErrors           int
	Skipped              int
	ByFeature            map[catalogue.FeatureID]int
	BySafety             map[classifier.Safety]int
}

// BatchResult holds per-file results in input order. Entries for files that
// were skipped or failed before parsing are nil.
type BatchResult struct {
	Mode          Mode
	Results       []*TransformResult
	ParseErrors   []FileError
	WriteErrors   []FileError
	RewriteErrors []FileError
	ReadErrors    []FileError
	Skipped       []string
	Stats         Stats
}

// AnalysisBatch holds per-file analysis results in input order.
type AnalysisBatch struct {
	Results     []*AnalysisResult
	ParseErrors []FileError
	ReadErrors  []FileError
	Skipped     []string
}
