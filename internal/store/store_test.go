package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/classifier"
	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
	"github.com/lokashrinav/guardian-toolkit/internal/rewrite"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleRun() Run {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	return Run{
		ID:           uuid.MustParse("6f1c1c1e-8a4b-4c58-9d0f-0b8f6d2f4a10"),
		Command:      "analyze",
		Mode:         "dry-run",
		Pattern:      "src/**/*.js",
		StartedAt:    started,
		FinishedAt:   started.Add(2 * time.Second),
		TotalFiles:   3,
		FilesChanged: 0,
		ParseErrors:  1,
	}
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS guardian_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	issues := []Issue{
		{Path: "src/app.js", Feature: "string-replaceall", Line: 1, Column: 20, Safety: "unsafe", Reason: "Use replace with a global RegExp"},
		{Path: "src/app.js", Feature: "promise-allsettled", Line: 2, Column: 1, Safety: "caution"},
	}

	t.Run("should insert the run and copy its issues without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))
		run := sampleRun()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(run.ID, "analyze", "dry-run", "src/**/*.js",
				run.StartedAt.UTC(), run.FinishedAt.UTC(), 3, 0, 1, 0).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"guardian_issues"}, issueColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit()
		// The deferred rollback runs after commit.
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		id, err := s.RecordRun(ctx, run, issues)
		require.NoError(t, err)
		assert.Equal(t, run.ID, id)
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, observedLogs.Len(), "ErrTxClosed must not be logged")
	})

	t.Run("should assign a run ID when none is set", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		run := sampleRun()
		run.ID = uuid.Nil

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		id, err := s.RecordRun(ctx, run, nil)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)
		assert.Equal(t, uuid.Version(4), id.Version())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		_, err := s.RecordRun(ctx, sampleRun(), issues)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if copying issues fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		copyErr := errors.New("copy from failed")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"guardian_issues"}, issueColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		id, err := s.RecordRun(ctx, sampleRun(), issues)
		assert.ErrorIs(t, err, copyErr)
		assert.Equal(t, uuid.Nil, id)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail on a short copy", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"guardian_issues"}, issueColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		_, err := s.RecordRun(ctx, sampleRun(), issues)
		assert.ErrorContains(t, err, "mismatch in copied issues count: expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestIssuesByRunID(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	runID := uuid.New()

	sqlGetIssues := `
		SELECT path, feature, line, col, safety, reason, applied
		FROM guardian_issues
		WHERE run_id = $1
		ORDER BY path, line, col;
		`
	rows := pgxmock.NewRows([]string{"path", "feature", "line", "col", "safety", "reason", "applied"}).
		AddRow("src/app.js", "string-replaceall", 1, 20, "unsafe", "Use replace with a global RegExp", true)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetIssues)).
		WithArgs(runID).
		WillReturnRows(rows)

	issues, err := s.IssuesByRunID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, []Issue{{
		Path: "src/app.js", Feature: "string-replaceall", Line: 1, Column: 20,
		Safety: "unsafe", Reason: "Use replace with a global RegExp", Applied: true,
	}}, issues)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestIssueFlattening(t *testing.T) {
	t.Run("analysis", func(t *testing.T) {
		batch := &orchestrator.AnalysisBatch{Results: []*orchestrator.AnalysisResult{
			nil,
			{Path: "a.js", Issues: []orchestrator.UnsafeFeature{{Feature: "fetch", Line: 3, Column: 5, Safety: classifier.Caution, Reason: "r"}}},
		}}
		assert.Equal(t, []Issue{{Path: "a.js", Feature: "fetch", Line: 3, Column: 5, Safety: "caution", Reason: "r"}}, AnalysisIssues(batch))
	})

	t.Run("transform uses the effective tier", func(t *testing.T) {
		batch := &orchestrator.BatchResult{Results: []*orchestrator.TransformResult{{
			Path:      "a.js",
			Persisted: true,
			Verdicts: map[catalogue.FeatureID]classifier.Verdict{
				"string-replaceall": {Feature: "string-replaceall", Safety: classifier.Unknown},
			},
			Transformations: []rewrite.Transformation{{Feature: "string-replaceall", Line: 1, Column: 20, Explanation: "e"}},
		}}}

		got := TransformIssues(batch, classifier.Policy{FailClosed: true})
		assert.Equal(t, []Issue{{Path: "a.js", Feature: "string-replaceall", Line: 1, Column: 20, Safety: "unsafe", Reason: "e", Applied: true}}, got)
	})
}
