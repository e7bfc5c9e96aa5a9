package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/classifier"
	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS guardian_runs (
    id            UUID PRIMARY KEY,
    command       TEXT NOT NULL,
    mode          TEXT NOT NULL,
    pattern       TEXT NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    finished_at   TIMESTAMPTZ NOT NULL,
    total_files   INTEGER NOT NULL,
    files_changed INTEGER NOT NULL,
    parse_errors  INTEGER NOT NULL,
    write_errors  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS guardian_issues (
    run_id  UUID NOT NULL REFERENCES guardian_runs (id) ON DELETE CASCADE,
    path    TEXT NOT NULL,
    feature TEXT NOT NULL,
    line    INTEGER NOT NULL,
    col     INTEGER NOT NULL,
    safety  TEXT NOT NULL,
    reason  TEXT NOT NULL,
    applied BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS guardian_issues_run_id_idx ON guardian_issues (run_id);
`

const sqlInsertRun = `
        INSERT INTO guardian_runs (id, command, mode, pattern, started_at, finished_at, total_files, files_changed, parse_errors, write_errors)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
    `

var issueColumns = []string{"run_id", "path", "feature", "line", "col", "safety", "reason", "applied"}

// Run is one invocation of analyze or transform.
type Run struct {
	ID           uuid.UUID
	Command      string
	Mode         string
	Pattern      string
	StartedAt    time.Time
	FinishedAt   time.Time
	TotalFiles   int
	FilesChanged int
	ParseErrors  int
	WriteErrors  int
}

// Issue is one occurrence recorded against a run. Applied is true for
// occurrences a transform run rewrote.
type Issue struct {
	Path    string
	Feature string
	Line    int
	Column  int
	Safety  string
	Reason  string
	Applied bool
}

// Store persists run history to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Open connects a pool to url and wraps it in a Store. The caller closes
// the returned pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the history tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordRun inserts run and its issues in one transaction. A zero run.ID is
// replaced with a fresh v4 UUID, which is returned.
func (s *Store) RecordRun(ctx context.Context, run Run, issues []Issue) (uuid.UUID, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit reports ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertRun,
		run.ID, run.Command, run.Mode, run.Pattern,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.TotalFiles, run.FilesChanged, run.ParseErrors, run.WriteErrors,
	); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert run: %w", err)
	}

	if len(issues) > 0 {
		if err := s.copyIssues(ctx, tx, run.ID, issues); err != nil {
			return uuid.Nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Recorded run", zap.Stringer("run_id", run.ID), zap.Int("issues", len(issues)))
	return run.ID, nil
}

func (s *Store) copyIssues(ctx context.Context, tx pgx.Tx, runID uuid.UUID, issues []Issue) error {
	rows := make([][]interface{}, len(issues))
	for i, is := range issues {
		rows[i] = []interface{}{runID, is.Path, is.Feature, is.Line, is.Column, is.Safety, is.Reason, is.Applied}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"guardian_issues"}, issueColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy issues: %w", err)
	}
	if int(copyCount) != len(issues) {
		return fmt.Errorf("mismatch in copied issues count: expected %d, got %d", len(issues), copyCount)
	}
	return nil
}

// IssuesByRunID returns a run's issues ordered by path and position.
func (s *Store) IssuesByRunID(ctx context.Context, runID uuid.UUID) ([]Issue, error) {
	query := `
        SELECT path, feature, line, col, safety, reason, applied
        FROM guardian_issues
        WHERE run_id = $1
        ORDER BY path, line, col;
    `
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var is Issue
		if err := rows.Scan(&is.Path, &is.Feature, &is.Line, &is.Column, &is.Safety, &is.Reason, &is.Applied); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		issues = append(issues, is)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return issues, nil
}

// AnalysisIssues flattens an analyze batch into issues.
func AnalysisIssues(batch *orchestrator.AnalysisBatch) []Issue {
	var issues []Issue
	for _, res := range batch.Results {
		if res == nil {
			continue
		}
		for _, f := range res.Issues {
			issues = append(issues, Issue{
				Path:    res.Path,
				Feature: string(f.Feature),
				Line:    f.Line,
				Column:  f.Column,
				Safety:  string(f.Safety),
				Reason:  f.Reason,
			})
		}
	}
	return issues
}

// TransformIssues flattens a transform batch into issues. Applied is set
// only when the rewritten file was persisted.
func TransformIssues(batch *orchestrator.BatchResult, policy classifier.Policy) []Issue {
	var issues []Issue
	for _, res := range batch.Results {
		if res == nil {
			continue
		}
		for _, t := range res.Transformations {
			issues = append(issues, Issue{
				Path:    res.Path,
				Feature: string(t.Feature),
				Line:    t.Line,
				Column:  t.Column,
				Safety:  string(policy.Effective(res.Verdicts[t.Feature])),
				Reason:  t.Explanation,
				Applied: res.Persisted,
			})
		}
	}
	return issues
}
