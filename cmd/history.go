// File: cmd/history.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/config"
	"github.com/lokashrinav/guardian-toolkit/internal/observability"
	"github.com/lokashrinav/guardian-toolkit/internal/store"
)

// historyStore is the subset of *store.Store the CLI uses.
type historyStore interface {
	EnsureSchema(ctx context.Context) error
	RecordRun(ctx context.Context, run store.Run, issues []store.Issue) (uuid.UUID, error)
	IssuesByRunID(ctx context.Context, runID uuid.UUID) ([]store.Issue, error)
}

// storeProvider creates the run history store. Tests inject a fake.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing it.
	Create(ctx context.Context, cfg *config.Config) (historyStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the provider backed by PostgreSQL.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg *config.Config) (historyStore, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (GUARDIAN_DATABASE_URL)")
	}
	logger := observability.GetLogger()
	s, pool, err := store.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return s, cleanup, nil
}

func newHistoryCmd(provider storeProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "history <run-id>",
		Short: "Show the issues recorded for a previous run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			return runHistory(ctx, cmd.OutOrStdout(), observability.GetLogger(), cfg, runID, provider)
		},
	}
}

func runHistory(ctx context.Context, out io.Writer, logger *zap.Logger, cfg *config.Config, runID uuid.UUID, provider storeProvider) error {
	s, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	issues, err := s.IssuesByRunID(ctx, runID)
	if err != nil {
		return err
	}
	logger.Debug("Loaded run history", zap.Stringer("run_id", runID), zap.Int("issues", len(issues)))

	for _, is := range issues {
		state := "reported"
		if is.Applied {
			state = "rewritten"
		}
		fmt.Fprintf(out, "%s:%d:%d: %s %s (%s)\n", is.Path, is.Line, is.Column, is.Safety, is.Feature, state)
	}
	fmt.Fprintf(out, "%d issue(s) recorded for run %s\n", len(issues), runID)
	return nil
}
