// File: cmd/engine.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/classifier"
	"github.com/lokashrinav/guardian-toolkit/internal/config"
	"github.com/lokashrinav/guardian-toolkit/internal/discovery"
	"github.com/lokashrinav/guardian-toolkit/internal/network"
	"github.com/lokashrinav/guardian-toolkit/internal/orchestrator"
	"github.com/lokashrinav/guardian-toolkit/internal/store"
)

// engine bundles the components one run needs.
type engine struct {
	cat          *catalogue.Catalogue
	gateway      *classifier.Gateway
	policy       classifier.Policy
	orchestrator *orchestrator.Orchestrator
}

// newEngine loads the catalogue and wires the classifier and orchestrator.
// A malformed catalogue or classifier URL is fatal.
func newEngine(cfg *config.Config, logger *zap.Logger, verbose bool) (*engine, error) {
	cat, err := catalogue.Load(cfg.Catalogue.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load feature catalogue: %w", err)
	}

	source, err := newSource(cfg, cat, logger)
	if err != nil {
		return nil, err
	}
	gateway := classifier.NewGateway(source, logger,
		classifier.WithTTL(cfg.Classifier.CacheTTL),
		classifier.WithTimeout(cfg.Classifier.Timeout))
	policy := classifier.Policy{FailClosed: cfg.Classifier.FailClosed}

	orch, err := orchestrator.New(orchestrator.Options{
		Catalogue:   cat,
		Classifier:  gateway,
		Policy:      policy,
		Logger:      logger,
		Concurrency: cfg.Engine.Concurrency,
		Verbose:     verbose,
	})
	if err != nil {
		return nil, err
	}
	return &engine{cat: cat, gateway: gateway, policy: policy, orchestrator: orch}, nil
}

// newSource returns the HTTP classifier when an API URL is configured and the
// catalogue defaults otherwise.
func newSource(cfg *config.Config, cat *catalogue.Catalogue, logger *zap.Logger) (classifier.Source, error) {
	if cfg.Classifier.APIURL == "" {
		return classifier.NewStaticSource(cat, cfg.Classifier.Overrides), nil
	}
	if len(cfg.Classifier.Overrides) > 0 {
		logger.Warn("classifier.overrides is ignored when classifier.api_url is set")
	}

	clientCfg := network.NewDefaultClientConfig()
	clientCfg.RequestTimeout = cfg.Classifier.Timeout
	clientCfg.UserAgent = "guardian/" + Version
	clientCfg.Logger = logger
	src, err := classifier.NewHTTPSource(cfg.Classifier.APIURL, logger,
		classifier.WithClient(network.NewClient(clientCfg)),
		classifier.WithRateLimit(cfg.Classifier.RateLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to configure classifier: %w", err)
	}
	logger.Debug("Using remote classifier", zap.String("url", cfg.Classifier.APIURL))
	return src, nil
}

// discover expands pattern. Failing to open the target is fatal.
func discover(pattern string, logger *zap.Logger) ([]string, error) {
	paths, err := discovery.Expand(pattern, discovery.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		logger.Warn("No supported files matched", zap.String("pattern", pattern))
	}
	return paths, nil
}

// withBatchTimeout bounds ctx by engine.batch_timeout when one is set.
func withBatchTimeout(ctx context.Context, cfg *config.Config) (context.Context, context.CancelFunc) {
	if cfg.Engine.BatchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Engine.BatchTimeout)
}

// recordRun saves the run when a database is configured. History is best
// effort: failures are logged and the run still succeeds.
func recordRun(ctx context.Context, provider storeProvider, cfg *config.Config, logger *zap.Logger, run store.Run, issues []store.Issue) {
	if cfg.Database.URL == "" {
		return
	}
	s, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		logger.Warn("Run history unavailable", zap.Error(err))
		return
	}
	defer cleanup()

	if err := s.EnsureSchema(ctx); err != nil {
		logger.Warn("Run history unavailable", zap.Error(err))
		return
	}
	id, err := s.RecordRun(ctx, run, issues)
	if err != nil {
		logger.Warn("Failed to record run", zap.Error(err))
		return
	}
	logger.Info("Recorded run", zap.Stringer("run_id", id))
}

func newRun(command, mode, pattern string, started time.Time) store.Run {
	return store.Run{Command: command, Mode: mode, Pattern: pattern, StartedAt: started, FinishedAt: time.Now()}
}
