package classifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
)

// Source retrieves a verdict from wherever the classification data lives.
type Source interface {
	Lookup(ctx context.Context, id catalogue.FeatureID) (Verdict, error)
}

const (
	// DefaultTTL is how long a verdict stays cached.
	DefaultTTL = 5 * time.Minute
	// DefaultTimeout bounds a single source lookup.
	DefaultTimeout = 4 * time.Second
)

type cacheEntry struct {
	verdict Verdict
	expires time.Time
}

// Stats are cumulative gateway counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Lookups  int64
	Failures int64
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) GatewayOption {
	return func(g *Gateway) { g.ttl = ttl }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// WithClock injects the time source used for expiry.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// Gateway caches verdicts by feature with a fixed TTL and collapses
// concurrent lookups of the same feature into a single source call. Entries
// are only ever replaced after they expire.
//
// A failed lookup yields a degraded Unknown verdict which is cached like any
// other, so the failure is logged once per feature per TTL window.
type Gateway struct {
	source  Source
	logger  *zap.Logger
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	entries map[catalogue.FeatureID]cacheEntry
	group   singleflight.Group

	hits, misses, lookups, failures atomic.Int64
}

// NewGateway creates a gateway over source.
func NewGateway(source Source, logger *zap.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		source:  source,
		logger:  logger.Named("classifier"),
		ttl:     DefaultTTL,
		timeout: DefaultTimeout,
		now:     time.Now,
		entries: make(map[catalogue.FeatureID]cacheEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Classify returns the verdict for id. It never fails: source errors degrade
// to Unknown. If ctx ends while waiting on an in-flight lookup, Classify
// returns a degraded verdict without caching it; the lookup itself continues
// for the other waiters.
func (g *Gateway) Classify(ctx context.Context, id catalogue.FeatureID) Verdict {
	if v, ok := g.cached(id); ok {
		g.hits.Add(1)
		return v
	}
	g.misses.Add(1)

	ch := g.group.DoChan(string(id), func() (any, error) {
		if v, ok := g.cached(id); ok {
			return v, nil
		}
		return g.fetch(context.WithoutCancel(ctx), id), nil
	})

	select {
	case res := <-ch:
		return res.Val.(Verdict)
	case <-ctx.Done():
		return degraded(id)
	}
}

func (g *Gateway) cached(id catalogue.FeatureID) (Verdict, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[id]
	if !ok || !g.now().Before(e.expires) {
		return Verdict{}, false
	}
	return e.verdict, true
}

func (g *Gateway) fetch(ctx context.Context, id catalogue.FeatureID) Verdict {
	g.lookups.Add(1)
	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	v, err := g.source.Lookup(lookupCtx, id)
	if err != nil {
		g.failures.Add(1)
		g.logger.Warn("Classifier unavailable; treating feature as unknown",
			zap.String("feature", string(id)),
			zap.Duration("retry_after", g.ttl),
			zap.Error(err))
		v = degraded(id)
	}
	v.Feature = id

	g.mu.Lock()
	g.entries[id] = cacheEntry{verdict: v, expires: g.now().Add(g.ttl)}
	g.mu.Unlock()
	return v
}

// Stats returns a snapshot of the gateway counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Hits:     g.hits.Load(),
		Misses:   g.misses.Load(),
		Lookups:  g.lookups.Load(),
		Failures: g.failures.Load(),
	}
}
