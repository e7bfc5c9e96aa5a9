package classifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/network"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

type featureResponse struct {
	Found          bool              `json:"found"`
	Safety         string            `json:"safety"`
	Recommendation string            `json:"recommendation,omitempty"`
	BrowserSupport map[string]string `json:"browserSupport,omitempty"`
}

// HTTPSource queries a baseline service at GET {base}/api/features/{id}.
type HTTPSource struct {
	base    *url.URL
	client  *network.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithClient replaces the default network client.
func WithClient(c *network.Client) HTTPSourceOption {
	return func(s *HTTPSource) { s.client = c }
}

// WithRateLimit caps outbound requests per second. Zero or negative disables
// the limit.
func WithRateLimit(perSecond float64) HTTPSourceOption {
	return func(s *HTTPSource) {
		if perSecond <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewHTTPSource validates baseURL and returns a source for it.
func NewHTTPSource(baseURL string, logger *zap.Logger, opts ...HTTPSourceOption) (*HTTPSource, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid classifier url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid classifier url %q: scheme must be http or https", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &HTTPSource{
		base:    u,
		limiter: rate.NewLimiter(rate.Limit(20), 1),
		logger:  logger.Named("classifier_http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		cfg := network.NewDefaultClientConfig()
		cfg.Logger = s.logger
		s.client = network.NewClient(cfg)
	}
	return s, nil
}

// Lookup implements Source. A 404 is a definitive "not found" rather than a
// failure.
func (s *HTTPSource) Lookup(ctx context.Context, id catalogue.FeatureID) (Verdict, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Verdict{}, unavailable(id, err)
	}

	endpoint := s.base.JoinPath("api", "features", string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Verdict{}, unavailable(id, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Verdict{}, unavailable(id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Verdict{Feature: id, Found: false, Safety: Unknown}, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Verdict{}, unavailable(id, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body featureResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return Verdict{}, unavailable(id, fmt.Errorf("decoding response: %w", err))
	}

	s.logger.Debug("Classified feature",
		zap.String("feature", string(id)),
		zap.Bool("found", body.Found),
		zap.String("safety", body.Safety))

	return Verdict{
		Feature:        id,
		Found:          body.Found,
		Safety:         ParseSafety(body.Safety),
		Recommendation: body.Recommendation,
		BrowserSupport: body.BrowserSupport,
	}, nil
}
