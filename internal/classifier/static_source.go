package classifier

import (
	"context"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
)

// StaticSource answers from the catalogue's default tiers, optionally
// overridden per feature. It is used when no classifier service is configured.
type StaticSource struct {
	cat       *catalogue.Catalogue
	overrides map[catalogue.FeatureID]Safety
}

// NewStaticSource builds a source over cat. Override values are parsed with
// ParseSafety.
func NewStaticSource(cat *catalogue.Catalogue, overrides map[string]string) *StaticSource {
	s := &StaticSource{cat: cat, overrides: make(map[catalogue.FeatureID]Safety, len(overrides))}
	for id, tier := range overrides {
		s.overrides[catalogue.FeatureID(id)] = ParseSafety(tier)
	}
	return s
}

// Lookup implements Source.
func (s *StaticSource) Lookup(_ context.Context, id catalogue.FeatureID) (Verdict, error) {
	if tier, ok := s.overrides[id]; ok {
		return Verdict{Feature: id, Found: true, Safety: tier}, nil
	}
	e, ok := s.cat.Get(id)
	if !ok {
		return Verdict{Feature: id, Found: false, Safety: Unknown}, nil
	}
	return Verdict{
		Feature:        id,
		Found:          true,
		Safety:         ParseSafety(e.DefaultSafety),
		Recommendation: e.Recommendation,
	}, nil
}
