// Package classifier resolves the safety tier of a feature. Verdicts come
// from a Source (a remote baseline service or the offline catalogue table)
// and are cached per feature by a Gateway.
package classifier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
)

// Safety is a feature's cross-browser readiness tier.
type Safety string

const (
	Safe    Safety = "safe"
	Caution Safety = "caution"
	Unsafe  Safety = "unsafe"
	Unknown Safety = "unknown"
)

// ParseSafety normalizes s; anything unrecognized is Unknown.
func ParseSafety(s string) Safety {
	switch Safety(strings.ToLower(strings.TrimSpace(s))) {
	case Safe:
		return Safe
	case Caution:
		return Caution
	case Unsafe:
		return Unsafe
	default:
		return Unknown
	}
}

// Verdict is the classification of one feature.
type Verdict struct {
	Feature        catalogue.FeatureID
	Found          bool
	Safety         Safety
	Recommendation string
	BrowserSupport map[string]string
	// Degraded marks a synthesized verdict produced because the source failed.
	Degraded bool
}

// ErrUnavailable wraps source failures (timeouts, transport and decode errors).
var ErrUnavailable = errors.New("classifier unavailable")

func unavailable(id catalogue.FeatureID, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, id, err)
}

func degraded(id catalogue.FeatureID) Verdict {
	return Verdict{Feature: id, Found: false, Safety: Unknown, Degraded: true}
}

// Policy decides which verdicts gate a feature into rewriting and reporting.
//
// The default is fail-open: Unknown is treated like Safe, so an unreachable
// classifier never produces findings. FailClosed treats Unknown like Unsafe.
type Policy struct {
	FailClosed bool
}

// Actionable reports whether v should be rewritten or reported.
func (p Policy) Actionable(v Verdict) bool {
	switch v.Safety {
	case Caution, Unsafe:
		return true
	case Unknown:
		return p.FailClosed
	default:
		return false
	}
}

// Effective returns the tier used for statistics: Unknown counts as Unsafe
// under a fail-closed policy.
func (p Policy) Effective(v Verdict) Safety {
	if v.Safety == Unknown && p.FailClosed {
		return Unsafe
	}
	return v.Safety
}
