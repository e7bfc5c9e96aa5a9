// Package rewrite turns match records into text replacements and splices them
// into the original source.
//
// All offsets refer to the original, unmodified source. Splice applies edits
// from the end of the file backwards so earlier offsets stay valid.
package rewrite

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/matcher"
)

// Transformation is one rule applied to one record.
type Transformation struct {
	Feature     catalogue.FeatureID
	Start       int
	End         int
	Original    string
	Replacement string
	Explanation string
	Line        int
	Column      int
}

// Dropped records an occurrence left untouched because an earlier-starting
// occurrence overlapped it.
type Dropped struct {
	Feature       catalogue.FeatureID
	Start         int
	End           int
	Line          int
	Column        int
	WinnerFeature catalogue.FeatureID
	WinnerStart   int
	WinnerEnd     int
}

// Expand substitutes placeholders in template: $1 through $9 become the
// corresponding capture (empty when absent), $& becomes the matched text and
// $$ becomes a single dollar sign. Anything else is copied verbatim.
func Expand(template string, r matcher.Record) string {
	if !strings.Contains(template, "$") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template) + len(r.Text))
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '$' || i+1 >= len(template) {
			b.WriteByte(c)
			continue
		}
		next := template[i+1]
		switch {
		case next >= '1' && next <= '9':
			n := int(next - '0')
			if n <= len(r.Captures) {
				b.WriteString(r.Captures[n-1])
			}
			i++
		case next == '&':
			b.WriteString(r.Text)
			i++
		case next == '$':
			b.WriteByte('$')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Apply produces the transformation of r under rule. When r leads an
// expression statement and the replacement opens with a token that would
// join it to the previous line, a ';' is prepended.
func Apply(r matcher.Record, rule catalogue.RewriteRule) Transformation {
	replacement := Expand(rule.Template, r)
	if r.LeadsStatement && continuesPrevious(replacement) {
		replacement = ";" + replacement
	}
	return Transformation{
		Feature:     r.Feature,
		Start:       r.Start,
		End:         r.End,
		Original:    r.Text,
		Replacement: replacement,
		Explanation: rule.Explanation,
		Line:        r.Line,
		Column:      r.Column,
	}
}

func continuesPrevious(s string) bool {
	return s != "" && strings.ContainsRune("([`", rune(s[0]))
}

// Resolve selects a set of pairwise-disjoint records. Records are ordered by
// start, then longest first, then catalogue order; a record is kept only if it
// starts at or after the end of the last kept record. The input is not
// modified.
func Resolve(records []matcher.Record) ([]matcher.Record, []Dropped) {
	sorted := append([]matcher.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End > b.End
		}
		return a.Order < b.Order
	})

	kept := make([]matcher.Record, 0, len(sorted))
	var dropped []Dropped
	for _, r := range sorted {
		if len(kept) > 0 {
			last := kept[len(kept)-1]
			if r.Start < last.End {
				dropped = append(dropped, Dropped{
					Feature:       r.Feature,
					Start:         r.Start,
					End:           r.End,
					Line:          r.Line,
					Column:        r.Column,
					WinnerFeature: last.Feature,
					WinnerStart:   last.Start,
					WinnerEnd:     last.End,
				})
				continue
			}
		}
		kept = append(kept, r)
	}
	return kept, dropped
}

var (
	// ErrOverlap is returned by Splice when two transformations intersect.
	ErrOverlap = errors.New("overlapping transformations")
	// ErrOutOfRange is returned by Splice when a range falls outside the source.
	ErrOutOfRange = errors.New("transformation out of range")
	// ErrStale is returned by Splice when the source no longer holds the text a
	// transformation was computed from.
	ErrStale = errors.New("source does not match transformation")
)

// Splice returns a copy of src with every transformation applied. src is not
// modified. Zero-width transformations at the same offset are rejected like
// any other overlap.
func Splice(src []byte, ts []Transformation) ([]byte, error) {
	if len(ts) == 0 {
		return append([]byte(nil), src...), nil
	}

	ordered := append([]Transformation(nil), ts...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start > ordered[j].Start
	})

	out := append([]byte(nil), src...)
	limit := len(src)
	for i, t := range ordered {
		if t.Start < 0 || t.End < t.Start || t.End > len(src) {
			return nil, fmt.Errorf("%w: %s [%d,%d) in %d bytes", ErrOutOfRange, t.Feature, t.Start, t.End, len(src))
		}
		if t.End > limit || (i > 0 && t.Start == ordered[i-1].Start) {
			prev := ordered[i-1]
			return nil, fmt.Errorf("%w: %s [%d,%d) and %s [%d,%d)", ErrOverlap,
				t.Feature, t.Start, t.End, prev.Feature, prev.Start, prev.End)
		}
		if string(src[t.Start:t.End]) != t.Original {
			return nil, fmt.Errorf("%w: %s at [%d,%d)", ErrStale, t.Feature, t.Start, t.End)
		}

		tail := append([]byte(nil), out[t.End:]...)
		out = append(append(out[:t.Start], t.Replacement...), tail...)
		limit = t.Start
	}
	return out, nil
}
