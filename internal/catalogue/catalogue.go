// Package catalogue holds the static table of risky API surfaces: the
// structural and textual patterns that locate them and the rewrite rules that
// replace them. The table is decoded from TOML and validated once at load
// time; after that it is read-only and safe for concurrent use.
package catalogue

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed catalogue.toml
var builtinTOML []byte

// FeatureID uniquely identifies one catalogued API surface.
type FeatureID string

// SourceKind selects which patterns apply to a file.
type SourceKind int

const (
	Script SourceKind = iota + 1
	Stylesheet
	Markup
)

var kindNames = map[string]SourceKind{
	"script":     Script,
	"stylesheet": Stylesheet,
	"markup":     Markup,
}

func (k SourceKind) String() string {
	switch k {
	case Script:
		return "script"
	case Stylesheet:
		return "stylesheet"
	case Markup:
		return "markup"
	default:
		return "SourceKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// RewriteRule is a replacement template. $1..$9 refer to captured
// sub-expressions, $& to the full matched text and $$ to a literal dollar.
type RewriteRule struct {
	Template    string
	Explanation string
}

// Entry is one catalogued feature.
type Entry struct {
	ID             FeatureID
	Title          string
	Kinds          []SourceKind
	Patterns       []Pattern
	Rule           *RewriteRule
	DefaultSafety  string
	Recommendation string
	// Order is the declaration index; lower wins ties.
	Order int
}

// AppliesTo reports whether the entry is declared for kind.
func (e *Entry) AppliesTo(kind SourceKind) bool {
	for _, k := range e.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Binding pairs a pattern with the feature that owns it.
type Binding struct {
	Feature      FeatureID
	Order        int
	PatternIndex int
	Pattern      Pattern
}

// Catalogue is the validated feature table.
type Catalogue struct {
	entries []*Entry
	byID    map[FeatureID]*Entry
}

// ValidationError reports malformed catalogue data.
type ValidationError struct {
	Feature FeatureID
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Feature == "" {
		return "catalogue: " + e.Reason
	}
	return fmt.Sprintf("catalogue: feature %q: %s", e.Feature, e.Reason)
}

type rawCatalogue struct {
	Features []rawFeature `toml:"feature"`
}

type rawFeature struct {
	ID             string       `toml:"id"`
	Title          string       `toml:"title"`
	Kinds          []string     `toml:"kinds"`
	DefaultSafety  string       `toml:"default_safety"`
	Recommendation string       `toml:"recommendation"`
	Patterns       []rawPattern `toml:"pattern"`
	Rewrite        *rawRewrite  `toml:"rewrite"`
}

type rawPattern struct {
	Shape          string `toml:"shape"`
	Object         string `toml:"object"`
	Property       string `toml:"property"`
	Callee         string `toml:"callee"`
	Constructor    string `toml:"constructor"`
	Args           *int   `toml:"args"`
	MinArgs        *int   `toml:"min_args"`
	MaxArgs        *int   `toml:"max_args"`
	Regex          string `toml:"regex"`
	ScanEverywhere bool   `toml:"scan_everywhere"`
}

type rawRewrite struct {
	Template    string `toml:"template"`
	Explanation string `toml:"explanation"`
}

var validSafety = map[string]bool{"safe": true, "caution": true, "unsafe": true, "unknown": true}

// Builtin decodes the embedded catalogue.
func Builtin() (*Catalogue, error) {
	return Parse(builtinTOML)
}

// Load returns the built-in catalogue extended with the entries in path.
// An empty path yields the built-in catalogue alone.
func Load(path string) (*Catalogue, error) {
	base, err := Builtin()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue file %s: %w", path, err)
	}
	extra, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalogue file %s: %w", path, err)
	}
	return base.Merge(extra)
}

// Parse decodes and validates a TOML catalogue document.
func Parse(data []byte) (*Catalogue, error) {
	var raw rawCatalogue
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("catalogue: decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown key %q", undecoded[0].String())}
	}

	c := &Catalogue{byID: make(map[FeatureID]*Entry, len(raw.Features))}
	for i, rf := range raw.Features {
		entry, err := buildEntry(rf, i)
		if err != nil {
			return nil, err
		}
		if err := c.add(entry); err != nil {
			return nil, err
		}
	}
	if len(c.entries) == 0 {
		return nil, &ValidationError{Reason: "no features declared"}
	}
	return c, nil
}

// Merge returns a new catalogue with other's entries appended after c's.
// Duplicate identifiers are rejected.
func (c *Catalogue) Merge(other *Catalogue) (*Catalogue, error) {
	merged := &Catalogue{byID: make(map[FeatureID]*Entry, len(c.entries)+len(other.entries))}
	for _, e := range c.entries {
		cp := *e
		if err := merged.add(&cp); err != nil {
			return nil, err
		}
	}
	for _, e := range other.entries {
		cp := *e
		cp.Order = len(merged.entries)
		if err := merged.add(&cp); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func (c *Catalogue) add(e *Entry) error {
	if _, dup := c.byID[e.ID]; dup {
		return &ValidationError{Feature: e.ID, Reason: "duplicate feature id"}
	}
	c.byID[e.ID] = e
	c.entries = append(c.entries, e)
	return nil
}

// Entries returns all entries in declaration order.
func (c *Catalogue) Entries() []*Entry {
	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Get returns the entry for id.
func (c *Catalogue) Get(id FeatureID) (*Entry, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// Lookup returns the patterns that apply to kind, in declaration order.
// Script units also receive the textual patterns of stylesheet features marked
// scan_everywhere; those are applied to string and template literals.
func (c *Catalogue) Lookup(kind SourceKind) []Binding {
	var out []Binding
	for _, e := range c.entries {
		declared := e.AppliesTo(kind)
		for i, p := range e.Patterns {
			include := declared
			if !include && kind == Script && p.Kind == PatternTextual && p.Textual.ScanEverywhere && e.AppliesTo(Stylesheet) {
				include = true
			}
			if include {
				out = append(out, Binding{Feature: e.ID, Order: e.Order, PatternIndex: i, Pattern: p})
			}
		}
	}
	return out
}

func buildEntry(rf rawFeature, order int) (*Entry, error) {
	id := FeatureID(strings.TrimSpace(rf.ID))
	if id == "" {
		return nil, &ValidationError{Reason: fmt.Sprintf("feature #%d has no id", order+1)}
	}
	fail := func(format string, args ...any) error {
		return &ValidationError{Feature: id, Reason: fmt.Sprintf(format, args...)}
	}

	e := &Entry{
		ID:             id,
		Title:          rf.Title,
		DefaultSafety:  rf.DefaultSafety,
		Recommendation: rf.Recommendation,
		Order:          order,
	}
	if e.DefaultSafety == "" {
		e.DefaultSafety = "unknown"
	}
	if !validSafety[e.DefaultSafety] {
		return nil, fail("unknown default_safety %q", rf.DefaultSafety)
	}

	if len(rf.Kinds) == 0 {
		return nil, fail("no source kinds declared")
	}
	for _, name := range rf.Kinds {
		k, ok := kindNames[name]
		if !ok {
			return nil, fail("unknown source kind %q", name)
		}
		e.Kinds = append(e.Kinds, k)
	}

	if len(rf.Patterns) == 0 {
		return nil, fail("no patterns declared")
	}
	maxCaptures := 0
	for i, rp := range rf.Patterns {
		p, err := buildPattern(rp)
		if err != nil {
			return nil, fail("pattern #%d: %v", i+1, err)
		}
		if p.Kind == PatternStructural && !e.AppliesTo(Script) {
			return nil, fail("pattern #%d: structural patterns require the script kind", i+1)
		}
		if p.Kind == PatternStructural {
			n := p.Structural.Captures()
			if n == Unbounded || maxCaptures == Unbounded {
				maxCaptures = Unbounded
			} else if n > maxCaptures {
				maxCaptures = n
			}
		}
		e.Patterns = append(e.Patterns, p)
	}

	if rf.Rewrite != nil {
		if rf.Rewrite.Template == "" {
			return nil, fail("rewrite has an empty template")
		}
		highest, err := highestPlaceholder(rf.Rewrite.Template)
		if err != nil {
			return nil, fail("rewrite template: %v", err)
		}
		if maxCaptures != Unbounded && highest > maxCaptures {
			return nil, fail("rewrite template references $%d but patterns capture at most %d", highest, maxCaptures)
		}
		e.Rule = &RewriteRule{Template: rf.Rewrite.Template, Explanation: rf.Rewrite.Explanation}
	}
	return e, nil
}

func buildPattern(rp rawPattern) (Pattern, error) {
	if rp.Shape == "text" {
		if rp.Regex == "" {
			return Pattern{}, fmt.Errorf("text pattern needs a regex")
		}
		re, err := regexp.Compile(rp.Regex)
		if err != nil {
			return Pattern{}, fmt.Errorf("invalid regex: %w", err)
		}
		return Pattern{Kind: PatternTextual, Textual: &Textual{Regex: re, ScanEverywhere: rp.ScanEverywhere}}, nil
	}

	shape, ok := shapeNames[rp.Shape]
	if !ok {
		return Pattern{}, fmt.Errorf("unknown shape %q", rp.Shape)
	}
	if rp.Regex != "" || rp.ScanEverywhere {
		return Pattern{}, fmt.Errorf("regex and scan_everywhere only apply to text patterns")
	}
	s := &Structural{
		Shape:       shape,
		Object:      rp.Object,
		Property:    rp.Property,
		Callee:      rp.Callee,
		Constructor: rp.Constructor,
		MinArgs:     0,
		MaxArgs:     Unbounded,
	}
	if rp.Args != nil {
		if rp.MinArgs != nil || rp.MaxArgs != nil {
			return Pattern{}, fmt.Errorf("args excludes min_args and max_args")
		}
		s.MinArgs, s.MaxArgs = *rp.Args, *rp.Args
	}
	if rp.MinArgs != nil {
		s.MinArgs = *rp.MinArgs
	}
	if rp.MaxArgs != nil {
		s.MaxArgs = *rp.MaxArgs
	}
	if s.MinArgs < 0 || (s.MaxArgs != Unbounded && s.MaxArgs < s.MinArgs) {
		return Pattern{}, fmt.Errorf("invalid arity bounds")
	}

	switch shape {
	case ShapeMember, ShapeMethodCall:
		if rp.Property == "" {
			return Pattern{}, fmt.Errorf("%s pattern needs a property", rp.Shape)
		}
	case ShapeCall:
		if rp.Callee == "" {
			return Pattern{}, fmt.Errorf("call pattern needs a callee")
		}
	case ShapeNew:
		if rp.Constructor == "" {
			return Pattern{}, fmt.Errorf("new pattern needs a constructor")
		}
	}
	return Pattern{Kind: PatternStructural, Structural: s}, nil
}

// highestPlaceholder returns the largest $N referenced by template.
func highestPlaceholder(template string) (int, error) {
	highest := 0
	for i := 0; i < len(template); i++ {
		if template[i] != '$' {
			continue
		}
		if i+1 >= len(template) {
			return 0, fmt.Errorf("dangling $ at end of template")
		}
		next := template[i+1]
		switch {
		case next >= '1' && next <= '9':
			if n := int(next - '0'); n > highest {
				highest = n
			}
			i++
		case next == '&' || next == '$':
			i++
		default:
			return 0, fmt.Errorf("unsupported placeholder $%c", next)
		}
	}
	return highest, nil
}
