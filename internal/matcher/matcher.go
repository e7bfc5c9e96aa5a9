// Package matcher locates catalogued feature patterns in parsed units.
//
// Structural patterns are tested against call, new and member expression
// nodes during a depth-first walk. Textual patterns run over the contents of
// string and template literals in scripts, over stylesheet text outside
// comments, and over markup text outside script, style and comment elements.
//
// When several features match the same node, the feature declared first in
// the catalogue claims it and the others are not recorded for that node.
// Records with identical (Start, End) spans are likewise reduced to the
// earliest-declared feature.
package matcher

import (
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/parse"
)

// Record is one located occurrence of a feature. Offsets are byte offsets
// into the original file; End is exclusive.
type Record struct {
	Feature catalogue.FeatureID
	Order   int

	// PatternIndex is the index of the matching pattern within its entry.
	PatternIndex int

	Start int
	End   int
	Text  string

	// Captures holds the literal text of the sub-expressions the rewrite
	// template refers to as $1, $2, ...
	Captures []string

	Line   int
	Column int

	// LeadsStatement is set when the occurrence begins an expression
	// statement that does not follow a statement terminator, so a
	// replacement opening with '(', '[' or '`' would continue the previous
	// line.
	LeadsStatement bool
}

// Matcher is safe for concurrent use.
type Matcher struct {
	logger   *zap.Logger
	bindings map[catalogue.SourceKind][]catalogue.Binding
}

// New precomputes the bindings for every source kind.
func New(logger *zap.Logger, cat *catalogue.Catalogue) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Matcher{
		logger:   logger.Named("matcher"),
		bindings: make(map[catalogue.SourceKind][]catalogue.Binding, 3),
	}
	for _, kind := range []catalogue.SourceKind{catalogue.Script, catalogue.Stylesheet, catalogue.Markup} {
		m.bindings[kind] = cat.Lookup(kind)
	}
	return m
}

// Match returns every record in a top-level unit, sorted by start offset,
// then by descending end offset, then by catalogue order.
func (m *Matcher) Match(unit *parse.Unit) []Record {
	c := &collector{index: make(map[span]int)}
	m.matchUnit(unit, c)

	records := c.records
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End > b.End
		}
		return a.Order < b.Order
	})

	lines := parse.NewLineIndex(unit.Text)
	for i := range records {
		records[i].Line, records[i].Column = lines.Position(records[i].Start)
	}

	m.logger.Debug("Matching complete",
		zap.String("path", unit.Path),
		zap.Int("records", len(records)),
		zap.Int("coincident_dropped", c.coincident))
	return records
}

func (m *Matcher) matchUnit(unit *parse.Unit, c *collector) {
	bindings := m.bindings[unit.Kind()]
	switch unit.Kind() {
	case catalogue.Script:
		structural, textual := split(bindings)
		w := &scriptWalker{unit: unit, structural: structural, textual: textual, c: c}
		w.walk(unit.Root())
	case catalogue.Stylesheet:
		_, textual := split(bindings)
		excluded := collectRanges(unit.Root(), map[string]bool{"comment": true, "js_comment": true})
		matchTextRegions(unit, textual, complement(len(unit.Text), excluded), c)
	case catalogue.Markup:
		_, textual := split(bindings)
		excluded := collectRanges(unit.Root(), map[string]bool{"script_element": true, "style_element": true, "comment": true})
		matchTextRegions(unit, textual, complement(len(unit.Text), excluded), c)
		for _, sub := range unit.Embedded {
			m.matchUnit(sub, c)
		}
	}
}

func split(bindings []catalogue.Binding) (structural, textual []catalogue.Binding) {
	for _, b := range bindings {
		switch b.Pattern.Kind {
		case catalogue.PatternStructural:
			structural = append(structural, b)
		case catalogue.PatternTextual:
			textual = append(textual, b)
		}
	}
	return structural, textual
}

type span struct{ start, end int }

type collector struct {
	records    []Record
	index      map[span]int
	coincident int
}

// add records r unless a record with the same span exists. On coincidence the
// earlier-declared feature is kept.
func (c *collector) add(r Record) {
	key := span{r.Start, r.End}
	if i, ok := c.index[key]; ok {
		c.coincident++
		if r.Order < c.records[i].Order {
			c.records[i] = r
		}
		return
	}
	c.index[key] = len(c.records)
	c.records = append(c.records, r)
}

// region is a half-open byte range relative to a unit's Text.
type region struct{ start, end int }

func collectRanges(root *sitter.Node, types map[string]bool) []region {
	var out []region
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if types[n.Type()] {
			out = append(out, region{int(n.StartByte()), int(n.EndByte())})
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(root)
	return out
}

// complement returns the parts of [0, size) not covered by the sorted,
// non-overlapping excluded regions.
func complement(size int, excluded []region) []region {
	var out []region
	pos := 0
	for _, ex := range excluded {
		if ex.start > pos {
			out = append(out, region{pos, ex.start})
		}
		if ex.end > pos {
			pos = ex.end
		}
	}
	if pos < size {
		out = append(out, region{pos, size})
	}
	return out
}

func matchTextRegions(unit *parse.Unit, textual []catalogue.Binding, regions []region, c *collector) {
	base := int(unit.Base)
	for _, b := range textual {
		re := b.Pattern.Textual.Regex
		for _, r := range regions {
			chunk := unit.Text[r.start:r.end]
			for _, loc := range re.FindAllIndex(chunk, -1) {
				if loc[0] == loc[1] {
					continue
				}
				start := base + r.start + loc[0]
				end := base + r.start + loc[1]
				c.add(Record{
					Feature:      b.Feature,
					Order:        b.Order,
					PatternIndex: b.PatternIndex,
					Start:        start,
					End:          end,
					Text:         string(chunk[loc[0]:loc[1]]),
				})
			}
		}
	}
}
