package matcher

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/parse"
)

// scriptWalker visits a JavaScript or TypeScript tree.
type scriptWalker struct {
	unit       *parse.Unit
	structural []catalogue.Binding
	textual    []catalogue.Binding
	c          *collector
}

func (w *scriptWalker) walk(node *sitter.Node) {
	if node == nil || node.IsNull() {
		return
	}

	switch node.Type() {
	case "call_expression", "new_expression", "member_expression":
		for _, b := range w.structural {
			if rec, ok := w.matchStructural(node, b); ok {
				w.c.add(rec)
				// First declared feature claims the node.
				break
			}
		}
	case "string", "template_string":
		w.matchLiteral(node)
	case "comment", "regex":
		return
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		w.walk(node.NamedChild(i))
	}
}

func (w *scriptWalker) content(n *sitter.Node) string {
	return n.Content(w.unit.Text)
}

func (w *scriptWalker) record(node *sitter.Node, b catalogue.Binding, captures []string) Record {
	base := int(w.unit.Base)
	return Record{
		Feature:      b.Feature,
		Order:        b.Order,
		PatternIndex: b.PatternIndex,
		Start:        base + int(node.StartByte()),
		End:          base + int(node.EndByte()),
		Text:         w.content(node),
		Captures:     captures,

		LeadsStatement: w.leadsStatement(node),
	}
}

// leadsStatement reports whether node is the leftmost expression of an
// expression statement and nothing but whitespace separates it from the
// previous statement's text. A preceding ';' or '{', or the start of the
// unit, already terminates that statement.
func (w *scriptWalker) leadsStatement(node *sitter.Node) bool {
	start := node.StartByte()
	for n := node.Parent(); n != nil && !n.IsNull() && n.StartByte() == start; n = n.Parent() {
		if n.Type() != "expression_statement" {
			continue
		}
		for i := int(start) - 1; i >= 0; i-- {
			switch c := w.unit.Text[i]; c {
			case ' ', '\t', '\r', '\n':
				continue
			case ';', '{':
				return false
			default:
				return true
			}
		}
		return false
	}
	return false
}

func (w *scriptWalker) matchStructural(node *sitter.Node, b catalogue.Binding) (Record, bool) {
	s := b.Pattern.Structural
	switch s.Shape {
	case catalogue.ShapeCall:
		if node.Type() != "call_expression" || hasOptionalChain(node) {
			return Record{}, false
		}
		fn := node.ChildByFieldName("function")
		if fn == nil || fn.Type() != "identifier" || w.content(fn) != s.Callee {
			return Record{}, false
		}
		args, ok := w.arguments(node, s)
		if !ok {
			return Record{}, false
		}
		return w.record(node, b, args), true

	case catalogue.ShapeMethodCall:
		if node.Type() != "call_expression" || hasOptionalChain(node) {
			return Record{}, false
		}
		fn := node.ChildByFieldName("function")
		if fn == nil || fn.Type() != "member_expression" || hasOptionalChain(fn) {
			return Record{}, false
		}
		object, ok := w.memberMatches(fn, s)
		if !ok {
			return Record{}, false
		}
		args, ok := w.arguments(node, s)
		if !ok {
			return Record{}, false
		}
		if s.Object != "" {
			return w.record(node, b, args), true
		}
		captures := append([]string{w.content(object)}, args...)
		return w.record(node, b, captures), true

	case catalogue.ShapeMember:
		if node.Type() != "member_expression" {
			return Record{}, false
		}
		object, ok := w.memberMatches(node, s)
		if !ok {
			return Record{}, false
		}
		return w.record(node, b, []string{w.content(object)}), true

	case catalogue.ShapeNew:
		if node.Type() != "new_expression" {
			return Record{}, false
		}
		ctor := node.ChildByFieldName("constructor")
		if ctor == nil || ctor.Type() != "identifier" || w.content(ctor) != s.Constructor {
			return Record{}, false
		}
		args, ok := w.arguments(node, s)
		if !ok {
			return Record{}, false
		}
		return w.record(node, b, args), true
	}
	return Record{}, false
}

// memberMatches checks the property name and, when the pattern names one, the
// object identifier. It returns the object node.
func (w *scriptWalker) memberMatches(member *sitter.Node, s *catalogue.Structural) (*sitter.Node, bool) {
	object := member.ChildByFieldName("object")
	property := member.ChildByFieldName("property")
	if object == nil || property == nil || w.content(property) != s.Property {
		return nil, false
	}
	if s.Object != "" && (object.Type() != "identifier" || w.content(object) != s.Object) {
		return nil, false
	}
	return object, true
}

// arguments returns the literal text of each call argument. Tagged templates,
// spread arguments and arity mismatches do not match.
func (w *scriptWalker) arguments(node *sitter.Node, s *catalogue.Structural) ([]string, bool) {
	argsNode := node.ChildByFieldName("arguments")
	var args []string
	if argsNode != nil {
		if argsNode.Type() != "arguments" {
			return nil, false
		}
		for i := 0; i < int(argsNode.NamedChildCount()); i++ {
			arg := argsNode.NamedChild(i)
			switch arg.Type() {
			case "comment":
				continue
			case "spread_element":
				return nil, false
			}
			args = append(args, w.content(arg))
		}
	}
	if !s.AcceptsArity(len(args)) {
		return nil, false
	}
	return args, true
}

func hasOptionalChain(n *sitter.Node) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		switch n.Child(i).Type() {
		case "optional_chain", "?.":
			return true
		}
	}
	return false
}

// matchLiteral runs textual patterns over the literal's contents, skipping
// quotes and template substitutions.
func (w *scriptWalker) matchLiteral(node *sitter.Node) {
	if len(w.textual) == 0 {
		return
	}
	start, end := int(node.StartByte())+1, int(node.EndByte())-1
	if end <= start {
		return
	}

	var regions []region
	if node.Type() == "template_string" {
		pos := start
		for i := 0; i < int(node.NamedChildCount()); i++ {
			sub := node.NamedChild(i)
			if sub.Type() != "template_substitution" {
				continue
			}
			if int(sub.StartByte()) > pos {
				regions = append(regions, region{pos, int(sub.StartByte())})
			}
			pos = int(sub.EndByte())
		}
		if pos < end {
			regions = append(regions, region{pos, end})
		}
	} else {
		regions = []region{{start, end}}
	}
	matchTextRegions(w.unit, w.textual, regions, w.c)
}
