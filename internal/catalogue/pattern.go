package catalogue

import (
	"fmt"
	"regexp"
)

// PatternKind discriminates the two matching mechanisms.
type PatternKind int

const (
	// PatternStructural matches a syntax tree node by shape.
	PatternStructural PatternKind = iota + 1
	// PatternTextual matches a regular expression over literal text.
	PatternTextual
)

func (k PatternKind) String() string {
	switch k {
	case PatternStructural:
		return "structural"
	case PatternTextual:
		return "textual"
	default:
		return fmt.Sprintf("PatternKind(%d)", int(k))
	}
}

// Shape is the node shape a structural pattern looks for.
type Shape int

const (
	// ShapeMember matches obj.prop.
	ShapeMember Shape = iota + 1
	// ShapeCall matches callee(...) with a bare identifier callee.
	ShapeCall
	// ShapeMethodCall matches recv.method(...). With Object set the receiver
	// must be that identifier and is not captured.
	ShapeMethodCall
	// ShapeNew matches new Ctor(...).
	ShapeNew
)

var shapeNames = map[string]Shape{
	"member":      ShapeMember,
	"call":        ShapeCall,
	"method-call": ShapeMethodCall,
	"new":         ShapeNew,
}

func (s Shape) String() string {
	for name, v := range shapeNames {
		if v == s {
			return name
		}
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

// Unbounded is the MaxArgs value for patterns accepting any number of arguments.
const Unbounded = -1

// Structural describes a node predicate.
type Structural struct {
	Shape       Shape
	Object      string
	Property    string
	Callee      string
	Constructor string
	MinArgs     int
	MaxArgs     int
}

// AcceptsArity reports whether n call arguments satisfy the arity guard.
func (s *Structural) AcceptsArity(n int) bool {
	if n < s.MinArgs {
		return false
	}
	return s.MaxArgs == Unbounded || n <= s.MaxArgs
}

// Captures returns the maximum number of sub-expressions a match of this
// pattern captures, or Unbounded.
func (s *Structural) Captures() int {
	switch s.Shape {
	case ShapeMember:
		return 1
	case ShapeMethodCall:
		if s.MaxArgs == Unbounded {
			return Unbounded
		}
		if s.Object == "" {
			return s.MaxArgs + 1
		}
		return s.MaxArgs
	default:
		return s.MaxArgs
	}
}

// Textual is a regular expression applied to literal or stylesheet text.
type Textual struct {
	Regex *regexp.Regexp
	// ScanEverywhere extends a stylesheet pattern to string and template
	// literals embedded in scripts.
	ScanEverywhere bool
}

// Pattern is a tagged variant: exactly one of Structural or Textual is set,
// according to Kind.
type Pattern struct {
	Kind       PatternKind
	Structural *Structural
	Textual    *Textual
}

func (p Pattern) String() string {
	switch p.Kind {
	case PatternStructural:
		s := p.Structural
		switch s.Shape {
		case ShapeMember:
			return fmt.Sprintf("member(%s.%s)", orAny(s.Object), s.Property)
		case ShapeCall:
			return fmt.Sprintf("call(%s)", s.Callee)
		case ShapeMethodCall:
			return fmt.Sprintf("method-call(%s.%s)", orAny(s.Object), s.Property)
		case ShapeNew:
			return fmt.Sprintf("new(%s)", s.Constructor)
		}
	case PatternTextual:
		return fmt.Sprintf("text(%s)", p.Textual.Regex.String())
	}
	return "invalid"
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
