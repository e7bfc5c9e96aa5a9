// Package parse turns source files into tree-sitter syntax trees, one grammar
// per dialect. Markup files are parsed twice: once as HTML and once per
// embedded <script>/<style> block, so every tree reports offsets that can be
// mapped back onto the original file.
package parse

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/css"
	"github.com/smacker/go-tree-sitter/html"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
)

// Dialect selects the grammar used for a unit.
type Dialect int

const (
	JavaScript Dialect = iota + 1
	TypeScript
	TSX
	CSS
	HTML
)

func (d Dialect) String() string {
	switch d {
	case JavaScript:
		return "javascript"
	case TypeScript:
		return "typescript"
	case TSX:
		return "tsx"
	case CSS:
		return "css"
	case HTML:
		return "html"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// Kind maps the dialect to its catalogue source kind.
func (d Dialect) Kind() catalogue.SourceKind {
	switch d {
	case CSS:
		return catalogue.Stylesheet
	case HTML:
		return catalogue.Markup
	default:
		return catalogue.Script
	}
}

func (d Dialect) language() *sitter.Language {
	switch d {
	case JavaScript:
		return javascript.GetLanguage()
	case TypeScript:
		return typescript.GetLanguage()
	case TSX:
		return tsx.GetLanguage()
	case CSS:
		return css.GetLanguage()
	case HTML:
		return html.GetLanguage()
	default:
		return nil
	}
}

var extensions = map[string]Dialect{
	".js":   JavaScript,
	".mjs":  JavaScript,
	".cjs":  JavaScript,
	".jsx":  JavaScript,
	".ts":   TypeScript,
	".mts":  TypeScript,
	".cts":  TypeScript,
	".tsx":  TSX,
	".css":  CSS,
	".html": HTML,
	".htm":  HTML,
}

// DetectDialect picks a dialect from the file extension.
func DetectDialect(path string) (Dialect, bool) {
	d, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return d, ok
}

// Supported reports whether path has a parseable extension.
func Supported(path string) bool {
	_, ok := DetectDialect(path)
	return ok
}

// Extensions lists every supported file extension in sorted order.
func Extensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Unit is one parsed region of a file. Top-level units cover the whole file;
// embedded units cover a <script> or <style> body and carry its offset.
type Unit struct {
	Path    string
	Dialect Dialect
	// Text is the exact byte slice handed to the grammar.
	Text []byte
	// Base is the offset of Text within the file.
	Base uint32
	Tree *sitter.Tree
	// Embedded holds the script and style blocks of a markup unit.
	Embedded []*Unit
}

// Kind is the catalogue source kind of the unit.
func (u *Unit) Kind() catalogue.SourceKind { return u.Dialect.Kind() }

// Root returns the root node of the unit's tree.
func (u *Unit) Root() *sitter.Node { return u.Tree.RootNode() }

// Close releases the tree-sitter trees held by u and its embedded units.
func (u *Unit) Close() {
	if u == nil {
		return
	}
	for _, e := range u.Embedded {
		e.Close()
	}
	if u.Tree != nil {
		u.Tree.Close()
		u.Tree = nil
	}
}

// ParseError reports a file that is not valid for its dialect.
type ParseError struct {
	Path    string
	Dialect Dialect
	Line    int
	Column  int
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: cannot parse as %s: %v", e.Path, e.Dialect, e.Err)
	}
	return fmt.Sprintf("%s:%d:%d: syntax error (%s)", e.Path, e.Line, e.Column, e.Dialect)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser builds units. It holds no tree-sitter state, so one Parser may be
// shared across goroutines.
type Parser struct {
	logger *zap.Logger
}

// New creates a parser.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger.Named("parser")}
}

// Parse parses src using the dialect implied by path.
func (p *Parser) Parse(ctx context.Context, path string, src []byte) (*Unit, error) {
	dialect, ok := DetectDialect(path)
	if !ok {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("unsupported file extension %q", filepath.Ext(path))}
	}
	return p.ParseAs(ctx, path, src, dialect)
}

// ParseAs parses src with an explicit dialect.
func (p *Parser) ParseAs(ctx context.Context, path string, src []byte, dialect Dialect) (*Unit, error) {
	unit, err := p.parseRegion(ctx, path, src, src, 0, dialect)
	if err != nil {
		return nil, err
	}
	if dialect == HTML {
		if err := p.parseEmbedded(ctx, unit, src); err != nil {
			unit.Close()
			return nil, err
		}
	}
	p.logger.Debug("Parsed unit",
		zap.String("path", path),
		zap.Stringer("dialect", dialect),
		zap.Int("size_bytes", len(src)),
		zap.Int("embedded", len(unit.Embedded)))
	return unit, nil
}

func (p *Parser) parseRegion(ctx context.Context, path string, file, text []byte, base uint32, dialect Dialect) (*Unit, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(dialect.language())

	tree, err := parser.ParseCtx(ctx, nil, text)
	if err != nil {
		return nil, &ParseError{Path: path, Dialect: dialect, Err: err}
	}
	unit := &Unit{Path: path, Dialect: dialect, Text: text, Base: base, Tree: tree}

	root := tree.RootNode()
	if root.HasError() {
		perr := &ParseError{Path: path, Dialect: dialect, Line: 1, Column: 1}
		if bad := firstError(root); bad != nil {
			perr.Line, perr.Column = Position(file, int(base+bad.StartByte()))
		}
		unit.Close()
		return nil, perr
	}
	return unit, nil
}

var scriptTypeAttr = regexp.MustCompile(`(?i)\stype\s*=\s*["']?([^"'\s>]+)`)

var scriptTypes = map[string]bool{
	"":                       true,
	"module":                 true,
	"text/javascript":        true,
	"application/javascript": true,
	"text/ecmascript":        true,
	"application/ecmascript": true,
}

func (p *Parser) parseEmbedded(ctx context.Context, unit *Unit, file []byte) error {
	var visit func(n *sitter.Node) error
	visit = func(n *sitter.Node) error {
		var dialect Dialect
		switch n.Type() {
		case "script_element":
			dialect = JavaScript
		case "style_element":
			dialect = CSS
		default:
			for i := 0; i < int(n.NamedChildCount()); i++ {
				if err := visit(n.NamedChild(i)); err != nil {
					return err
				}
			}
			return nil
		}

		var body *sitter.Node
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "raw_text":
				body = c
			case "start_tag":
				if dialect == JavaScript {
					typ := ""
					if m := scriptTypeAttr.FindSubmatch([]byte(c.Content(unit.Text))); m != nil {
						typ = strings.ToLower(string(m[1]))
					}
					if !scriptTypes[typ] {
						return nil
					}
				}
			}
		}
		if body == nil {
			return nil
		}
		start, end := unit.Base+body.StartByte(), unit.Base+body.EndByte()
		sub, err := p.parseRegion(ctx, unit.Path, file, file[start:end], start, dialect)
		if err != nil {
			return err
		}
		unit.Embedded = append(unit.Embedded, sub)
		return nil
	}
	return visit(unit.Root())
}

func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.HasError() || c.IsMissing() {
			if bad := firstError(c); bad != nil {
				return bad
			}
		}
	}
	return nil
}

// Position converts a byte offset into a 1-based line and a 1-based column
// counted in runes. Callers resolving many offsets in one file should build a
// LineIndex instead.
func Position(src []byte, offset int) (line, column int) {
	return NewLineIndex(src).Position(offset)
}

// LineIndex resolves byte offsets to positions without rescanning the file.
type LineIndex struct {
	src    []byte
	starts []int
}

// NewLineIndex records the start offset of every line in src.
func NewLineIndex(src []byte) *LineIndex {
	starts := make([]int, 1, bytes.Count(src, []byte{'\n'})+1)
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &LineIndex{src: src, starts: starts}
}

// Position returns the 1-based line and rune column of offset. Offsets past
// the end clamp to the end of the source.
func (x *LineIndex) Position(offset int) (line, column int) {
	if offset > len(x.src) {
		offset = len(x.src)
	}
	if offset < 0 {
		offset = 0
	}
	i := sort.Search(len(x.starts), func(i int) bool { return x.starts[i] > offset }) - 1
	return i + 1, utf8.RuneCount(x.src[x.starts[i]:offset]) + 1
}
