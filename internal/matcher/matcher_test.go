package matcher

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/parse"
)

// -- Test Helpers --

func builtin(t *testing.T) *catalogue.Catalogue {
	t.Helper()
	c, err := catalogue.Builtin()
	require.NoError(t, err)
	return c
}

func runMatch(t *testing.T, cat *catalogue.Catalogue, path, code string) []Record {
	t.Helper()
	unit, err := parse.New(zaptest.NewLogger(t)).Parse(context.Background(), path, []byte(code))
	require.NoError(t, err)
	defer unit.Close()
	return New(zaptest.NewLogger(t), cat).Match(unit)
}

func features(records []Record) []catalogue.FeatureID {
	out := make([]catalogue.FeatureID, len(records))
	for i, r := range records {
		out[i] = r.Feature
	}
	return out
}

func assertSpan(t *testing.T, code string, r Record) {
	t.Helper()
	assert.Equal(t, code[r.Start:r.End], r.Text, "record text must equal the source slice it spans")
}

// -- Structural Matching --

func TestMatch_ReplaceAllCapturesReceiverAndArgs(t *testing.T) {
	code := `const clean = text.replaceAll("foo", "bar");`
	records := runMatch(t, builtin(t), "a.js", code)

	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, catalogue.FeatureID("string-replaceall"), r.Feature)
	assert.Equal(t, `text.replaceAll("foo", "bar")`, r.Text)
	assert.Equal(t, []string{"text", `"foo"`, `"bar"`}, r.Captures)
	assert.Equal(t, 1, r.Line)
	assert.Equal(t, 15, r.Column)
	assertSpan(t, code, r)
}

func TestMatch_LeadsStatement(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{"AfterUnterminatedLine", "const x = y\narr.at(-1).focus()\n", true},
		{"AfterComment", "const x = y\n// last item\narr.at(-1)\n", true},
		{"AfterSemicolon", "const x = y;\narr.at(-1).focus()\n", false},
		{"AfterBlockOpen", "if (ok) {\n  arr.at(-1)\n}\n", false},
		{"StartOfFile", "arr.at(-1)\n", false},
		{"InsideDeclaration", "const x = y\nconst z = arr.at(-1)\n", false},
		{"NotLeftmost", "const x = y\nfocus(arr.at(-1))\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := runMatch(t, builtin(t), "a.js", tt.code)
			require.Len(t, records, 1)
			assert.Equal(t, catalogue.FeatureID("array-at"), records[0].Feature)
			assert.Equal(t, tt.want, records[0].LeadsStatement)
		})
	}
}

func TestMatch_StaticMethodCapturesOnlyArgs(t *testing.T) {
	code := "const results = await Promise.allSettled(tasks);\nif (Object.hasOwn(obj, 'k')) {}\n"
	records := runMatch(t, builtin(t), "a.js", code)

	require.Len(t, records, 2)
	assert.Equal(t, catalogue.FeatureID("promise-allsettled"), records[0].Feature)
	assert.Equal(t, []string{"tasks"}, records[0].Captures)
	assert.Equal(t, catalogue.FeatureID("object-hasown"), records[1].Feature)
	assert.Equal(t, []string{"obj", "'k'"}, records[1].Captures)
	assert.Equal(t, 2, records[1].Line)
}

func TestMatch_RecordsEveryOccurrence(t *testing.T) {
	code := "a.replaceAll(x, y);\nb.replaceAll(x, y);\nfetch('/a');\nfetch('/b');\n"
	records := runMatch(t, builtin(t), "a.js", code)

	assert.Equal(t, []catalogue.FeatureID{"string-replaceall", "string-replaceall", "fetch", "fetch"}, features(records))
	for _, r := range records {
		assertSpan(t, code, r)
	}
}

func TestMatch_NewAndMember(t *testing.T) {
	code := "const ch = new BroadcastChannel('x');\nif (navigator.share) { navigator.share({}); }\nconst ro = new ResizeObserver(cb);\n"
	records := runMatch(t, builtin(t), "a.js", code)

	assert.Equal(t, []catalogue.FeatureID{"broadcast-channel", "navigator-share", "navigator-share", "resize-observer"}, features(records))
	assert.Equal(t, []string{"navigator"}, records[1].Captures)
}

func TestMatch_GuardsRejectNonMatchingShapes(t *testing.T) {
	code := `
text?.replaceAll("a", "b");
text.replaceAll(...pair);
text.replaceAll("only-one");
text["replaceAll"]("a", "b");
window.structuredClone(v);
MyPromise.allSettled(tasks);
`
	records := runMatch(t, builtin(t), "a.js", code)
	assert.Empty(t, records)
}

func TestMatch_NestedOccurrencesAreSortedOuterFirst(t *testing.T) {
	code := `x = s.replaceAll("a", "b").replaceAll("c", "d");`
	records := runMatch(t, builtin(t), "a.js", code)

	require.Len(t, records, 2)
	assert.Equal(t, records[0].Start, records[1].Start)
	assert.Greater(t, records[0].End, records[1].End, "outer call sorts first")
	assert.Equal(t, `s.replaceAll("a", "b")`, records[0].Captures[0])
}

func TestMatch_TypeScript(t *testing.T) {
	code := "const last: number | undefined = values.at(-1);\n"
	records := runMatch(t, builtin(t), "a.ts", code)
	require.Len(t, records, 1)
	assert.Equal(t, catalogue.FeatureID("array-at"), records[0].Feature)
	assert.Equal(t, []string{"values", "-1"}, records[0].Captures)
}

// -- Tie-break --

const overlappingCatalogue = `
[[feature]]
id = "%s"
kinds = ["script"]
  [[feature.pattern]]
  shape = "method-call"
  property = "at"
  args = 1

[[feature]]
id = "%s"
kinds = ["script"]
  [[feature.pattern]]
  shape = "method-call"
  property = "at"
`

func TestMatch_SameNodeClaimedByFirstDeclaredFeature(t *testing.T) {
	code := "const v = list.at(0);"

	first, err := catalogue.Parse([]byte(fmt.Sprintf(overlappingCatalogue, "array-at", "string-at")))
	require.NoError(t, err)
	records := runMatch(t, first, "a.js", code)
	assert.Equal(t, []catalogue.FeatureID{"array-at"}, features(records))

	swapped, err := catalogue.Parse([]byte(fmt.Sprintf(overlappingCatalogue, "string-at", "array-at")))
	require.NoError(t, err)
	records = runMatch(t, swapped, "a.js", code)
	assert.Equal(t, []catalogue.FeatureID{"string-at"}, features(records))
}

func TestMatch_CoincidentTextualSpansKeepFirstFeature(t *testing.T) {
	cat, err := catalogue.Parse([]byte(`
[[feature]]
id = "first"
kinds = ["stylesheet"]
  [[feature.pattern]]
  shape = "text"
  regex = "@layer"

[[feature]]
id = "second"
kinds = ["stylesheet"]
  [[feature.pattern]]
  shape = "text"
  regex = "@lay[e]r"
`))
	require.NoError(t, err)

	records := runMatch(t, cat, "a.css", "@layer base { a { color: red; } }")
	assert.Equal(t, []catalogue.FeatureID{"first"}, features(records))
}

// -- Textual Matching --

func TestMatch_CSSInsideTemplateLiteral(t *testing.T) {
	code := "const css = `.card:has(${sel}) { }\n@container (min-width: 10px) {}`;\nconst s = \":has(x)\";\n"
	records := runMatch(t, builtin(t), "a.js", code)

	assert.Equal(t, []catalogue.FeatureID{"css-has", "container-queries", "css-has"}, features(records))
	for _, r := range records {
		assertSpan(t, code, r)
	}
	assert.Equal(t, 2, records[1].Line)
}

func TestMatch_TemplateSubstitutionIsNotScannedTwice(t *testing.T) {
	code := "const s = `${flag ? ':has(x)' : ''} and ${y}`;\n"
	records := runMatch(t, builtin(t), "a.js", code)

	// The nested string literal is matched once, by its own node.
	require.Len(t, records, 1)
	assert.Equal(t, catalogue.FeatureID("css-has"), records[0].Feature)
	assertSpan(t, code, records[0])
}

func TestMatch_StylesheetSkipsComments(t *testing.T) {
	code := "/* .a:has(b) */\n.card:has(img) { color: red; }\n@container sidebar (min-width: 400px) { .x { color: blue; } }\n"
	records := runMatch(t, builtin(t), "a.css", code)

	require.Equal(t, []catalogue.FeatureID{"css-has", "container-queries"}, features(records))
	assert.Equal(t, 2, records[0].Line)
	for _, r := range records {
		assertSpan(t, code, r)
	}
}

func TestMatch_MarkupWithEmbeddedBlocks(t *testing.T) {
	code := `<!doctype html>
<html>
<body>
<!-- <dialog> in a comment -->
<dialog open>hi</dialog>
<style>.a:has(.b) { color: red; }</style>
<script>const x = s.replaceAll("a", "b");</script>
</body>
</html>
`
	records := runMatch(t, builtin(t), "index.html", code)

	require.Equal(t, []catalogue.FeatureID{"dialog-element", "css-has", "string-replaceall"}, features(records))
	for _, r := range records {
		assertSpan(t, code, r)
	}
	assert.Equal(t, 7, records[2].Line)
}

func TestComplement(t *testing.T) {
	got := complement(10, []region{{0, 2}, {5, 7}})
	assert.Equal(t, []region{{2, 5}, {7, 10}}, got)
	assert.Equal(t, []region{{0, 4}}, complement(4, nil))
	assert.Empty(t, complement(3, []region{{0, 3}}))
}
