package rewrite

import (
	"errors"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/matcher"
)

func record(feature string, start, end int, text string, captures ...string) matcher.Record {
	return matcher.Record{Feature: catalogue.FeatureID(feature), Start: start, End: end, Text: text, Captures: captures}
}

// -- Expand --

func TestExpand(t *testing.T) {
	r := record("f", 0, 7, "x.at(1)", "x", "1")
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"NoPlaceholders", "plain()", "plain()"},
		{"Positional", "$1[$2]", "x[1]"},
		{"Repeated", "$1 + $1", "x + x"},
		{"MissingCaptureIsEmpty", "f($3)", "f()"},
		{"WholeMatch", "/* $& */", "/* x.at(1) */"},
		{"EscapedDollar", "$$1", "$1"},
		{"TrailingDollar", "cost$", "cost$"},
		{"UnknownPlaceholderVerbatim", "$x$0", "$x$0"},
		{"SingleDigitOnly", "$10", "x0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expand(tt.template, r))
		})
	}
}

func TestApply_ReplaceAll(t *testing.T) {
	src := `const clean = text.replaceAll("foo", "bar");`
	r := record("string-replaceall", 14, 43, `text.replaceAll("foo", "bar")`, "text", `"foo"`, `"bar"`)
	require.Equal(t, r.Text, src[r.Start:r.End])

	tr := Apply(r, catalogue.RewriteRule{
		Template:    `$1.replace(new RegExp($2, "g"), $3)`,
		Explanation: "replaceAll is not available everywhere",
	})
	assert.Equal(t, `text.replace(new RegExp("foo", "g"), "bar")`, tr.Replacement)
	assert.Equal(t, r.Text, tr.Original)
	assert.Equal(t, "replaceAll is not available everywhere", tr.Explanation)

	out, err := Splice([]byte(src), []Transformation{tr})
	require.NoError(t, err)
	assert.Equal(t, `const clean = text.replace(new RegExp("foo", "g"), "bar");`, string(out))
}

func TestApply_StatementGuard(t *testing.T) {
	tests := []struct {
		name     string
		leads    bool
		template string
		want     string
	}{
		{"LeadingBracket", true, "[...$1].reverse()", ";[...arr].reverse()"},
		{"LeadingParen", true, "(($1))", ";((arr))"},
		{"LeadingBacktick", true, "`${$1}`", ";`${arr}`"},
		{"IdentifierNeedsNoGuard", true, "Array.from($1)", "Array.from(arr)"},
		{"NotAtStatementStart", false, "[...$1].reverse()", "[...arr].reverse()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := record("f", 12, 24, "arr.toRev()", "arr")
			r.LeadsStatement = tt.leads
			assert.Equal(t, tt.want, Apply(r, catalogue.RewriteRule{Template: tt.template}).Replacement)
		})
	}
}

// -- Resolve --

func TestResolve(t *testing.T) {
	outer := record("outer", 0, 20, "")
	outer.Order = 1
	inner := record("inner", 5, 10, "")
	later := record("later", 20, 25, "")
	straddle := record("straddle", 18, 22, "")

	kept, dropped := Resolve([]matcher.Record{later, inner, straddle, outer})

	assert.Equal(t, []catalogue.FeatureID{"outer", "later"}, []catalogue.FeatureID{kept[0].Feature, kept[1].Feature})
	want := []Dropped{
		{Feature: "inner", Start: 5, End: 10, WinnerFeature: "outer", WinnerStart: 0, WinnerEnd: 20},
		{Feature: "straddle", Start: 18, End: 22, WinnerFeature: "outer", WinnerStart: 0, WinnerEnd: 20},
	}
	if diff := cmp.Diff(want, dropped); diff != "" {
		t.Errorf("dropped mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_EarlierStartWins(t *testing.T) {
	a := record("a", 0, 10, "")
	b := record("b", 5, 15, "")
	kept, dropped := Resolve([]matcher.Record{b, a})
	require.Len(t, kept, 1)
	assert.Equal(t, catalogue.FeatureID("a"), kept[0].Feature)
	require.Len(t, dropped, 1)
	assert.Equal(t, catalogue.FeatureID("b"), dropped[0].Feature)
}

func TestResolve_AdjacentRangesAreDisjoint(t *testing.T) {
	kept, dropped := Resolve([]matcher.Record{record("a", 0, 5, ""), record("b", 5, 9, "")})
	assert.Len(t, kept, 2)
	assert.Empty(t, dropped)
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	in := []matcher.Record{record("b", 5, 6, ""), record("a", 0, 1, "")}
	_, _ = Resolve(in)
	assert.Equal(t, catalogue.FeatureID("b"), in[0].Feature)
}

// -- Splice --

func TestSplice_BackToFront(t *testing.T) {
	src := []byte("aa bb cc")
	ts := []Transformation{
		{Feature: "x", Start: 0, End: 2, Original: "aa", Replacement: "AAAA"},
		{Feature: "y", Start: 6, End: 8, Original: "cc", Replacement: ""},
		{Feature: "z", Start: 3, End: 5, Original: "bb", Replacement: "b"},
	}
	out, err := Splice(src, ts)
	require.NoError(t, err)
	assert.Equal(t, "AAAA b ", string(out))
	assert.Equal(t, "aa bb cc", string(src), "input must not be modified")
}

func TestSplice_Errors(t *testing.T) {
	src := []byte("0123456789")
	tests := []struct {
		name string
		ts   []Transformation
		want error
	}{
		{"Overlap", []Transformation{
			{Start: 0, End: 5, Original: "01234"},
			{Start: 4, End: 6, Original: "45"},
		}, ErrOverlap},
		{"SameStart", []Transformation{
			{Start: 2, End: 2},
			{Start: 2, End: 4, Original: "23"},
		}, ErrOverlap},
		{"OutOfRange", []Transformation{{Start: 8, End: 12}}, ErrOutOfRange},
		{"Inverted", []Transformation{{Start: 5, End: 4}}, ErrOutOfRange},
		{"Stale", []Transformation{{Start: 0, End: 2, Original: "ab"}}, ErrStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Splice(src, tt.ts)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestSplice_Empty(t *testing.T) {
	out, err := Splice([]byte("abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

// FuzzResolveSplice checks that resolved records always splice cleanly and
// that the output length accounts exactly for every replacement.
func FuzzResolveSplice(f *testing.F) {
	f.Add([]byte("seed-data-for-spans"))
	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		src, err := c.GetBytes()
		if err != nil || len(src) == 0 {
			return
		}
		n, err := c.GetInt()
		if err != nil {
			return
		}
		n = n%16 + 1
		if n < 1 {
			n = 1
		}

		var records []matcher.Record
		for i := 0; i < n; i++ {
			a, err1 := c.GetInt()
			b, err2 := c.GetInt()
			repl, err3 := c.GetString()
			if err1 != nil || err2 != nil || err3 != nil {
				break
			}
			start := abs(a) % (len(src) + 1)
			end := start + abs(b)%(len(src)-start+1)
			if end == start {
				continue
			}
			r := record("f", start, end, string(src[start:end]), repl)
			r.Order = i
			records = append(records, r)
		}

		kept, dropped := Resolve(records)
		require.Equal(t, len(records), len(kept)+len(dropped))

		ts := make([]Transformation, len(kept))
		delta := 0
		for i, r := range kept {
			ts[i] = Apply(r, catalogue.RewriteRule{Template: "$1"})
			delta += len(ts[i].Replacement) - (r.End - r.Start)
		}
		out, err := Splice(src, ts)
		require.NoError(t, err)
		assert.Equal(t, len(src)+delta, len(out))
	})
}

func abs(n int) int {
	if n < 0 {
		if n == -n {
			return 0
		}
		return -n
	}
	return n
}
