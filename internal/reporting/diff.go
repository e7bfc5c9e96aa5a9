package reporting

import (
	"github.com/pmezard/go-difflib/difflib"
)

// UnifiedDiff renders the change from before to after as a git-style unified
// diff with three lines of context. Identical inputs yield "".
func UnifiedDiff(path string, before, after []byte) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
}
