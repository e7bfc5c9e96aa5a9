// internal/discovery/discovery.go
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	ignore "github.com/sabhiram/go-gitignore"
	"go.uber.org/zap"

	"github.com/lokashrinav/guardian-toolkit/internal/parse"
)

// alwaysSkipped directories are never descended into.
var alwaysSkipped = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// Options controls a single expansion.
type Options struct {
	// Include decides whether a walked file is a candidate. Defaults to
	// parse.Supported. Explicitly named files bypass it.
	Include func(path string) bool
	// NoGitignore disables .gitignore handling at the walk root.
	NoGitignore bool
	Logger      *zap.Logger
}

// Expand resolves pattern to a sorted, de-duplicated list of file paths.
//
// An existing file yields itself. An existing directory is walked
// recursively. Anything else is treated as a glob ('*' stays within a path
// segment, '**' crosses segments) and walked from its longest literal prefix
// directory. An unreadable walk root is an error; an empty result is not.
func Expand(pattern string, opts Options) ([]string, error) {
	if opts.Include == nil {
		opts.Include = parse.Supported
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("discovery")

	if !hasMeta(pattern) {
		info, err := os.Stat(pattern)
		if err != nil {
			return nil, fmt.Errorf("cannot read target %q: %w", pattern, err)
		}
		if !info.IsDir() {
			return []string{filepath.Clean(pattern)}, nil
		}
		return walk(filepath.Clean(pattern), func(string) bool { return true }, opts, logger)
	}

	slashed := path.Clean(filepath.ToSlash(pattern))
	m, err := compile(slashed)
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	root := filepath.FromSlash(staticPrefix(slashed))
	return walk(root, func(p string) bool { return m(filepath.ToSlash(p)) }, opts, logger)
}

func walk(root string, match func(string) bool, opts Options, logger *zap.Logger) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot read target %q: %w", root, err)
	}
	if !info.IsDir() {
		if match(root) && opts.Include(root) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var gi *ignore.GitIgnore
	if !opts.NoGitignore {
		gi = loadGitignore(root, logger)
	}

	var out []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			logger.Warn("Skipping unreadable path", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}

		if d.IsDir() && alwaysSkipped[d.Name()] {
			return filepath.SkipDir
		}
		if gi != nil {
			rel, relErr := filepath.Rel(root, p)
			if relErr == nil {
				candidate := filepath.ToSlash(rel)
				if d.IsDir() {
					candidate += "/"
				}
				if gi.MatchesPath(candidate) {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
			}
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if match(p) && opts.Include(p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot read target %q: %w", root, err)
	}

	sort.Strings(out)
	return dedupe(out), nil
}

func loadGitignore(root string, logger *zap.Logger) *ignore.GitIgnore {
	p := filepath.Join(root, ".gitignore")
	gi, err := ignore.CompileIgnoreFile(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Ignoring unreadable .gitignore", zap.String("path", p), zap.Error(err))
		}
		return nil
	}
	return gi
}

// compile returns a matcher for a slash-separated glob. "a/**/b" also matches
// "a/b".
func compile(pattern string) (func(string) bool, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	matchers := []glob.Glob{g}

	collapsed := strings.ReplaceAll(pattern, "/**/", "/")
	collapsed = strings.TrimPrefix(collapsed, "**/")
	if collapsed != pattern {
		alt, err := glob.Compile(collapsed, '/')
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, alt)
	}

	return func(s string) bool {
		for _, m := range matchers {
			if m.Match(s) {
				return true
			}
		}
		return false
	}, nil
}

// staticPrefix returns the directory made of the pattern's leading segments
// that contain no glob syntax.
func staticPrefix(pattern string) string {
	segments := strings.Split(pattern, "/")
	var literal []string
	for _, seg := range segments[:len(segments)-1] {
		if hasMeta(seg) {
			break
		}
		literal = append(literal, seg)
	}
	switch {
	case len(literal) == 0:
		return "."
	case len(literal) == 1 && literal[0] == "":
		return "/"
	}
	return strings.Join(literal, "/")
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func dedupe(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
