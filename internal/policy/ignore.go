package policy

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// builtinIgnores always apply, independent of any ignore file.
var builtinIgnores = []string{
	".git/**",
	".git",
	".cfshare/**",
	".openclaw/**",
}

// IgnoreMatcher decides whether an input path is excluded from expose-files.
// Patterns follow .gitignore semantics for the documented subset: `*` and
// `?` globs, `**` spanning segments, a trailing `/` marking directories, and
// `!` negation. Sources, in order: built-in patterns, <stateDir>/policy.ignore,
// and the current working directory's .gitignore.
type IgnoreMatcher struct {
	rules []ignoreRule
	cwd   string
}

type ignoreRule struct {
	pattern string
	negate  bool
}

// NewIgnoreMatcher compiles the matcher for stateDir. Missing ignore files
// are not an error.
func NewIgnoreMatcher(stateDir string) (*IgnoreMatcher, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	m := &IgnoreMatcher{cwd: cwd}
	for _, p := range builtinIgnores {
		m.rules = append(m.rules, ignoreRule{pattern: p})
	}
	if err := m.loadFile(filepath.Join(stateDir, IgnoreFile)); err != nil {
		return nil, err
	}
	if err := m.loadFile(filepath.Join(cwd, ".gitignore")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *IgnoreMatcher) loadFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule := ignoreRule{}
		if strings.HasPrefix(line, "!") {
			rule.negate = true
			line = strings.TrimPrefix(line, "!")
		}
		rule.pattern = strings.TrimPrefix(line, "/")
		m.rules = append(m.rules, rule)
	}
	return sc.Err()
}

// Blocked reports whether p is excluded. A path is blocked if any candidate
// form of it (relative to CWD, relative to the filesystem root, or its bare
// basename) matches a non-negated rule that is not later negated.
func (m *IgnoreMatcher) Blocked(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}

	var candidates []string
	if rel, err := filepath.Rel(m.cwd, abs); err == nil && !strings.HasPrefix(rel, "..") {
		candidates = append(candidates, filepath.ToSlash(rel))
	}
	candidates = append(candidates,
		filepath.ToSlash(strings.TrimPrefix(abs, string(filepath.Separator))),
		filepath.Base(abs),
	)

	blocked := false
	for _, rule := range m.rules {
		for _, cand := range candidates {
			if matchIgnore(rule.pattern, cand) {
				blocked = !rule.negate
				break
			}
		}
	}
	return blocked
}

// matchIgnore matches a gitignore-style pattern against a slash-separated
// candidate path.
func matchIgnore(pattern, candidate string) bool {
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		return false
	}

	// A pattern without a slash matches the basename at any depth.
	if !strings.Contains(pattern, "/") {
		if ok, _ := path.Match(pattern, path.Base(candidate)); ok {
			return true
		}
		// It also matches any leading directory segment of the candidate.
		for _, seg := range strings.Split(candidate, "/") {
			if ok, _ := path.Match(pattern, seg); ok {
				return true
			}
		}
		return false
	}

	if matchSegments(strings.Split(pattern, "/"), strings.Split(candidate, "/")) {
		return true
	}
	// A directory pattern covers everything beneath it.
	if dirOnly || !strings.HasSuffix(pattern, "**") {
		return matchSegments(strings.Split(pattern+"/**", "/"), strings.Split(candidate, "/"))
	}
	return false
}

// matchSegments matches pattern segments against path segments, with `**`
// spanning zero or more segments.
func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if ok, _ := path.Match(pat[0], segs[0]); !ok {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}
