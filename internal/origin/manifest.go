package origin

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openclaw/cfshare/internal/netutil"
	"github.com/openclaw/cfshare/internal/policy"
)

// BundleFile is the on-disk name of the zip bundle inside a workspace.
const BundleFile = "_cfshare_bundle.zip"

// BundleEntryName is the manifest name the bundle is served under.
const BundleEntryName = "download.zip"

// ManifestEntry describes one servable file in a workspace.
type ManifestEntry struct {
	Name        string    `json:"name"` // workspace-relative, POSIX separators
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	RelativeURL string    `json:"relative_url"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// InputSummary reports how one user input landed in the workspace.
type InputSummary struct {
	Input    string `json:"input"`
	CopiedAs string `json:"copied_as"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
}

// Input rejection causes, wrapped into the errors CopyInputs returns.
var (
	ErrInputIgnored      = errors.New("path is ignored by policy")
	ErrInputOutsideRoots = errors.New("path is outside allowed roots")
	ErrInputBadType      = errors.New("path is neither a file nor a directory")
)

// CopyInputs resolves, validates, and copies each input into workspaceDir.
// Symlinks are followed before validation. Name collisions in the workspace
// are resolved with _1, _2, ... suffixes.
func CopyInputs(inputs []string, workspaceDir string, matcher *policy.IgnoreMatcher, roots []string) ([]InputSummary, error) {
	taken := make(map[string]bool)
	summaries := make([]InputSummary, 0, len(inputs))

	for _, input := range inputs {
		resolved, err := filepath.EvalSymlinks(input)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve %q: %w", input, err)
		}
		if matcher != nil && matcher.Blocked(resolved) {
			return nil, fmt.Errorf("%q: %w", input, ErrInputIgnored)
		}
		if len(roots) > 0 && !containedInAny(resolved, roots) {
			return nil, fmt.Errorf("%q: %w", input, ErrInputOutsideRoots)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("cannot stat %q: %w", input, err)
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil, fmt.Errorf("%q: %w", input, ErrInputBadType)
		}

		base := uniqueName(netutil.SanitizeFilename(filepath.Base(resolved)), taken)
		dst := filepath.Join(workspaceDir, base)

		summary := InputSummary{Input: input, CopiedAs: base}
		if info.IsDir() {
			if err := copyTree(resolved, dst, matcher, &summary); err != nil {
				return nil, err
			}
		} else {
			n, err := copyFile(resolved, dst)
			if err != nil {
				return nil, err
			}
			summary.Files = 1
			summary.Bytes = n
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func containedInAny(p string, roots []string) bool {
	for _, root := range roots {
		if netutil.IsSubPath(p, root) {
			return true
		}
	}
	return false
}

func uniqueName(base string, taken map[string]bool) string {
	name := base
	for i := 1; taken[name]; i++ {
		ext := filepath.Ext(base)
		name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), i, ext)
	}
	taken[name] = true
	return name
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, in)
}

// copyTree copies a directory, skipping entries the ignore matcher blocks
// and anything that is not a regular file or directory.
func copyTree(src, dst string, matcher *policy.IgnoreMatcher, summary *InputSummary) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if matcher != nil && p != src && matcher.Blocked(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		n, err := copyFile(p, target)
		if err != nil {
			return err
		}
		summary.Files++
		summary.Bytes += n
		return nil
	})
}

// BuildManifest walks workspaceDir and catalogs every regular file, bundle
// excluded. Entries come back sorted by name.
func BuildManifest(workspaceDir string) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	err := filepath.WalkDir(workspaceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(workspaceDir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == BundleFile {
			return nil
		}
		entry, err := manifestEntry(p, name)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func manifestEntry(path, name string) (ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return ManifestEntry{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return ManifestEntry{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return ManifestEntry{}, err
	}
	return ManifestEntry{
		Name:        name,
		Size:        size,
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		RelativeURL: "/" + escapePath(name),
		ModifiedAt:  info.ModTime(),
	}, nil
}

// escapePath URL-encodes each path segment, keeping separators.
func escapePath(name string) string {
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// WriteBundle zips every manifest entry into the workspace bundle and
// returns the manifest entry for the bundle itself.
func WriteBundle(workspaceDir string, entries []ManifestEntry) (ManifestEntry, error) {
	bundlePath := filepath.Join(workspaceDir, BundleFile)
	f, err := os.OpenFile(bundlePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return ManifestEntry{}, err
	}

	zw := zip.NewWriter(f)
	for _, entry := range entries {
		src, err := os.Open(filepath.Join(workspaceDir, filepath.FromSlash(entry.Name)))
		if err != nil {
			zw.Close()
			f.Close()
			return ManifestEntry{}, err
		}
		w, err := zw.Create(entry.Name)
		if err == nil {
			_, err = io.Copy(w, src)
		}
		src.Close()
		if err != nil {
			zw.Close()
			f.Close()
			return ManifestEntry{}, err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return ManifestEntry{}, err
	}
	if err := f.Close(); err != nil {
		return ManifestEntry{}, err
	}

	bundle, err := manifestEntry(bundlePath, BundleEntryName)
	if err != nil {
		return ManifestEntry{}, err
	}
	return bundle, nil
}
