package origin

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/cfshare/internal/access"
	"github.com/openclaw/cfshare/internal/policy"
	"github.com/openclaw/cfshare/internal/session"
)

type staticFixture struct {
	server *Server
	sess   *session.Session
	dir    string
}

func (f *staticFixture) url(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", f.server.Port, path)
}

func startStaticFixture(t *testing.T, mutate func(cfg *StaticConfig)) *staticFixture {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hello.txt"), "hello world")
	writeFile(t, filepath.Join(dir, "data", "payload.json"), `{"ok":true}`)

	entries, err := BuildManifest(dir)
	require.NoError(t, err)

	sess := &session.Session{ID: "share_test", Type: session.TypeFiles}
	cfg := StaticConfig{
		Dir:          dir,
		Entries:      entries,
		Presentation: PresentPreview,
		Session:      sess,
		Clock:        clockwork.NewRealClock(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := StartStatic(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return &staticFixture{server: srv, sess: sess, dir: dir}
}

func getBody(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestStaticExplorerListsFiles(t *testing.T) {
	f := startStaticFixture(t, nil)

	resp, body := getBody(t, f.url("/"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, "hello.txt")
	assert.Contains(t, body, "data/payload.json")

	stats := f.sess.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.Greater(t, stats.BytesSent, int64(0))
}

func TestStaticSingleFilePreviewAtRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "only.txt"), "just me")
	entries, err := BuildManifest(dir)
	require.NoError(t, err)

	sess := &session.Session{ID: "share_one", Type: session.TypeFiles}
	srv, err := StartStatic(StaticConfig{
		Dir: dir, Entries: entries, Presentation: PresentPreview,
		Session: sess, Clock: clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	defer srv.Close()

	resp, body := getBody(t, fmt.Sprintf("http://127.0.0.1:%d/", srv.Port))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "just me", body)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "inline")
}

func TestStaticServeFileHeaders(t *testing.T) {
	f := startStaticFixture(t, nil)

	resp, body := getBody(t, f.url("/hello.txt"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", body)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `inline; filename="hello.txt"`)
}

func TestStaticDownloadPresentation(t *testing.T) {
	f := startStaticFixture(t, func(cfg *StaticConfig) { cfg.Presentation = PresentDownload })

	resp, _ := getBody(t, f.url("/hello.txt"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
}

func TestStaticRawPresentation(t *testing.T) {
	f := startStaticFixture(t, func(cfg *StaticConfig) { cfg.Presentation = PresentRaw })

	resp, _ := getBody(t, f.url("/data/payload.json"))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Content-Disposition"))
}

func TestStaticRangeRequests(t *testing.T) {
	f := startStaticFixture(t, nil)

	req, _ := http.NewRequest(http.MethodGet, f.url("/hello.txt"), nil)
	req.Header.Set("Range", "bytes=0-4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "bytes 0-4/11", resp.Header.Get("Content-Range"))

	// Open-ended suffix.
	req.Header.Set("Range", "bytes=6-")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "world", string(body))

	// Unsatisfiable range.
	req.Header.Set("Range", "bytes=50-60")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */11", resp.Header.Get("Content-Range"))

	var errBody map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "invalid_range", errBody["error"])
}

func TestStaticHeadOmitsBody(t *testing.T) {
	f := startStaticFixture(t, nil)

	resp, err := http.Head(f.url("/hello.txt"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "11", resp.Header.Get("Content-Length"))

	// HEAD must not count as a download.
	assert.Equal(t, int64(0), f.sess.Stats().Downloads)
}

func TestStaticNotFound(t *testing.T) {
	f := startStaticFixture(t, nil)

	resp, body := getBody(t, f.url("/no-such-file.txt"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "not_found")

	// The bundle file itself is never directly addressable.
	resp, _ = getBody(t, f.url("/"+BundleFile))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStaticServesPercentFileName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sub", "100%.txt"), "percent body")

	entries, err := BuildManifest(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "/sub/100%25.txt", entries[0].RelativeURL)

	sess := &session.Session{ID: "share_pct", Type: session.TypeFiles}
	srv, err := StartStatic(StaticConfig{
		Dir:          dir,
		Entries:      entries,
		Presentation: PresentDownload,
		Session:      sess,
		Clock:        clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	// The manifest URL must round-trip back to the file it names.
	resp, body := getBody(t, fmt.Sprintf("http://127.0.0.1:%d%s", srv.Port, entries[0].RelativeURL))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "percent body", body)
}

func TestStaticMethodNotAllowed(t *testing.T) {
	f := startStaticFixture(t, nil)

	resp, err := http.Post(f.url("/hello.txt"), "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStaticGuardToken(t *testing.T) {
	guard := &Guard{Access: &access.State{Mode: policy.AccessToken, Token: "sekrit-token-1", ProtectOrigin: true}}
	f := startStaticFixture(t, func(cfg *StaticConfig) { cfg.Guard = guard })

	resp, body := getBody(t, f.url("/hello.txt"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "unauthorized")

	resp, body = getBody(t, f.url("/hello.txt?token=sekrit-token-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", body)
}

func TestStaticGuardAllowlist(t *testing.T) {
	guard := &Guard{Allowlist: access.Allowlist{"/data"}}
	f := startStaticFixture(t, func(cfg *StaticConfig) { cfg.Guard = guard })

	resp, body := getBody(t, f.url("/hello.txt"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "path_not_allowed")

	resp, _ = getBody(t, f.url("/data/payload.json"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStaticGuardRateLimit(t *testing.T) {
	limiter := access.NewRateLimiter(policy.RateLimitPolicy{Enabled: true, WindowMS: 60000, MaxRequests: 2}, clockwork.NewRealClock())
	f := startStaticFixture(t, func(cfg *StaticConfig) { cfg.Guard = &Guard{Limiter: limiter} })

	for i := 0; i < 2; i++ {
		resp, _ := getBody(t, f.url("/hello.txt"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := getBody(t, f.url("/hello.txt"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body, "rate_limited")
}

func TestStaticZipMode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	writeFile(t, filepath.Join(dir, "b.txt"), "bravo")

	entries, err := BuildManifest(dir)
	require.NoError(t, err)
	bundle, err := WriteBundle(dir, entries)
	require.NoError(t, err)

	sess := &session.Session{ID: "share_zip", Type: session.TypeFiles}
	srv, err := StartStatic(StaticConfig{
		Dir: dir, Entries: entries, Bundle: &bundle, ZipMode: true,
		Presentation: PresentDownload, Session: sess, Clock: clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	defer srv.Close()

	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Port)

	resp, body := getBody(t, base+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, BundleEntryName)

	resp, body = getBody(t, base+"/"+BundleEntryName)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, body)

	// Individual files stay reachable in zip mode.
	resp, _ = getBody(t, base+"/a.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStaticDownloadQuota(t *testing.T) {
	var quotaHits atomic.Int32
	f := startStaticFixture(t, func(cfg *StaticConfig) {
		cfg.MaxDownloads = 2
		cfg.OnQuota = func() { quotaHits.Add(1) }
	})

	for i := 0; i < 2; i++ {
		resp, _ := getBody(t, f.url("/hello.txt"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	require.Eventually(t, func() bool { return quotaHits.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), f.sess.Stats().Downloads)
}

func TestStaticMarkdownPreview(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "readme.md"), "---\ntitle: hidden\n---\n# Heading\n\nbody text\n")
	writeFile(t, filepath.Join(dir, "other.txt"), "x")
	entries, err := BuildManifest(dir)
	require.NoError(t, err)

	sess := &session.Session{ID: "share_md", Type: session.TypeFiles}
	srv, err := StartStatic(StaticConfig{
		Dir: dir, Entries: entries, Presentation: PresentPreview,
		Session: sess, Clock: clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	defer srv.Close()

	resp, body := getBody(t, fmt.Sprintf("http://127.0.0.1:%d/readme.md", srv.Port))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, "<h1")
	assert.Contains(t, body, "Heading")
	// Front matter never renders.
	assert.NotContains(t, body, "title: hidden")
}

func TestStaticPathTraversalBlocked(t *testing.T) {
	f := startStaticFixture(t, nil)
	secret := filepath.Join(filepath.Dir(f.dir), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o600))

	req, err := http.NewRequest(http.MethodGet, f.url("/"), nil)
	require.NoError(t, err)
	req.URL.Path = "/../secret.txt"
	req.URL.RawPath = "/..%2Fsecret.txt"

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}
