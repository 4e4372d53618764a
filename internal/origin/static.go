package origin

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/openclaw/cfshare/internal/access"
	"github.com/openclaw/cfshare/internal/metrics"
	"github.com/openclaw/cfshare/internal/netutil"
	"github.com/openclaw/cfshare/internal/session"
)

// Presentation modes for files-mode exposures.
const (
	PresentPreview  = "preview"
	PresentDownload = "download"
	PresentRaw      = "raw"
)

// StaticConfig configures a static file origin over a prepared workspace.
type StaticConfig struct {
	Dir          string
	Entries      []ManifestEntry // workspace files, bundle excluded
	Bundle       *ManifestEntry  // set in zip mode
	Presentation string
	ZipMode      bool
	Session      *session.Session
	Guard        *Guard
	Clock        clockwork.Clock
	MaxDownloads int64
	OnQuota      func() // called (async) when the download quota is reached
	Renderer     Renderer
}

// StartStatic starts the file origin on a fresh loopback port.
func StartStatic(cfg StaticConfig) (*Server, error) {
	if cfg.Renderer == nil {
		cfg.Renderer = RenderExplorer
	}
	o := &staticOrigin{cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/", o.handleRoot)
	r.HandleFunc("/{path:.*}", o.handlePath)
	return serve(o.wrap(r))
}

type staticOrigin struct {
	cfg StaticConfig
}

// wrap applies stats, the method check, and the guard ahead of routing.
func (o *staticOrigin) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := o.cfg.Clock.Now()
		o.cfg.Session.RecordRequest(now)
		metrics.OriginRequests.Inc()

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			access.WriteError(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method_not_allowed"})
			return
		}
		if !o.cfg.Guard.Check(w, r, o.cfg.Session, now) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (o *staticOrigin) handleRoot(w http.ResponseWriter, r *http.Request) {
	if o.cfg.ZipMode {
		o.renderPage(w, r, RenderZipIndex(o.cfg.Bundle, o.cfg.Entries))
		return
	}
	if o.cfg.Presentation == PresentPreview && len(o.cfg.Entries) == 1 {
		o.serveEntry(w, r, o.cfg.Entries[0])
		return
	}
	page, err := o.cfg.Renderer(o.cfg.Entries)
	if err != nil {
		o.cfg.Session.AppendLog(o.cfg.Clock.Now(), "origin", fmt.Sprintf("explorer render failed: %v", err))
		access.WriteError(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal_error"})
		return
	}
	o.renderPage(w, r, page)
}

func (o *staticOrigin) renderPage(w http.ResponseWriter, r *http.Request, page []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(page)))
	if r.Method == http.MethodHead {
		return
	}
	w.Write(page)
	o.cfg.Session.AddBytes(int64(len(page)))
	metrics.BytesSent.Add(float64(len(page)))
}

func (o *staticOrigin) handlePath(w http.ResponseWriter, r *http.Request) {
	// The router already decoded the request path once; decoding again
	// would mangle names containing a literal percent.
	name := mux.Vars(r)["path"]

	if o.cfg.ZipMode && name == BundleEntryName {
		o.serveBundle(w, r)
		return
	}

	full := filepath.Join(o.cfg.Dir, filepath.FromSlash(name))
	if !netutil.IsSubPath(full, o.cfg.Dir) {
		o.notFound(w)
		return
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() || filepath.Base(full) == BundleFile {
		o.notFound(w)
		return
	}
	o.serveFile(w, r, full, filepath.Base(full))
}

func (o *staticOrigin) serveEntry(w http.ResponseWriter, r *http.Request, entry ManifestEntry) {
	o.serveFile(w, r, filepath.Join(o.cfg.Dir, filepath.FromSlash(entry.Name)), filepath.Base(entry.Name))
}

func (o *staticOrigin) serveBundle(w http.ResponseWriter, r *http.Request) {
	full := filepath.Join(o.cfg.Dir, BundleFile)
	info, err := os.Stat(full)
	if err != nil {
		o.notFound(w)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition", contentDisposition("attachment", BundleEntryName))
	o.sendFileBody(w, r, full, info.Size())
}

func (o *staticOrigin) serveFile(w http.ResponseWriter, r *http.Request, full, displayName string) {
	info, err := os.Stat(full)
	if err != nil {
		o.notFound(w)
		return
	}

	ext := strings.ToLower(filepath.Ext(full))
	if o.cfg.Presentation == PresentPreview && isMarkdownExt(ext) {
		o.serveMarkdown(w, r, full, displayName)
		return
	}

	ctype := mime.TypeByExtension(ext)
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	if o.cfg.Presentation == PresentRaw && isTextLike(ctype) {
		ctype = "text/plain; charset=utf-8"
	}

	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	switch o.cfg.Presentation {
	case PresentRaw:
		// no disposition
	case PresentDownload:
		w.Header().Set("Content-Disposition", contentDisposition("attachment", displayName))
	default:
		w.Header().Set("Content-Disposition", contentDisposition("inline", displayName))
	}

	o.sendFileBody(w, r, full, info.Size())
}

// sendFileBody handles range negotiation, the HEAD short-circuit, and
// download accounting for a regular-file response.
func (o *staticOrigin) sendFileBody(w http.ResponseWriter, r *http.Request, full string, size int64) {
	start, end := int64(0), size-1
	status := http.StatusOK

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		var ok bool
		start, end, ok = parseRange(rangeHeader, size)
		if !ok {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			access.WriteError(w, http.StatusRequestedRangeNotSatisfiable, map[string]interface{}{"error": "invalid_range"})
			return
		}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}

	length := end - start + 1
	if size == 0 {
		length = 0
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	f, err := os.Open(full)
	if err != nil {
		return // headers already sent, end the stream
	}
	defer f.Close()
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return
		}
	}
	n, _ := io.CopyN(w, f, length)
	o.finishDownload(n)
}

// finishDownload records accounting for a successful body and triggers the
// async quota stop when the configured bound is reached.
func (o *staticOrigin) finishDownload(bytes int64) {
	o.cfg.Session.AddBytes(bytes)
	metrics.BytesSent.Add(float64(bytes))
	metrics.Downloads.Inc()
	count := o.cfg.Session.RecordDownload()
	if o.cfg.MaxDownloads > 0 && count >= o.cfg.MaxDownloads && o.cfg.OnQuota != nil {
		go o.cfg.OnQuota()
	}
}

func (o *staticOrigin) notFound(w http.ResponseWriter) {
	access.WriteError(w, http.StatusNotFound, map[string]interface{}{"error": "not_found"})
}

// parseRange parses a single "bytes=a-b" range. Per the serving contract, a
// missing start means 0 and a missing end means size-1.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	a, b, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return 0, 0, false
	}

	start = 0
	if a != "" {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		start = v
	}
	end = size - 1
	if b != "" {
		v, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		end = v
	}
	if start < 0 || start > end || end >= size {
		return 0, 0, false
	}
	return start, end, true
}

// contentDisposition renders a disposition header with an RFC 5987 encoded
// filename alongside the plain fallback.
func contentDisposition(kind, filename string) string {
	safe := strings.ReplaceAll(filename, `"`, "_")
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, kind, safe, url.PathEscape(filename))
}

func isMarkdownExt(ext string) bool {
	return ext == ".md" || ext == ".rmd" || ext == ".qmd"
}

// isTextLike reports whether a MIME type should collapse to text/plain in
// raw presentation.
func isTextLike(ctype string) bool {
	base := ctype
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if strings.HasPrefix(base, "text/") {
		return true
	}
	switch base {
	case "application/json", "application/xml", "application/javascript",
		"application/x-sh", "application/x-yaml", "application/toml",
		"application/x-httpd-php", "image/svg+xml":
		return true
	}
	return strings.HasSuffix(base, "+json") || strings.HasSuffix(base, "+xml")
}
