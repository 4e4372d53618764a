package origin

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/openclaw/cfshare/internal/access"
)

// Renderer turns a manifest into the explorer page bytes. The origin does
// not care which template variant produced them.
type Renderer func(entries []ManifestEntry) ([]byte, error)

var explorerTmpl = template.Must(template.New("explorer").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>cfshare</title>
<style>
body{font-family:system-ui,sans-serif;margin:2rem;color:#222}
table{border-collapse:collapse;width:100%}
td,th{padding:.4rem .8rem;border-bottom:1px solid #ddd;text-align:left}
a{color:#0366d6;text-decoration:none}
.size{color:#666;white-space:nowrap}
</style></head>
<body>
<h1>Shared files</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Modified</th></tr>
{{range .}}<tr><td><a href="{{.RelativeURL}}">{{.Name}}</a></td><td class="size">{{.Size}} B</td><td>{{.ModifiedAt.Format "2006-01-02 15:04"}}</td></tr>
{{end}}</table>
</body>
</html>
`))

var zipIndexTmpl = template.Must(template.New("zipindex").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>cfshare</title>
<style>body{font-family:system-ui,sans-serif;margin:2rem;color:#222}a{color:#0366d6}</style>
</head>
<body>
<h1>Shared bundle</h1>
<p><a href="/download.zip">download.zip</a> ({{.Size}} bytes, {{.Count}} files)</p>
</body>
</html>
`))

var markdownTmpl = template.Must(template.New("markdown").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:system-ui,sans-serif;max-width:48rem;margin:2rem auto;padding:0 1rem;color:#222;line-height:1.6}pre{background:#f6f8fa;padding:1rem;overflow-x:auto}code{background:#f6f8fa;padding:.1rem .3rem}</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// RenderExplorer is the default explorer renderer.
func RenderExplorer(entries []ManifestEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := explorerTmpl.Execute(&buf, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderZipIndex renders the zip-mode index page.
func RenderZipIndex(bundle *ManifestEntry, files []ManifestEntry) []byte {
	var size int64
	if bundle != nil {
		size = bundle.Size
	}
	var buf bytes.Buffer
	zipIndexTmpl.Execute(&buf, struct {
		Size  int64
		Count int
	}{Size: size, Count: len(files)})
	return buf.Bytes()
}

// serveMarkdown renders a markdown file as HTML, stripping any leading YAML
// front-matter block first.
func (o *staticOrigin) serveMarkdown(w http.ResponseWriter, r *http.Request, full, displayName string) {
	raw, err := os.ReadFile(full)
	if err != nil {
		o.notFound(w)
		return
	}

	var html bytes.Buffer
	if err := goldmark.Convert(stripFrontMatter(raw), &html); err != nil {
		o.cfg.Session.AppendLog(o.cfg.Clock.Now(), "origin", fmt.Sprintf("markdown render failed for %s: %v", displayName, err))
		access.WriteError(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal_error"})
		return
	}

	var page bytes.Buffer
	markdownTmpl.Execute(&page, struct {
		Title string
		Body  template.HTML
	}{Title: displayName, Body: template.HTML(html.String())})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(page.Len()))
	if r.Method == http.MethodHead {
		return
	}
	n, _ := page.WriteTo(w)
	o.finishDownload(n)
}

// stripFrontMatter removes a leading `---` delimited YAML block.
func stripFrontMatter(content []byte) []byte {
	s := string(content)
	if !strings.HasPrefix(s, "---\n") && !strings.HasPrefix(s, "---\r\n") {
		return content
	}
	rest := s[strings.Index(s, "\n")+1:]
	for _, delim := range []string{"\n---\n", "\n---\r\n", "\r\n---\r\n"} {
		if i := strings.Index(rest, delim); i >= 0 {
			return []byte(rest[i+len(delim):])
		}
	}
	// Unterminated front matter, leave the document as-is.
	return content
}
