package manager

import (
	"net/http"
	"time"

	"github.com/openclaw/cfshare/internal/access"
	"github.com/openclaw/cfshare/internal/audit"
	"github.com/openclaw/cfshare/internal/policy"
	"github.com/openclaw/cfshare/internal/session"
)

const (
	// singleManifestCap bounds manifest items for a single-session get.
	singleManifestCap = 200
	// multiManifestCap bounds manifest items per session in a multi get.
	multiManifestCap = 20
	// maxSelection caps how many sessions one get may return.
	maxSelection = 200
	// probeTimeout bounds the optional public-URL probe.
	probeTimeout = 3 * time.Second
)

type viewOpts struct {
	includeManifest bool
	manifestCap     int
}

// view renders a session for the public surface. Secrets are masked; a
// share URL carries the token for token-mode sessions.
func (m *Manager) view(md *managed, opts viewOpts) map[string]interface{} {
	sess := md.sess
	stats := sess.Stats()

	accessInfo := map[string]interface{}{
		"mode":           sess.Access.Mode,
		"protect_origin": sess.Access.ProtectOrigin,
	}
	switch sess.Access.Mode {
	case policy.AccessToken:
		accessInfo["token"] = access.MaskSecret(sess.Access.Token)
	case policy.AccessBasic:
		accessInfo["username"] = sess.Access.Username
		accessInfo["password"] = access.MaskSecret(sess.Access.Password)
	}

	v := map[string]interface{}{
		"id":          sess.ID,
		"type":        sess.Type,
		"status":      sess.Status().String(),
		"created_at":  audit.FormatTime(sess.CreatedAt),
		"expires_at":  audit.FormatTime(sess.ExpiresAt),
		"ttl_seconds": sess.TTLSeconds,
		"public_url":  sess.PublicURL,
		"access_info": accessInfo,
		"stats": map[string]interface{}{
			"requests":   stats.Requests,
			"downloads":  stats.Downloads,
			"bytes_sent": stats.BytesSent,
		},
	}
	if !stats.LastAccessAt.IsZero() {
		v["stats"].(map[string]interface{})["last_access_at"] = audit.FormatTime(stats.LastAccessAt)
	}
	if sess.Access.Mode == policy.AccessToken && sess.PublicURL != "" {
		v["share_url"] = sess.PublicURL + "/?token=" + sess.Access.Token
	}
	if sess.Type == session.TypePort {
		v["source_port"] = sess.SourcePort
	}
	if sess.OriginPort != 0 && sess.OriginPort != sess.SourcePort {
		v["origin_port"] = sess.OriginPort
	}
	if sess.LocalURL != "" {
		v["local_url"] = sess.LocalURL
	}
	if sess.Type == session.TypeFiles {
		v["presentation"] = sess.Presentation
		v["zip_mode"] = sess.ZipMode
		if sess.MaxDownloads > 0 {
			v["max_downloads"] = sess.MaxDownloads
		}
	}
	if le := sess.LastError(); le != "" {
		v["last_error"] = le
	}
	if opts.includeManifest && md.manifest != nil {
		manifest := md.manifest
		if opts.manifestCap > 0 && len(manifest) > opts.manifestCap {
			manifest = manifest[:opts.manifestCap]
			v["manifest_truncated"] = true
		}
		v["manifest"] = manifest
	}
	return v
}

// List returns summary views of every live session.
func (m *Manager) List() []map[string]interface{} {
	out := make([]map[string]interface{}, 0)
	for _, md := range m.snapshotManaged() {
		out = append(out, m.view(md, viewOpts{}))
	}
	return out
}

// GetFilter narrows a selection by status and type.
type GetFilter struct {
	Status string `json:"status"`
	Type   string `json:"type"`
}

// GetParams accept three input shapes: a single id, a list of ids, or a
// filter. "all" (as id or inside ids) expands to every session.
type GetParams struct {
	ID          string     `json:"id"`
	IDs         []string   `json:"ids"`
	Filter      *GetFilter `json:"filter"`
	Fields      []string   `json:"fields"`
	ProbePublic bool       `json:"probe_public"`
}

// GetResult is the selection plus a flag noting the cap was hit.
type GetResult struct {
	Sessions  []map[string]interface{} `json:"sessions"`
	Truncated bool                     `json:"truncated"`
}

// Get resolves sessions by id, ids, or filter.
func (m *Manager) Get(p GetParams) (GetResult, error) {
	var selected []*managed
	switch {
	case p.ID != "":
		if p.ID == "all" {
			selected = m.snapshotManaged()
			break
		}
		md, ok := m.lookup(p.ID)
		if !ok {
			return GetResult{}, errf(KindNotFound, "session %s not found", p.ID)
		}
		selected = []*managed{md}
	case len(p.IDs) > 0:
		expandAll := false
		for _, id := range p.IDs {
			if id == "all" {
				expandAll = true
				break
			}
		}
		if expandAll {
			selected = m.snapshotManaged()
			break
		}
		for _, id := range p.IDs {
			if md, ok := m.lookup(id); ok {
				selected = append(selected, md)
			}
		}
	default:
		selected = m.snapshotManaged()
		if p.Filter != nil {
			filtered := selected[:0]
			for _, md := range selected {
				if p.Filter.Status != "" && md.sess.Status().String() != p.Filter.Status {
					continue
				}
				if p.Filter.Type != "" && md.sess.Type != p.Filter.Type {
					continue
				}
				filtered = append(filtered, md)
			}
			selected = filtered
		}
	}

	truncated := false
	if len(selected) > maxSelection {
		selected = selected[:maxSelection]
		truncated = true
	}

	manifestCap := multiManifestCap
	if len(selected) == 1 {
		manifestCap = singleManifestCap
	}

	result := GetResult{Sessions: make([]map[string]interface{}, 0, len(selected)), Truncated: truncated}
	for _, md := range selected {
		v := m.view(md, viewOpts{includeManifest: true, manifestCap: manifestCap})
		if p.ProbePublic {
			v["public_probe"] = m.probePublic(md.sess)
		}
		if len(p.Fields) > 0 {
			v = project(v, p.Fields)
		}
		result.Sessions = append(result.Sessions, v)
	}
	return result, nil
}

// project keeps only the requested top-level fields; id always survives.
func project(v map[string]interface{}, fields []string) map[string]interface{} {
	out := map[string]interface{}{"id": v["id"]}
	for _, f := range fields {
		if val, ok := v[f]; ok {
			out[f] = val
		}
	}
	return out
}

// probePublic issues a HEAD request against the public URL with the
// session's credentials. Bounded by probeTimeout; never fails the call.
func (m *Manager) probePublic(sess *session.Session) map[string]interface{} {
	if sess.PublicURL == "" {
		return map[string]interface{}{"ok": false, "error": "no public url"}
	}
	req, err := http.NewRequest(http.MethodHead, sess.PublicURL, nil)
	if err != nil {
		return map[string]interface{}{"ok": false, "error": err.Error()}
	}
	switch sess.Access.Mode {
	case policy.AccessToken:
		req.Header.Set(access.TokenHeader, sess.Access.Token)
	case policy.AccessBasic:
		req.Header.Set("Authorization", sess.Access.BasicAuthHeader())
	}

	client := &http.Client{Timeout: probeTimeout, Transport: m.probeRT}
	resp, err := client.Do(req)
	if err != nil {
		return map[string]interface{}{"ok": false, "error": err.Error()}
	}
	resp.Body.Close()
	return map[string]interface{}{"ok": resp.StatusCode < 400, "status": resp.StatusCode}
}

// LogsParams select session log lines.
type LogsParams struct {
	ID           string `json:"id"`
	Component    string `json:"component"` // tunnel, origin, manager, all
	SinceSeconds int    `json:"since_seconds"`
	Limit        int    `json:"limit"`
}

// Logs returns the last Limit lines for a session after filtering.
func (m *Manager) Logs(p LogsParams) (map[string]interface{}, error) {
	md, ok := m.lookup(p.ID)
	if !ok {
		return nil, errf(KindNotFound, "session %s not found", p.ID)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	component := p.Component
	if component == "" {
		component = "all"
	}

	var cutoff time.Time
	if p.SinceSeconds > 0 {
		cutoff = m.clock.Now().Add(-timeSeconds(p.SinceSeconds))
	}

	lines := make([]map[string]interface{}, 0)
	for _, entry := range md.sess.Logs() {
		if component != "all" && entry.Component != component {
			continue
		}
		if !cutoff.IsZero() && entry.TS.Before(cutoff) {
			continue
		}
		lines = append(lines, map[string]interface{}{
			"ts":        audit.FormatTime(entry.TS),
			"component": entry.Component,
			"line":      entry.Line,
		})
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return map[string]interface{}{
		"id":    p.ID,
		"lines": lines,
	}, nil
}
