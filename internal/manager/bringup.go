package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/openclaw/cfshare/internal/access"
	"github.com/openclaw/cfshare/internal/audit"
	"github.com/openclaw/cfshare/internal/metrics"
	"github.com/openclaw/cfshare/internal/netutil"
	"github.com/openclaw/cfshare/internal/origin"
	"github.com/openclaw/cfshare/internal/policy"
	"github.com/openclaw/cfshare/internal/session"
)

// ExposeOpts are the per-exposure options shared by both flows.
type ExposeOpts struct {
	Access         string   `json:"access"`
	TTLSeconds     int      `json:"ttl_seconds"`
	ProtectOrigin  *bool    `json:"protect_origin"`
	AllowlistPaths []string `json:"allowlist_paths"`
	// Files mode only.
	Mode         string `json:"mode"`         // normal, zip
	Presentation string `json:"presentation"` // preview, download, raw
	MaxDownloads int64  `json:"max_downloads"`
}

// ExposePortParams are the inputs to ExposePort.
type ExposePortParams struct {
	Port int        `json:"port"`
	Opts ExposeOpts `json:"opts"`
}

// ExposeFilesParams are the inputs to ExposeFiles.
type ExposeFilesParams struct {
	Paths []string   `json:"paths"`
	Opts  ExposeOpts `json:"opts"`
}

// ExposePort publishes a live local TCP service.
func (m *Manager) ExposePort(ctx context.Context, p ExposePortParams) (map[string]interface{}, error) {
	if p.Port < 1 || p.Port > 65535 {
		return nil, errf(KindInvalidInput, "port %d is out of range [1, 65535]", p.Port)
	}
	pol := m.polSnap.Load().effective
	if pol.PortBlocked(p.Port) {
		return nil, errf(KindPolicyViolation, "port blocked by policy: %d", p.Port)
	}
	if !netutil.ProbeLocalPort(p.Port) {
		return nil, errf(KindLocalUnreach, "nothing is listening on 127.0.0.1:%d", p.Port)
	}

	st, err := m.buildAccess(p.Opts, pol.DefaultExposePortAccess)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	ttl := pol.ClampTTL(p.Opts.TTLSeconds)
	sess := &session.Session{
		ID:         session.NewID(session.TypePort, now),
		Type:       session.TypePort,
		CreatedAt:  now,
		ExpiresAt:  now.Add(timeSeconds(ttl)),
		TTLSeconds: ttl,
		SourcePort: p.Port,
		OriginPort: p.Port,
		Access:     *st,
	}
	md := m.insert(sess)

	// Insert a reverse proxy whenever any origin-side check must run;
	// otherwise the tunnel targets the service directly.
	needsProxy := st.ProtectOrigin || len(p.Opts.AllowlistPaths) > 0 || pol.RateLimit.Enabled
	if needsProxy {
		srv, err := origin.StartProxy(origin.ProxyConfig{
			UpstreamPort: p.Port,
			Session:      sess,
			Guard: &origin.Guard{
				Access:    &sess.Access,
				Allowlist: access.Allowlist(p.Opts.AllowlistPaths),
				Limiter:   access.NewRateLimiter(pol.RateLimit, m.clock),
			},
			Clock: m.clock,
		})
		if err != nil {
			return nil, m.failBringup(md, errf(KindInternal, "proxy start failed: %v", err))
		}
		md.servers = append(md.servers, srv)
		sess.OriginPort = srv.Port
	}

	if err := m.startTunnel(ctx, md); err != nil {
		return nil, m.failBringup(md, err)
	}
	m.promote(md)
	return revealCredentials(md, m.view(md, viewOpts{includeManifest: false})), nil
}

// ExposeFiles publishes copies of local files or directories.
func (m *Manager) ExposeFiles(ctx context.Context, p ExposeFilesParams) (map[string]interface{}, error) {
	if len(p.Paths) == 0 {
		return nil, errf(KindInvalidInput, "paths must not be empty")
	}
	mode := p.Opts.Mode
	if mode == "" {
		mode = "normal"
	}
	if mode != "normal" && mode != "zip" {
		return nil, errf(KindInvalidInput, "mode %q is not one of [normal zip]", mode)
	}
	presentation := p.Opts.Presentation
	if presentation == "" {
		presentation = origin.PresentPreview
	}
	switch presentation {
	case origin.PresentPreview, origin.PresentDownload, origin.PresentRaw:
	default:
		return nil, errf(KindInvalidInput, "presentation %q is not one of [preview download raw]", presentation)
	}
	if p.Opts.MaxDownloads < 0 {
		return nil, errf(KindInvalidInput, "max_downloads must be positive")
	}

	ps := m.polSnap.Load()
	st, err := m.buildAccess(p.Opts, ps.effective.DefaultExposeFilesAccess)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	ttl := ps.effective.ClampTTL(p.Opts.TTLSeconds)
	sess := &session.Session{
		ID:           session.NewID(session.TypeFiles, now),
		Type:         session.TypeFiles,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeSeconds(ttl)),
		TTLSeconds:   ttl,
		Presentation: presentation,
		ZipMode:      mode == "zip",
		MaxDownloads: p.Opts.MaxDownloads,
		Access:       *st,
	}
	sess.WorkspaceDir = filepath.Join(m.workspacesRoot(), sess.ID)
	md := m.insert(sess)

	if err := os.MkdirAll(sess.WorkspaceDir, 0o700); err != nil {
		return nil, m.failBringup(md, errf(KindInternal, "cannot create workspace: %v", err))
	}

	summaries, err := origin.CopyInputs(p.Paths, sess.WorkspaceDir, ps.ignore, ps.effective.AllowedPathRoots)
	if err != nil {
		return nil, m.failBringup(md, classifyInputErr(err))
	}

	entries, err := origin.BuildManifest(sess.WorkspaceDir)
	if err != nil {
		return nil, m.failBringup(md, errf(KindInternal, "manifest build failed: %v", err))
	}
	md.entries = entries
	md.manifest = entries
	var bundle *origin.ManifestEntry
	if sess.ZipMode {
		b, err := origin.WriteBundle(sess.WorkspaceDir, entries)
		if err != nil {
			return nil, m.failBringup(md, errf(KindInternal, "bundle build failed: %v", err))
		}
		bundle = &b
		md.manifest = []origin.ManifestEntry{b}
	}

	id := sess.ID
	srv, err := origin.StartStatic(origin.StaticConfig{
		Dir:          sess.WorkspaceDir,
		Entries:      entries,
		Bundle:       bundle,
		Presentation: presentation,
		ZipMode:      sess.ZipMode,
		Session:      sess,
		Guard: &origin.Guard{
			Access:    &sess.Access,
			Allowlist: access.Allowlist(p.Opts.AllowlistPaths),
			Limiter:   access.NewRateLimiter(ps.effective.RateLimit, m.clock),
		},
		Clock:        m.clock,
		MaxDownloads: p.Opts.MaxDownloads,
		OnQuota: func() {
			m.stopSession(id, "max_downloads_reached", session.StatusStopped)
		},
		Renderer: m.renderer,
	})
	if err != nil {
		return nil, m.failBringup(md, errf(KindInternal, "file origin start failed: %v", err))
	}
	md.servers = append(md.servers, srv)
	sess.OriginPort = srv.Port
	sess.LocalURL = fmt.Sprintf("http://127.0.0.1:%d/", srv.Port)

	// The file origin enforces the guard itself; an inserted proxy is a
	// plain forwarder.
	if st.ProtectOrigin {
		proxy, err := origin.StartProxy(origin.ProxyConfig{
			UpstreamPort: srv.Port,
			Session:      sess,
			Clock:        m.clock,
			Passthrough:  true,
		})
		if err != nil {
			return nil, m.failBringup(md, errf(KindInternal, "proxy start failed: %v", err))
		}
		md.servers = append(md.servers, proxy)
		sess.OriginPort = proxy.Port
	}

	if err := m.startTunnel(ctx, md); err != nil {
		return nil, m.failBringup(md, err)
	}
	m.promote(md)

	result := revealCredentials(md, m.view(md, viewOpts{includeManifest: true, manifestCap: singleManifestCap}))
	result["inputs"] = summaries
	return result, nil
}

// revealCredentials returns the bring-up view with the cleartext basic
// password. The caller sees it exactly once; every later view masks it.
func revealCredentials(md *managed, v map[string]interface{}) map[string]interface{} {
	if md.sess.Access.Mode == policy.AccessBasic {
		v["access_info"].(map[string]interface{})["password"] = md.sess.Access.Password
	}
	return v
}

// buildAccess resolves the effective access mode and mints fresh secrets.
func (m *Manager) buildAccess(opts ExposeOpts, defaultMode string) (*access.State, error) {
	mode := opts.Access
	if mode == "" {
		mode = defaultMode
	}
	st := &access.State{Mode: mode}
	switch mode {
	case policy.AccessToken:
		st.Token = session.NewToken()
	case policy.AccessBasic:
		st.Username = access.BasicUsername
		st.Password = session.NewBasicPassword()
	case policy.AccessNone:
	default:
		return nil, errf(KindInvalidInput, "access %q is not one of [token basic none]", mode)
	}
	if opts.ProtectOrigin != nil {
		st.ProtectOrigin = *opts.ProtectOrigin
	} else {
		st.ProtectOrigin = mode != policy.AccessNone
	}
	return st, nil
}

// insert allocates the table entry in state starting.
func (m *Manager) insert(sess *session.Session) *managed {
	md := &managed{sess: sess}
	m.mu.Lock()
	m.sessions[sess.ID] = md
	m.mu.Unlock()
	return md
}

// startTunnel launches the agent against the session's origin port and
// stores the public URL.
func (m *Manager) startTunnel(ctx context.Context, md *managed) error {
	sess := md.sess
	sink := func(line string) {
		sess.AppendLog(m.clock.Now(), "tunnel", line)
	}
	tun, err := m.sup.Start(ctx, sess.OriginPort, m.polSnap.Load().effective.Tunnel, sink)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return errf(KindAgentNotFound, "quick-tunnel agent %q not found: %v", m.cfg.AgentPath, err)
		}
		return errf(KindTunnelStartup, "%v", err)
	}
	md.proc = tun.Proc
	sess.PublicURL = tun.URL
	sess.ProcessPID = tun.Proc.PID()
	return nil
}

// promote moves a session to running: child-exit watcher, TTL timer, audit,
// snapshot.
func (m *Manager) promote(md *managed) {
	sess := md.sess
	sess.SetStatus(session.StatusRunning)
	sess.AppendLog(m.clock.Now(), "manager", "session running at "+sess.PublicURL)

	id := sess.ID
	proc := md.proc
	go func() {
		<-proc.Done()
		if sess.Status() == session.StatusRunning {
			msg := "tunnel agent exited while session was running"
			if err := proc.Err(); err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			sess.SetLastError(msg)
			m.stopSession(id, "agent_exit_while_running", session.StatusError)
		}
	}()

	md.ttl = m.clock.AfterFunc(sess.ExpiresAt.Sub(m.clock.Now()), func() {
		m.stopSession(id, "expired", session.StatusExpired)
	})

	metrics.ExposuresStarted.WithLabelValues(sess.Type).Inc()
	m.store.Append(audit.EventExposureStarted, sess.ID, sess.Type, map[string]interface{}{
		"public_url":  sess.PublicURL,
		"ttl_seconds": sess.TTLSeconds,
		"access_mode": sess.Access.Mode,
	})
	m.writeSnapshot()
}

// failBringup tears a partially built session down and returns err.
func (m *Manager) failBringup(md *managed, err error) error {
	sess := md.sess
	sess.SetLastError(err.Error())
	sess.SetStatus(session.StatusError)

	if md.proc != nil {
		m.sup.Terminate(md.proc)
	}
	for _, srv := range md.servers {
		srv.Close()
	}
	if sess.WorkspaceDir != "" {
		os.RemoveAll(sess.WorkspaceDir)
	}

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
	m.writeSnapshot()
	return err
}

func classifyInputErr(err error) error {
	switch {
	case errors.Is(err, origin.ErrInputIgnored):
		return errf(KindPolicyViolation, "%v", err)
	case errors.Is(err, origin.ErrInputOutsideRoots):
		return errf(KindPolicyViolation, "%v", err)
	case errors.Is(err, origin.ErrInputBadType):
		return errf(KindInvalidInput, "%v", err)
	default:
		return errf(KindInvalidInput, "%v", err)
	}
}
