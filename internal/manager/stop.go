package manager

import (
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/openclaw/cfshare/internal/audit"
	"github.com/openclaw/cfshare/internal/metrics"
	"github.com/openclaw/cfshare/internal/session"
)

func timeSeconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// StopParams select which sessions to stop. ID takes precedence over IDs;
// the sentinel "all" expands to every live session.
type StopParams struct {
	ID  string   `json:"id"`
	IDs []string `json:"ids"`
}

// StopFailure is one id that could not be stopped.
type StopFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// StopResult reports the outcome per id, plus removed workspace paths.
type StopResult struct {
	Stopped []string      `json:"stopped"`
	Failed  []StopFailure `json:"failed"`
	Cleaned []string      `json:"cleaned"`
}

// Stop terminates the selected sessions with reason "user_stop".
func (m *Manager) Stop(p StopParams) StopResult {
	ids := p.IDs
	if p.ID != "" {
		ids = []string{p.ID}
	}
	expanded := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "all" {
			expanded = m.liveIDs()
			break
		}
		expanded = append(expanded, id)
	}

	result := StopResult{Stopped: []string{}, Failed: []StopFailure{}, Cleaned: []string{}}
	for _, id := range expanded {
		workspace, err := m.stopSession(id, "user_stop", session.StatusStopped)
		if err != nil {
			result.Failed = append(result.Failed, StopFailure{ID: id, Error: KindOf(err)})
			continue
		}
		result.Stopped = append(result.Stopped, id)
		if workspace != "" {
			result.Cleaned = append(result.Cleaned, workspace)
		}
	}
	return result
}

// stopSession runs the guarded terminal transition for one session. The
// first caller wins; concurrent attempts observe not_found. Returns the
// removed workspace path, if any.
func (m *Manager) stopSession(id, reason string, final session.Status) (string, error) {
	md, ok := m.lookup(id)
	if !ok {
		return "", errf(KindNotFound, "session %s not found", id)
	}

	md.termMu.Lock()
	defer md.termMu.Unlock()
	if md.done {
		return "", errf(KindNotFound, "session %s not found", id)
	}
	md.done = true

	sess := md.sess
	sess.AppendLog(m.clock.Now(), "manager", "stopping: "+reason)

	var cleanup *multierror.Error
	if md.ttl != nil {
		md.ttl.Stop()
	}
	sess.SetStatus(final)
	if md.proc != nil {
		m.sup.Terminate(md.proc)
	}
	for _, srv := range md.servers {
		if err := srv.Close(); err != nil {
			cleanup = multierror.Append(cleanup, err)
		}
	}
	workspace := sess.WorkspaceDir
	if workspace != "" {
		if err := os.RemoveAll(workspace); err != nil {
			cleanup = multierror.Append(cleanup, err)
			workspace = ""
		}
	}
	if err := cleanup.ErrorOrNil(); err != nil {
		// Best-effort cleanup failures never block the transition.
		m.logManager("cleanup errors for " + id + ": " + err.Error())
	}

	event := audit.EventExposureStopped
	if final == session.StatusExpired {
		event = audit.EventExposureExpired
	}
	m.store.Append(event, id, sess.Type, map[string]interface{}{"reason": reason})
	metrics.ExposuresEnded.WithLabelValues(reason).Inc()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.writeSnapshot()
	return workspace, nil
}
