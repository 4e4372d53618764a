package manager

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"github.com/openclaw/cfshare/internal/audit"
	"github.com/openclaw/cfshare/internal/policy"
)

// GCResult reports what a sweep removed or signaled.
type GCResult struct {
	RemovedWorkspaces []string `json:"removed_workspaces"`
	SignaledPIDs      []int    `json:"signaled_pids"`
	Errors            []string `json:"errors"`
}

// RunGC removes workspace directories no live session references and
// terminates agent processes recorded in the last snapshot that the table
// no longer tracks. Safe to run while sessions are active.
func (m *Manager) RunGC() (GCResult, error) {
	result := GCResult{RemovedWorkspaces: []string{}, SignaledPIDs: []int{}, Errors: []string{}}
	var errs *multierror.Error

	live := make(map[string]bool)
	livePIDs := make(map[int]bool)
	for _, md := range m.snapshotManaged() {
		live[md.sess.ID] = true
		if md.sess.ProcessPID > 0 {
			livePIDs[md.sess.ProcessPID] = true
		}
	}

	root := m.workspacesRoot()
	dirEntries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		errs = multierror.Append(errs, err)
	}
	for _, de := range dirEntries {
		if !de.IsDir() || live[de.Name()] {
			continue
		}
		path := filepath.Join(root, de.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		result.RemovedWorkspaces = append(result.RemovedWorkspaces, path)
	}

	snapshot, err := m.store.ReadSnapshot()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, entry := range snapshot {
		pid := entry.ProcessPID
		if pid <= 0 || livePIDs[pid] {
			continue
		}
		// Signal 0 probes liveness without touching the process.
		if syscall.Kill(pid, 0) != nil {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		result.SignaledPIDs = append(result.SignaledPIDs, pid)
	}

	if err := errs.ErrorOrNil(); err != nil {
		for _, e := range errs.Errors {
			result.Errors = append(result.Errors, e.Error())
		}
	}

	m.store.Append(audit.EventGCRun, "", "", map[string]interface{}{
		"removed_workspaces": len(result.RemovedWorkspaces),
		"signaled_pids":      len(result.SignaledPIDs),
		"errors":             len(result.Errors),
	})
	return result, nil
}

// PolicyView pairs what is on disk with what is in effect.
type PolicyView struct {
	Stored    map[string]interface{} `json:"stored"`
	Effective policy.Policy          `json:"effective"`
	Warnings  []string               `json:"warnings"`
}

// ShowPolicy returns the stored overrides and the effective policy.
func (m *Manager) ShowPolicy() (PolicyView, error) {
	raw, err := policy.ReadRaw(m.stateDir)
	if err != nil {
		return PolicyView{}, errf(KindInternal, "cannot read policy: %v", err)
	}
	ps := m.polSnap.Load()
	return PolicyView{Stored: raw, Effective: ps.effective, Warnings: ps.warnings}, nil
}

// UpdatePolicy merges the patch into the stored policy file, reloads the
// effective policy, and records the change. New sessions see the new
// policy; running sessions keep their bring-up settings.
func (m *Manager) UpdatePolicy(patch map[string]interface{}) (PolicyView, error) {
	if len(patch) == 0 {
		return PolicyView{}, errf(KindInvalidInput, "policy patch must be a non-empty object")
	}
	if err := policy.WriteMerged(m.stateDir, patch); err != nil {
		return PolicyView{}, errf(KindInternal, "cannot write policy: %v", err)
	}

	pol, warnings, ignore, err := policy.Load(m.stateDir, m.cfg.Policy)
	if err != nil {
		return PolicyView{}, errf(KindInternal, "cannot reload policy: %v", err)
	}
	m.polSnap.Store(&policySnapshot{effective: pol, warnings: warnings, ignore: ignore})

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	m.store.Append(audit.EventPolicyUpdated, "", "", map[string]interface{}{"keys": keys})

	return m.ShowPolicy()
}

// AuditQuery reads matching events from the audit log.
func (m *Manager) AuditQuery(f audit.Filters) ([]audit.Event, error) {
	events, err := m.store.Query(f)
	if err != nil {
		return nil, errf(KindInternal, "audit query failed: %v", err)
	}
	return events, nil
}

// AuditExportResult names the file an export produced.
type AuditExportResult struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// AuditExport copies matching events to a JSONL file, defaulting to the
// exports directory under the state dir.
func (m *Manager) AuditExport(f audit.Filters, outputPath string) (AuditExportResult, error) {
	path, count, err := m.store.Export(f, outputPath)
	if err != nil {
		return AuditExportResult{}, errf(KindInternal, "audit export failed: %v", err)
	}
	return AuditExportResult{Path: path, Count: count}, nil
}
