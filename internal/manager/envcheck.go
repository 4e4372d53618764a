package manager

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/openclaw/cfshare/internal/tunnel"
)

// EnvCheckResult describes whether the host can run exposures.
type EnvCheckResult struct {
	OK               bool     `json:"ok"`
	AgentPath        string   `json:"agent_path,omitempty"`
	AgentVersion     string   `json:"agent_version,omitempty"`
	AgentError       string   `json:"agent_error,omitempty"`
	StateDir         string   `json:"state_dir"`
	StateDirWritable bool     `json:"state_dir_writable"`
	PolicyWarnings   []string `json:"policy_warnings"`
	ActiveSessions   int      `json:"active_sessions"`
}

// EnvCheck probes the tunnel agent, the state directory, and reports any
// policy warnings. Never returns an error: problems land in the result.
func (m *Manager) EnvCheck() EnvCheckResult {
	result := EnvCheckResult{
		OK:             true,
		StateDir:       m.stateDir,
		PolicyWarnings: append([]string{}, m.polSnap.Load().warnings...),
		ActiveSessions: m.ActiveSessions(),
	}

	path, err := exec.LookPath(m.cfg.AgentPath)
	if err != nil {
		result.OK = false
		result.AgentError = "agent not found: " + m.cfg.AgentPath
	} else {
		result.AgentPath = path
		if v, err := tunnel.AgentVersion(path); err != nil {
			result.AgentError = err.Error()
		} else {
			result.AgentVersion = v
		}
	}

	probe := filepath.Join(m.stateDir, ".envcheck-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		result.OK = false
	} else {
		result.StateDirWritable = true
		os.Remove(probe)
	}
	return result
}
