// Package config holds the process-wide runtime configuration for cfshare.
// It is distinct from the policy: the policy is the validated exposure
// rules, while Runtime says where state lives and which agent binary to run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Runtime is the per-process configuration the adapter threads into the
// manager.
type Runtime struct {
	// StateDir is where policy, audit, snapshot, and workspaces live.
	StateDir string `yaml:"state_dir"`
	// AgentPath is the quick-tunnel agent binary (name resolved in PATH or
	// an absolute path).
	AgentPath string `yaml:"agent_path"`
	// PluginMode switches the default state dir to the plugin location.
	PluginMode bool `yaml:"plugin_mode"`
	// Policy is a policy patch applied between built-in defaults and the
	// on-disk policy file.
	Policy map[string]interface{} `yaml:"policy"`
}

// Default returns the runtime configuration before file, env, or flag
// overrides.
func Default() Runtime {
	return Runtime{AgentPath: "cloudflared"}
}

// EffectiveStateDir resolves the state directory, applying the mode default
// when unset.
func (r Runtime) EffectiveStateDir() (string, error) {
	if r.StateDir != "" {
		return r.StateDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	if r.PluginMode {
		return filepath.Join(home, ".openclaw", "cfshare"), nil
	}
	return filepath.Join(home, ".cfshare"), nil
}

// LoadFile merges a YAML config file over r.
func (r *Runtime) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, r); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	r.Policy = normalizeMap(r.Policy)
	return nil
}

// ApplyJSON merges an inline JSON config override over r.
func (r *Runtime) ApplyJSON(raw string) error {
	var patch struct {
		StateDir   *string                `json:"state_dir"`
		AgentPath  *string                `json:"agent_path"`
		PluginMode *bool                  `json:"plugin_mode"`
		Policy     map[string]interface{} `json:"policy"`
	}
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return fmt.Errorf("config override is not valid JSON: %w", err)
	}
	if patch.StateDir != nil {
		r.StateDir = *patch.StateDir
	}
	if patch.AgentPath != nil {
		r.AgentPath = *patch.AgentPath
	}
	if patch.PluginMode != nil {
		r.PluginMode = *patch.PluginMode
	}
	if patch.Policy != nil {
		if r.Policy == nil {
			r.Policy = make(map[string]interface{})
		}
		for k, v := range patch.Policy {
			r.Policy[k] = v
		}
	}
	return nil
}

// ApplyEnv overlays CFSHARE_* environment variables.
func (r *Runtime) ApplyEnv() {
	if v := os.Getenv("CFSHARE_STATE_DIR"); v != "" {
		r.StateDir = v
	}
	if v := os.Getenv("CFSHARE_AGENT"); v != "" {
		r.AgentPath = v
	}
	if v := os.Getenv("CFSHARE_PLUGIN_MODE"); v == "1" || v == "true" {
		r.PluginMode = true
	}
}

// normalizeMap converts yaml.v2's map[interface{}]interface{} values into
// JSON-compatible map[string]interface{} so the policy merge can consume
// them.
func normalizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case map[string]interface{}:
		return normalizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
