// Package policy loads, merges, and persists the cfshare policy and builds
// the path-ignore matcher applied to expose-files inputs.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Access modes recognized by defaultExposePortAccess / defaultExposeFilesAccess.
const (
	AccessToken = "token"
	AccessBasic = "basic"
	AccessNone  = "none"
)

// TunnelPolicy carries the flags handed to the quick-tunnel agent.
type TunnelPolicy struct {
	EdgeIPVersion string `json:"edgeIpVersion"` // "4", "6", "auto"
	Protocol      string `json:"protocol"`      // "http2", "quic", "auto"
}

// RateLimitPolicy configures the per-IP fixed-window limiter at the origin.
type RateLimitPolicy struct {
	Enabled     bool `json:"enabled"`
	WindowMS    int  `json:"windowMs"`
	MaxRequests int  `json:"maxRequests"`
}

// Policy is the effective, validated configuration for the exposure manager.
type Policy struct {
	DefaultTTLSeconds        int             `json:"defaultTtlSeconds"`
	MaxTTLSeconds            int             `json:"maxTtlSeconds"`
	DefaultExposePortAccess  string          `json:"defaultExposePortAccess"`
	DefaultExposeFilesAccess string          `json:"defaultExposeFilesAccess"`
	BlockedPorts             []int           `json:"blockedPorts"`
	AllowedPathRoots         []string        `json:"allowedPathRoots"`
	Tunnel                   TunnelPolicy    `json:"tunnel"`
	RateLimit                RateLimitPolicy `json:"rateLimit"`
}

// Defaults returns the built-in policy.
func Defaults() Policy {
	return Policy{
		DefaultTTLSeconds:        3600,
		MaxTTLSeconds:            86400,
		DefaultExposePortAccess:  AccessToken,
		DefaultExposeFilesAccess: AccessToken,
		BlockedPorts:             []int{22, 25, 135, 139, 445, 3389},
		AllowedPathRoots:         nil,
		Tunnel:                   TunnelPolicy{EdgeIPVersion: "auto", Protocol: "auto"},
		RateLimit:                RateLimitPolicy{Enabled: false, WindowMS: 60000, MaxRequests: 300},
	}
}

// PolicyFile is the name of the on-disk policy patch under the state dir.
const PolicyFile = "policy.json"

// IgnoreFile is the name of the additional ignore-pattern file under the state dir.
const IgnoreFile = "policy.ignore"

// recognizedKeys are the top-level keys a policy patch may carry. Unknown
// keys are dropped with a warning instead of being retained.
var recognizedKeys = map[string]bool{
	"defaultTtlSeconds":        true,
	"maxTtlSeconds":            true,
	"defaultExposePortAccess":  true,
	"defaultExposeFilesAccess": true,
	"blockedPorts":             true,
	"allowedPathRoots":         true,
	"tunnel":                   true,
	"rateLimit":                true,
}

// Load builds the effective policy for stateDir. Precedence, highest first:
// on-disk policy.json, the supplied overrides patch (process-wide config),
// built-in defaults. Returns the policy, human-readable validation warnings,
// and the compiled ignore matcher.
func Load(stateDir string, overrides map[string]interface{}) (Policy, []string, *IgnoreMatcher, error) {
	var warnings []string

	merged := toMap(Defaults())
	if overrides != nil {
		warnings = append(warnings, applyPatch(merged, overrides)...)
	}

	disk, err := ReadRaw(stateDir)
	if err != nil {
		return Policy{}, nil, nil, err
	}
	if disk != nil {
		warnings = append(warnings, applyPatch(merged, disk)...)
	}

	pol, vw := decodeAndValidate(merged)
	warnings = append(warnings, vw...)

	matcher, err := NewIgnoreMatcher(stateDir)
	if err != nil {
		return Policy{}, nil, nil, err
	}
	return pol, warnings, matcher, nil
}

// ReadRaw returns the on-disk policy patch as a generic object, or nil when
// no policy file exists.
func ReadRaw(stateDir string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, PolicyFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy file is not a JSON object: %w", err)
	}
	return raw, nil
}

// WriteMerged deep-merges patch into the on-disk policy patch and persists
// it atomically (temp file + rename).
func WriteMerged(stateDir string, patch map[string]interface{}) error {
	current, err := ReadRaw(stateDir)
	if err != nil {
		return err
	}
	if current == nil {
		current = make(map[string]interface{})
	}
	applyPatch(current, patch)

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(stateDir, PolicyFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// applyPatch merges patch into dst. Nested objects (tunnel, rateLimit) merge
// deeply; lists replace wholesale. Unrecognized top-level keys are dropped
// and reported.
func applyPatch(dst, patch map[string]interface{}) []string {
	var warnings []string
	for key, val := range patch {
		if !recognizedKeys[key] {
			warnings = append(warnings, fmt.Sprintf("unknown policy key %q ignored", key))
			continue
		}
		if sub, ok := val.(map[string]interface{}); ok {
			existing, ok := dst[key].(map[string]interface{})
			if !ok {
				existing = make(map[string]interface{})
				dst[key] = existing
			}
			for k, v := range sub {
				existing[k] = v
			}
			continue
		}
		dst[key] = val
	}
	return warnings
}

// decodeAndValidate turns a merged patch map into a typed Policy, clamping
// numeric fields and falling invalid enums back to defaults.
func decodeAndValidate(m map[string]interface{}) (Policy, []string) {
	def := Defaults()
	var warnings []string

	pol := Policy{}
	data, _ := json.Marshal(m)
	if err := json.Unmarshal(data, &pol); err != nil {
		warnings = append(warnings, fmt.Sprintf("policy decode failed, using defaults: %v", err))
		return def, warnings
	}

	if pol.MaxTTLSeconds < 60 {
		warnings = append(warnings, fmt.Sprintf("maxTtlSeconds %d below minimum, using %d", pol.MaxTTLSeconds, def.MaxTTLSeconds))
		pol.MaxTTLSeconds = def.MaxTTLSeconds
	}
	if pol.DefaultTTLSeconds < 60 {
		warnings = append(warnings, fmt.Sprintf("defaultTtlSeconds %d clamped to 60", pol.DefaultTTLSeconds))
		pol.DefaultTTLSeconds = 60
	}
	if pol.DefaultTTLSeconds > pol.MaxTTLSeconds {
		warnings = append(warnings, fmt.Sprintf("defaultTtlSeconds %d clamped to maxTtlSeconds %d", pol.DefaultTTLSeconds, pol.MaxTTLSeconds))
		pol.DefaultTTLSeconds = pol.MaxTTLSeconds
	}

	pol.DefaultExposePortAccess = validEnum("defaultExposePortAccess", pol.DefaultExposePortAccess, def.DefaultExposePortAccess, &warnings, AccessToken, AccessBasic, AccessNone)
	pol.DefaultExposeFilesAccess = validEnum("defaultExposeFilesAccess", pol.DefaultExposeFilesAccess, def.DefaultExposeFilesAccess, &warnings, AccessToken, AccessBasic, AccessNone)
	pol.Tunnel.EdgeIPVersion = validEnum("tunnel.edgeIpVersion", pol.Tunnel.EdgeIPVersion, def.Tunnel.EdgeIPVersion, &warnings, "4", "6", "auto")
	pol.Tunnel.Protocol = validEnum("tunnel.protocol", pol.Tunnel.Protocol, def.Tunnel.Protocol, &warnings, "http2", "quic", "auto")

	ports := pol.BlockedPorts[:0]
	for _, p := range pol.BlockedPorts {
		if p < 1 || p > 65535 {
			warnings = append(warnings, fmt.Sprintf("blockedPorts entry %d out of range, dropped", p))
			continue
		}
		ports = append(ports, p)
	}
	sort.Ints(ports)
	pol.BlockedPorts = ports

	if pol.RateLimit.WindowMS < 1000 {
		warnings = append(warnings, fmt.Sprintf("rateLimit.windowMs %d clamped to 1000", pol.RateLimit.WindowMS))
		pol.RateLimit.WindowMS = 1000
	}
	if pol.RateLimit.WindowMS > 3600000 {
		warnings = append(warnings, fmt.Sprintf("rateLimit.windowMs %d clamped to 3600000", pol.RateLimit.WindowMS))
		pol.RateLimit.WindowMS = 3600000
	}
	if pol.RateLimit.MaxRequests < 1 {
		warnings = append(warnings, fmt.Sprintf("rateLimit.maxRequests %d clamped to 1", pol.RateLimit.MaxRequests))
		pol.RateLimit.MaxRequests = 1
	}
	if pol.RateLimit.MaxRequests > 100000 {
		warnings = append(warnings, fmt.Sprintf("rateLimit.maxRequests %d clamped to 100000", pol.RateLimit.MaxRequests))
		pol.RateLimit.MaxRequests = 100000
	}

	return pol, warnings
}

func validEnum(field, val, fallback string, warnings *[]string, allowed ...string) string {
	for _, a := range allowed {
		if val == a {
			return val
		}
	}
	*warnings = append(*warnings, fmt.Sprintf("%s %q is not one of %v, using %q", field, val, allowed, fallback))
	return fallback
}

// PortBlocked reports whether p is in the blocked set.
func (p Policy) PortBlocked(port int) bool {
	for _, b := range p.BlockedPorts {
		if b == port {
			return true
		}
	}
	return false
}

// ClampTTL bounds a requested TTL to [60, maxTtlSeconds]; zero or negative
// requests fall back to the default TTL.
func (p Policy) ClampTTL(seconds int) int {
	if seconds <= 0 {
		seconds = p.DefaultTTLSeconds
	}
	if seconds < 60 {
		return 60
	}
	if seconds > p.MaxTTLSeconds {
		return p.MaxTTLSeconds
	}
	return seconds
}

func toMap(p Policy) map[string]interface{} {
	data, _ := json.Marshal(p)
	var m map[string]interface{}
	_ = json.Unmarshal(data, &m)
	return m
}
