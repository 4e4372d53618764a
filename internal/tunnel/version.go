package tunnel

import (
	"fmt"
	"os/exec"
	"regexp"
)

var versionRe = regexp.MustCompile(`version\s+(\d+\.\d+\.\d+)`)

// AgentVersion runs `<agent> --version` and extracts the semantic version.
func AgentVersion(agentPath string) (string, error) {
	out, err := exec.Command(agentPath, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("agent version probe failed: %w", err)
	}
	return ParseVersion(string(out))
}

// ParseVersion extracts the version number from agent --version output.
func ParseVersion(output string) (string, error) {
	m := versionRe.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("no version in agent output")
	}
	return m[1], nil
}
