// Package netutil holds the small port and path helpers shared by the
// exposure manager and its origins.
package netutil

import (
	"fmt"
	"net"
	"time"
)

// probeTimeout bounds the liveness dial against a local service.
const probeTimeout = 1200 * time.Millisecond

// FindFreePort asks the OS for an ephemeral TCP port on the loopback
// interface and releases it before returning.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("port allocation failed: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// ProbeLocalPort reports whether something accepts connections on
// 127.0.0.1:port.
func ProbeLocalPort(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
