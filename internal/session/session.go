// Package session defines the exposure session record: identity, status,
// access credentials, the bounded log ring, and request statistics.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/openclaw/cfshare/internal/access"
)

// Session types.
const (
	TypePort  = "port"
	TypeFiles = "files"
)

// Status is the lifecycle state of a session.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusStopped
	StatusError
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError || s == StatusExpired
}

// MaxLogLines bounds the per-session log ring.
const MaxLogLines = 4000

// LogEntry is one captured line from a session component.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Component string    `json:"component"` // tunnel, origin, manager
	Line      string    `json:"line"`
}

// Stats are the monotonic request counters for a session.
type Stats struct {
	Requests     int64     `json:"requests"`
	Downloads    int64     `json:"downloads"`
	BytesSent    int64     `json:"bytes_sent"`
	LastAccessAt time.Time `json:"last_access_at,omitempty"`
}

// Session is one exposure. Mutable fields are guarded by mu; the manager
// additionally serializes lifecycle transitions through its own per-session
// guard.
type Session struct {
	ID        string
	Type      string
	CreatedAt time.Time
	ExpiresAt time.Time

	TTLSeconds   int
	SourcePort   int // port exposures: the user-supplied port
	OriginPort   int // port the tunnel targets (proxy or origin server)
	WorkspaceDir string
	PublicURL    string
	LocalURL     string
	Presentation string // preview, download, raw
	ZipMode      bool
	MaxDownloads int64
	ProcessPID   int

	Access access.State

	mu        sync.Mutex
	status    Status
	lastError string
	logs      []LogEntry
	logStart  int
	stats     Stats
}

// NewID builds a session id: <prefix>_<base36 unix ms>_<6 hex>.
func NewID(prefix string, now time.Time) string {
	suffix := make([]byte, 3)
	rand.Read(suffix)
	return fmt.Sprintf("%s_%s_%s", prefix, strconv.FormatInt(now.UnixMilli(), 36), hex.EncodeToString(suffix))
}

// NewToken returns a fresh 128-bit hex token.
func NewToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// NewBasicPassword returns a fresh 96-bit base64url password.
func NewBasicPassword() string {
	b := make([]byte, 12)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus records a new lifecycle state. Transitions out of a terminal
// state are ignored.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = st
}

// LastError returns the recorded failure message, if any.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// SetLastError records a failure message.
func (s *Session) SetLastError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// AppendLog adds a line to the bounded ring, evicting the oldest entry at
// capacity.
func (s *Session) AppendLog(ts time.Time, component, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) < MaxLogLines {
		s.logs = append(s.logs, LogEntry{TS: ts, Component: component, Line: line})
		return
	}
	s.logs[s.logStart] = LogEntry{TS: ts, Component: component, Line: line}
	s.logStart = (s.logStart + 1) % MaxLogLines
}

// Logs returns a copy of the ring in append order.
func (s *Session) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, 0, len(s.logs))
	for i := 0; i < len(s.logs); i++ {
		out = append(out, s.logs[(s.logStart+i)%len(s.logs)])
	}
	return out
}

// RecordRequest bumps the request counter and the last-access timestamp.
func (s *Session) RecordRequest(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Requests++
	s.stats.LastAccessAt = now
}

// AddBytes adds transmitted body bytes to the counters.
func (s *Session) AddBytes(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesSent += n
}

// RecordDownload bumps the download counter and returns the new value.
func (s *Session) RecordDownload() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Downloads++
	return s.stats.Downloads
}

// Stats returns a snapshot copy of the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
