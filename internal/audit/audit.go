// Package audit persists the append-only event log and the session
// snapshot under the state directory.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Audit event kinds.
const (
	EventExposureStarted = "exposure_started"
	EventExposureStopped = "exposure_stopped"
	EventExposureExpired = "exposure_expired"
	EventPolicyUpdated   = "policy_updated"
	EventGCRun           = "gc_run"
	EventAuditExported   = "audit_exported"
)

// AuditFile is the event log name under the state dir.
const AuditFile = "audit.jsonl"

// ExportsDir is the default audit export destination under the state dir.
const ExportsDir = "exports"

// TimeLayout is ISO-8601 with millisecond precision and a numeric offset.
const TimeLayout = "2006-01-02T15:04:05.000-07:00"

// FormatTime renders a timestamp the way every cfshare surface emits them.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// Event is one audit record.
type Event struct {
	TS      string                 `json:"ts"`
	Event   string                 `json:"event"`
	ID      string                 `json:"id,omitempty"`
	Type    string                 `json:"type,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Store serializes audit and snapshot writes for one state directory.
type Store struct {
	dir   string
	clock clockwork.Clock
	mu    sync.Mutex
}

// NewStore opens (creating if needed) the audit store under stateDir.
func NewStore(stateDir string, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	return &Store{dir: stateDir, clock: clock}, nil
}

// Append writes an event synchronously. Write failures are logged, never
// returned; the audit trail must not break lifecycle transitions.
func (s *Store) Append(event, id, typ string, details map[string]interface{}) {
	e := Event{
		TS:      FormatTime(s.clock.Now()),
		Event:   event,
		ID:      id,
		Type:    typ,
		Details: details,
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("[Audit] marshal failed", "event", event, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, AuditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		slog.Warn("[Audit] open failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("[Audit] append failed", "error", err)
	}
}

// Filters narrow an audit query. Zero values mean "any".
type Filters struct {
	Event string `json:"event"`
	ID    string `json:"id"`
	Type  string `json:"type"`
	From  string `json:"from"` // inclusive lower bound on ts
	To    string `json:"to"`   // inclusive upper bound on ts
	Limit int    `json:"limit"` // clamped to [1, 10000]; 0 means 500
}

// Query reads the log, skipping malformed lines, and returns the last Limit
// matching events in write order.
func (s *Store) Query(f Filters) ([]Event, error) {
	limit := f.Limit
	if limit == 0 {
		limit = 500
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 10000 {
		limit = 10000
	}

	s.mu.Lock()
	file, err := os.Open(filepath.Join(s.dir, AuditFile))
	s.mu.Unlock()
	if os.IsNotExist(err) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var matched []Event
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // tolerate corrupt lines
		}
		if !f.matches(e) {
			continue
		}
		matched = append(matched, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	if matched == nil {
		matched = []Event{}
	}
	return matched, nil
}

func (f Filters) matches(e Event) bool {
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.ID != "" && e.ID != f.ID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.From != "" && compareTimes(e.TS, f.From) < 0 {
		return false
	}
	if f.To != "" && compareTimes(e.TS, f.To) > 0 {
		return false
	}
	return true
}

// compareTimes compares two timestamps numerically when both parse, falling
// back to lexical comparison for legacy records (safe for fixed-offset
// ISO-8601).
func compareTimes(a, b string) int {
	ta, errA := parseTimestamp(a)
	tb, errB := parseTimestamp(b)
	if errA == nil && errB == nil {
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Export writes the (up to 10000) matching events as JSONL to outputPath,
// or a timestamped file under <state>/exports when outputPath is empty.
// Records an audit_exported event on success.
func (s *Store) Export(f Filters, outputPath string) (string, int, error) {
	f.Limit = 10000
	events, err := s.Query(f)
	if err != nil {
		return "", 0, err
	}

	if outputPath == "" {
		dir := filepath.Join(s.dir, ExportsDir)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", 0, err
		}
		outputPath = filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", strconv.FormatInt(s.clock.Now().UnixMilli(), 36)))
	}

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, err
	}
	w := bufio.NewWriter(out)
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return "", 0, err
	}
	if err := out.Close(); err != nil {
		return "", 0, err
	}

	s.Append(EventAuditExported, "", "", map[string]interface{}{
		"output_path": outputPath,
		"events":      len(events),
	})
	return outputPath, len(events), nil
}
