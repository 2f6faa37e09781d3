// Package events carries tunnel lifecycle events: an in-process Bus that UIs
// subscribe to for change notifications, and a Journal that appends the same
// events to events.jsonl for later inspection.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/tunnel-manager/internal/appconfig"
	"github.com/treykane/tunnel-manager/internal/model"
)

// Type names a lifecycle transition.
type Type string

const (
	ConnectRequested Type = "connect_requested"
	ConnectSucceeded Type = "connect_succeeded"
	ConnectFailed    Type = "connect_failed"
	ConnectCancelled Type = "connect_cancelled"
	Disconnected     Type = "disconnected"
	ProcessExited    Type = "process_exited"
	Reconciled       Type = "reconciled"
	ConfigChanged    Type = "config_changed"
	ForwarderKilled  Type = "forwarder_killed"
)

// Event is one lifecycle record.
type Event struct {
	Timestamp time.Time          `json:"timestamp"`
	Type      Type               `json:"event_type"`
	TunnelID  string             `json:"tunnel_id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Status    model.TunnelStatus `json:"status,omitempty"`
	Message   string             `json:"message,omitempty"`
	PID       int                `json:"pid,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	TunnelID string
	Name     string
	Type     Type
	Since    time.Time
	Limit    int
}

// Journal provides append/read access to the local event journal.
type Journal struct {
	mu   sync.Mutex
	path string
}

// NewJournal returns a journal at path. An empty path resolves to
// events.jsonl in the config directory on first use.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

func (j *Journal) filePath() (string, error) {
	if j.path != "" {
		return j.path, nil
	}
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// Append writes a single event as one JSON line.
func (j *Journal) Append(evt Event) error {
	path, err := j.filePath()
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// Read returns events in append order, filtered by query, keeping only the
// newest Limit entries when Limit > 0.
func (j *Journal) Read(q Query) ([]Event, error) {
	path, err := j.filePath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.TunnelID) != "" && evt.TunnelID != q.TunnelID {
		return false
	}
	if strings.TrimSpace(q.Name) != "" && evt.Name != q.Name {
		return false
	}
	if q.Type != "" && evt.Type != q.Type {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
