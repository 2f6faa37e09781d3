package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/treykane/tunnel-manager/internal/events"
	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/store"
)

// Reconcile checks every tunnel flagged connected that this manager holds no
// handle for. If a forwarder for its local port is still running (typically
// left by an earlier run) the flag is kept and the tunnel reports
// connected-untracked; otherwise the flag is cleared. It returns the ids whose
// flag was cleared.
func (m *Manager) Reconcile(ctx context.Context) []string {
	m.mu.Lock()
	var candidates []model.TunnelConfig
	for _, t := range m.tunnels {
		if t.IsConnected && !m.registry.has(t.ID) {
			candidates = append(candidates, t)
		}
	}
	m.mu.Unlock()

	var stale []model.TunnelConfig
	for _, t := range candidates {
		if info := m.inspector.FindExistingForwarder(ctx, t.LocalPort); info != nil {
			slog.Info("tunnel still forwarded by another process", "id", t.ID, "port", t.LocalPort, "pid", info.PID)
			continue
		}
		stale = append(stale, t)
	}
	if len(stale) == 0 {
		return nil
	}

	var cleared []model.TunnelConfig
	m.mu.Lock()
	for _, t := range stale {
		if m.registry.has(t.ID) {
			continue
		}
		if m.setConnectedLocked(t.ID, false) {
			cleared = append(cleared, t)
		}
	}
	m.mu.Unlock()
	if len(cleared) == 0 {
		return nil
	}

	if err := m.persist(); err != nil {
		slog.Warn("failed to persist reconciled state", "error", DebugMessage(err))
	}
	ids := make([]string, 0, len(cleared))
	for _, t := range cleared {
		slog.Info("cleared stale connected flag", "id", t.ID, "port", t.LocalPort)
		m.notify(events.Event{Type: events.Reconciled, TunnelID: t.ID, Name: t.Name, Message: "no forwarder found"})
		ids = append(ids, t.ID)
	}
	return ids
}

// LoadDefault restores the persisted working set. A missing file is an empty
// set. A file that cannot be read or parsed is moved aside to
// <path>.invalid and the manager starts empty; LoadIssue reports it.
func (m *Manager) LoadDefault(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	tunnels, err := store.Read(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.findSetAside()
			return nil
		}
		m.setAside(err)
		return nil
	}
	m.findSetAside()
	warnInvalidRecords(m.path, tunnels)
	m.replace(tunnels, "")
	m.Reconcile(ctx)
	m.notify(events.Event{Type: events.ConfigChanged, Message: "loaded " + m.path})
	return nil
}

const invalidSuffix = ".invalid"

// LoadIssue describes a default tunnel file that could not be restored.
type LoadIssue struct {
	Path string
	// MovedTo is where the file was moved. Empty when the move failed, in
	// which case saving stays off for this manager.
	MovedTo string
	Err     error
}

// LoadIssue returns the problem LoadDefault hit, or nil.
func (m *Manager) LoadIssue() *LoadIssue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadIssue == nil {
		return nil
	}
	cp := *m.loadIssue
	return &cp
}

// renameFile is os.Rename; tests replace it to simulate a failed move.
var renameFile = os.Rename

func (m *Manager) setAside(readErr error) {
	issue := &LoadIssue{Path: m.path, Err: persistenceError("loading", m.path, readErr)}
	aside := m.path + invalidSuffix
	if _, err := os.Lstat(aside); err == nil {
		aside += "-" + time.Now().Format("20060102-150405")
	}
	if err := renameFile(m.path, aside); err != nil {
		m.saveBlocked.Store(true)
		slog.Error("tunnel file unreadable and could not be moved aside; saving disabled",
			"path", m.path, "error", readErr, "rename_error", err)
	} else {
		issue.MovedTo = aside
		slog.Error("tunnel file unreadable; starting with no tunnels",
			"path", m.path, "moved_to", aside, "error", readErr)
	}
	m.mu.Lock()
	m.loadIssue = issue
	m.mu.Unlock()

	msg := "could not read " + m.path
	if issue.MovedTo != "" {
		msg += "; moved to " + issue.MovedTo
	}
	m.notify(events.Event{Type: events.ConfigChanged, Message: msg})
}

// findSetAside reports a file an earlier run moved aside until the user
// deletes it.
func (m *Manager) findSetAside() {
	dir, base := filepath.Split(m.path)
	entries, err := os.ReadDir(filepath.Clean(dir))
	if err != nil {
		return
	}
	var latest string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), base+invalidSuffix) && e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return
	}
	m.mu.Lock()
	m.loadIssue = &LoadIssue{
		Path:    m.path,
		MovedTo: filepath.Join(dir, latest),
		Err:     &Error{Kind: KindPersistence, Msg: "an unreadable tunnel file was set aside by an earlier run"},
	}
	m.mu.Unlock()
}

// warnInvalidRecords logs tunnels from source that Connect would refuse. They
// are kept so the user can fix them.
func warnInvalidRecords(source string, tunnels []model.TunnelConfig) int {
	n := 0
	for _, t := range tunnels {
		if err := validate(t); err != nil {
			slog.Warn("invalid tunnel record", "source", source, "id", t.ID, "name", t.Name, "error", DebugMessage(err))
			n++
		}
	}
	return n
}

// Load replaces the working set with the tunnels in path. The file is read
// first; if it is invalid nothing changes. Otherwise every tunnel is stopped
// and the set swapped, then reconciled and saved to the default location.
func (m *Manager) Load(ctx context.Context, path string) error {
	tunnels, err := store.Read(path)
	if err != nil {
		return persistenceError("loading", path, err)
	}
	warnInvalidRecords(path, tunnels)
	m.Shutdown()
	m.replace(tunnels, path)
	m.Reconcile(ctx)
	saveErr := m.persist()
	slog.Info("loaded tunnel file", "path", path, "tunnels", len(tunnels))
	m.notify(events.Event{Type: events.ConfigChanged, Message: "loaded " + path})
	return saveErr
}

// Merge appends the tunnels in path to the working set. Current tunnels keep
// running. Incoming ids that collide with existing ones are regenerated.
func (m *Manager) Merge(ctx context.Context, path string) (int, error) {
	tunnels, err := store.Read(path)
	if err != nil {
		return 0, persistenceError("merging", path, err)
	}
	warnInvalidRecords(path, tunnels)
	m.mu.Lock()
	seen := make(map[string]struct{}, len(m.tunnels)+len(tunnels))
	for _, t := range m.tunnels {
		seen[t.ID] = struct{}{}
	}
	for _, t := range uniqueIDs(tunnels, seen) {
		m.tunnels = append(m.tunnels, t)
	}
	m.mu.Unlock()

	m.Reconcile(ctx)
	saveErr := m.persist()
	slog.Info("merged tunnel file", "path", path, "tunnels", len(tunnels))
	m.notify(events.Event{Type: events.ConfigChanged, Message: fmt.Sprintf("merged %d tunnels from %s", len(tunnels), path)})
	return len(tunnels), saveErr
}

// Export writes the working set to path.
func (m *Manager) Export(path string) error {
	if err := store.Write(path, m.Tunnels()); err != nil {
		return persistenceError("exporting to", path, err)
	}
	return nil
}

// SaveCurrent writes the working set back to the file it was loaded from.
func (m *Manager) SaveCurrent() error {
	path := m.CurrentFile()
	if path == "" {
		return &Error{Kind: KindPersistence, Msg: "no configuration file loaded"}
	}
	return m.Export(path)
}

// CurrentFile is the path given to the last successful Load, or "" when the
// working set came from the default location.
func (m *Manager) CurrentFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// FileInfo describes a tunnel file without loading it.
func (m *Manager) FileInfo(path string) (store.FileInfo, error) {
	return store.Info(path)
}

// ConfigFiles lists the named tunnel files in the configs directory.
func (m *Manager) ConfigFiles() ([]store.FileInfo, []error) {
	if m.configDir == "" {
		return nil, nil
	}
	return store.List(m.configDir)
}

func (m *Manager) replace(tunnels []model.TunnelConfig, current string) {
	tunnels = uniqueIDs(tunnels, map[string]struct{}{})
	m.mu.Lock()
	m.tunnels = tunnels
	m.current = current
	m.mu.Unlock()
}

// uniqueIDs assigns fresh ids to tunnels with an empty id or one already in
// seen, and adds every final id to seen.
func uniqueIDs(tunnels []model.TunnelConfig, seen map[string]struct{}) []model.TunnelConfig {
	out := make([]model.TunnelConfig, 0, len(tunnels))
	for _, t := range tunnels {
		if _, dup := seen[t.ID]; dup || t.ID == "" {
			old := t.ID
			t.ID = model.NewTunnelID()
			if old != "" {
				slog.Warn("duplicate tunnel id replaced", "old", old, "new", t.ID)
			}
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}
