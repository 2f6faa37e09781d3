// Package tunnel owns the tunnel list and the lifecycle of the forwarder
// processes behind it.
//
// The Manager is the single mutation point. One mutex guards the tunnel list
// together with the process registry, so a tunnel's IsConnected flag and its
// handle never disagree for longer than a single method call. Blocking work
// (port checks, probes, spawning, killing, file I/O) always runs with the
// mutex released, and every connection attempt re-checks that its pending
// handle still exists after each blocking step so Cancel can win at any point.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treykane/tunnel-manager/internal/events"
	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/sshclient"
	"github.com/treykane/tunnel-manager/internal/store"
	"github.com/treykane/tunnel-manager/internal/util"
)

// Forwarder is a running port-forwarding process.
type Forwarder interface {
	PID() int
	CommandLine() string
	// Done is closed when the process exits for any reason.
	Done() <-chan struct{}
	Err() error
	Terminate() error
	// Output returns the last diagnostic line the process printed.
	Output() string
}

// Launcher starts forwarders and checks SSH reachability.
type Launcher interface {
	Probe(ctx context.Context, t model.TunnelConfig) error
	StartForwarder(ctx context.Context, t model.TunnelConfig) (Forwarder, error)
	// NeedsProbe is false for tunnels served without ssh (loopback relays).
	NeedsProbe(t model.TunnelConfig) bool
}

// PortInspector answers questions about local ports and the processes on them.
type PortInspector interface {
	IsPortFree(ctx context.Context, port int) bool
	FindExistingForwarder(ctx context.Context, port int) *model.ForwarderInfo
	CheckPortStatus(ctx context.Context, port int) model.PortStatus
	KillProcess(ctx context.Context, pid int) error
}

// Notifier receives presentation updates after every state change. The
// desktop tray used this for its tooltip; the TUI uses it for the window title.
type Notifier interface {
	TooltipChanged(text string)
	TunnelsPresent(present bool)
}

// Recorder remembers when tunnels were last connected.
type Recorder interface {
	Touch(id string) error
}

// Timing holds the lifecycle delays.
type Timing struct {
	// SettleInterval is how long a new forwarder must stay alive before the
	// connection counts as established.
	SettleInterval time.Duration
	// ConnectAllDelay spaces out the attempts of ConnectAllDisconnected.
	ConnectAllDelay time.Duration
	// PortReleaseDelay is waited after killing a conflicting forwarder.
	PortReleaseDelay time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		SettleInterval:   util.DefaultSettleInterval,
		ConnectAllDelay:  util.DefaultConnectAllDelay,
		PortReleaseDelay: util.DefaultPortReleaseDelay,
	}
}

// Options configures a Manager. Zero values are usable: no persistence, no
// journal, a private bus and default timings.
type Options struct {
	// Path is where the working tunnel set is saved after every change.
	Path string
	// ConfigsDir holds named tunnel files listed by ConfigFiles.
	ConfigsDir string
	Timing     Timing
	Bus        *events.Bus
	Journal    *events.Journal
	Notifier   Notifier
	Recorder   Recorder
}

// Manager coordinates tunnel configurations and their forwarder processes.
type Manager struct {
	mu       sync.Mutex
	tunnels  []model.TunnelConfig
	registry *Registry
	current  string

	// loadIssue is set when the default file could not be restored.
	loadIssue *LoadIssue

	// saveMu orders persistence so a later snapshot never lands before an
	// earlier one.
	saveMu sync.Mutex

	// saveBlocked keeps an unreadable default file from being overwritten.
	saveBlocked atomic.Bool

	launcher  Launcher
	inspector PortInspector
	path      string
	configDir string
	timing    Timing
	bus       *events.Bus
	journal   *events.Journal
	notifier  Notifier
	recorder  Recorder
}

// NewManager creates a manager with an empty tunnel set. Call LoadDefault to
// restore the persisted set.
func NewManager(launcher Launcher, inspector PortInspector, opts Options) *Manager {
	timing := opts.Timing
	def := DefaultTiming()
	if timing.SettleInterval <= 0 {
		timing.SettleInterval = def.SettleInterval
	}
	if timing.ConnectAllDelay < 0 {
		timing.ConnectAllDelay = def.ConnectAllDelay
	}
	if timing.PortReleaseDelay < 0 {
		timing.PortReleaseDelay = def.PortReleaseDelay
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	return &Manager{
		registry:  newRegistry(),
		launcher:  launcher,
		inspector: inspector,
		path:      opts.Path,
		configDir: opts.ConfigsDir,
		timing:    timing,
		bus:       bus,
		journal:   opts.Journal,
		notifier:  opts.Notifier,
		recorder:  opts.Recorder,
	}
}

// SetNotifier replaces the presentation notifier and refreshes it at once.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notifier = n
	total := len(m.tunnels)
	connected := len(m.registry.activeIDs())
	m.mu.Unlock()
	if n != nil {
		n.TooltipChanged(Tooltip(connected, total))
		n.TunnelsPresent(total > 0)
	}
}

// Subscribe returns a subscription that receives an event after every change.
func (m *Manager) Subscribe() *events.Subscription {
	return m.bus.Subscribe()
}

// TunnelState is a tunnel as presented to a UI.
type TunnelState struct {
	Config      model.TunnelConfig `json:"config"`
	Status      model.TunnelStatus `json:"status"`
	PID         int                `json:"pid,omitempty"`
	CommandLine string             `json:"command_line,omitempty"`
	Since       time.Time          `json:"since,omitempty"`
	UptimeSec   int64              `json:"uptime_sec,omitempty"`
	LatencyMS   int64              `json:"latency_ms,omitempty"`
}

// Tunnels returns a copy of the tunnel list in order.
func (m *Manager) Tunnels() []model.TunnelConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TunnelConfig(nil), m.tunnels...)
}

// Tunnel returns the tunnel with the given id.
func (m *Manager) Tunnel(id string) (model.TunnelConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return model.TunnelConfig{}, false
	}
	return m.tunnels[i], true
}

// StatusOf derives the observable status from the flag and the registry.
func (m *Manager) StatusOf(id string) model.TunnelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(id)
}

func (m *Manager) statusLocked(id string) model.TunnelStatus {
	if m.registry.isPending(id) {
		return model.StatusConnecting
	}
	if m.registry.isActive(id) {
		return model.StatusConnected
	}
	if i := m.indexLocked(id); i >= 0 && m.tunnels[i].IsConnected {
		return model.StatusUntracked
	}
	return model.StatusDisconnected
}

// IsConnecting reports whether a connection attempt for id is in flight.
func (m *Manager) IsConnecting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.isPending(id)
}

// HasActiveHandle reports whether this manager owns a live forwarder for id.
func (m *Manager) HasActiveHandle(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.isActive(id)
}

// CheckPortStatus reports whether port is free and, if not, who holds it.
func (m *Manager) CheckPortStatus(ctx context.Context, port int) model.PortStatus {
	return m.inspector.CheckPortStatus(ctx, port)
}

// Snapshot returns every tunnel with its status, forwarder details, and for
// connected tunnels a local TCP round-trip time.
func (m *Manager) Snapshot(ctx context.Context) []TunnelState {
	m.mu.Lock()
	out := make([]TunnelState, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		st := TunnelState{Config: t, Status: m.statusLocked(t.ID)}
		if h := m.registry.activeHandle(t.ID); h != nil && h.proc != nil {
			st.PID = h.proc.PID()
			st.CommandLine = h.proc.CommandLine()
			st.Since = h.startedAt
			st.UptimeSec = int64(time.Since(h.startedAt).Seconds())
		}
		out = append(out, st)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := range out {
		if out[i].Status != model.StatusConnected {
			continue
		}
		wg.Add(1)
		go func(st *TunnelState) {
			defer wg.Done()
			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(st.Config.LocalPort))
			d := net.Dialer{Timeout: util.DefaultBindTimeout}
			start := time.Now()
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				slog.Debug("tunnel latency probe failed", "id", st.Config.ID, "addr", addr, "error", err)
				return
			}
			_ = conn.Close()
			st.LatencyMS = time.Since(start).Milliseconds()
		}(&out[i])
	}
	wg.Wait()
	return out
}

// Add appends a tunnel. A missing id is generated; the connected flag is
// always cleared.
func (m *Manager) Add(t model.TunnelConfig) (model.TunnelConfig, error) {
	if err := validate(t); err != nil {
		return model.TunnelConfig{}, err
	}
	if t.ID == "" {
		t.ID = model.NewTunnelID()
	}
	t.IsConnected = false

	m.mu.Lock()
	if m.indexLocked(t.ID) >= 0 {
		m.mu.Unlock()
		return model.TunnelConfig{}, &Error{Kind: KindInvalid, TunnelID: t.ID, Msg: fmt.Sprintf("tunnel id already exists: %s", t.ID)}
	}
	m.tunnels = append(m.tunnels, t)
	m.mu.Unlock()

	err := m.persist()
	m.notify(events.Event{Type: events.ConfigChanged, TunnelID: t.ID, Name: t.Name, Message: "added"})
	return t, err
}

// Update replaces the definition of an existing tunnel. A connected or
// connecting tunnel is stopped first, since its forwarder reflects the old
// definition.
func (m *Manager) Update(t model.TunnelConfig) error {
	if err := validate(t); err != nil {
		return err
	}
	if _, ok := m.Tunnel(t.ID); !ok {
		return notFoundError(t.ID)
	}
	m.stop(t.ID)

	m.mu.Lock()
	i := m.indexLocked(t.ID)
	if i < 0 {
		m.mu.Unlock()
		return notFoundError(t.ID)
	}
	t.IsConnected = false
	m.tunnels[i] = t
	m.mu.Unlock()

	err := m.persist()
	m.notify(events.Event{Type: events.ConfigChanged, TunnelID: t.ID, Name: t.Name, Message: "updated"})
	return err
}

// Remove stops and deletes a tunnel.
func (m *Manager) Remove(id string) error {
	t, ok := m.Tunnel(id)
	if !ok {
		return notFoundError(id)
	}
	m.stop(id)

	m.mu.Lock()
	if i := m.indexLocked(id); i >= 0 {
		m.tunnels = append(m.tunnels[:i], m.tunnels[i+1:]...)
	}
	m.mu.Unlock()

	err := m.persist()
	m.notify(events.Event{Type: events.ConfigChanged, TunnelID: id, Name: t.Name, Message: "removed"})
	return err
}

// stop cancels a pending attempt and disconnects an active handle for id.
func (m *Manager) stop(id string) {
	m.Cancel(id)
	if err := m.Disconnect(id); err != nil {
		slog.Warn("disconnect before change failed", "id", id, "error", DebugMessage(err))
	}
}

func validate(t model.TunnelConfig) error {
	if err := util.ValidatePort(t.LocalPort); err != nil {
		return &Error{Kind: KindInvalid, TunnelID: t.ID, Port: t.LocalPort, Msg: "invalid local port: " + err.Error(), Err: err}
	}
	if err := util.ValidatePort(t.RemotePort); err != nil {
		return &Error{Kind: KindInvalid, TunnelID: t.ID, Msg: "invalid remote port: " + err.Error(), Err: err}
	}
	if t.SSHHost == "" {
		return &Error{Kind: KindInvalid, TunnelID: t.ID, Msg: "ssh host is required"}
	}
	return nil
}

func (m *Manager) indexLocked(id string) int {
	for i := range m.tunnels {
		if m.tunnels[i].ID == id {
			return i
		}
	}
	return -1
}

// setConnectedLocked flips the flag and reports whether it changed.
func (m *Manager) setConnectedLocked(id string, connected bool) bool {
	i := m.indexLocked(id)
	if i < 0 || m.tunnels[i].IsConnected == connected {
		return false
	}
	m.tunnels[i].IsConnected = connected
	return true
}

// persist writes the working set to the default location. The snapshot is
// taken under saveMu so writes land in mutation order.
func (m *Manager) persist() error {
	if m.path == "" {
		return nil
	}
	if m.saveBlocked.Load() {
		return &Error{Kind: KindPersistence, Msg: fmt.Sprintf("not saving: %s could not be read and was left in place", m.path)}
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	snap := append([]model.TunnelConfig(nil), m.tunnels...)
	m.mu.Unlock()

	if err := store.Write(m.path, snap); err != nil {
		slog.Warn("failed to persist tunnels", "path", m.path, "error", err)
		return persistenceError("saving", m.path, err)
	}
	return nil
}

// notify journals evt, publishes it, and refreshes the Notifier.
func (m *Manager) notify(evt events.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	if evt.TunnelID != "" && evt.Status == "" {
		evt.Status = m.statusLocked(evt.TunnelID)
	}
	total := len(m.tunnels)
	connected := 0
	for _, t := range m.tunnels {
		if m.registry.isActive(t.ID) {
			connected++
		}
	}
	notifier := m.notifier
	m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.Append(evt); err != nil {
			slog.Debug("failed to append event", "event_type", evt.Type, "error", err)
		}
	}
	m.bus.Publish(evt)
	if notifier != nil {
		notifier.TooltipChanged(Tooltip(connected, total))
		notifier.TunnelsPresent(total > 0)
	}
}

// Tooltip renders the summary line shown by tray icons and window titles.
func Tooltip(connected, total int) string {
	if total == 0 {
		return "Tunnel Manager - no tunnels"
	}
	return fmt.Sprintf("Tunnel Manager - %d of %d connected", connected, total)
}

// sshLauncher adapts *sshclient.Client to Launcher.
type sshLauncher struct {
	client *sshclient.Client
}

// NewSSHLauncher returns a Launcher backed by the system ssh and relay binaries.
func NewSSHLauncher(c *sshclient.Client) Launcher {
	return sshLauncher{client: c}
}

func (l sshLauncher) Probe(ctx context.Context, t model.TunnelConfig) error {
	return l.client.Probe(ctx, t)
}

func (l sshLauncher) StartForwarder(ctx context.Context, t model.TunnelConfig) (Forwarder, error) {
	p, err := l.client.StartForwarder(ctx, t)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (l sshLauncher) NeedsProbe(t model.TunnelConfig) bool {
	return !sshclient.UsesRelay(t)
}
