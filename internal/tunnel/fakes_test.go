package tunnel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treykane/tunnel-manager/internal/events"
	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/store"
)

// fakeProc stands in for an ssh forwarder. It "runs" until Terminate or
// exit is called.
type fakeProc struct {
	pid        int
	cmd        string
	out        string
	done       chan struct{}
	once       sync.Once
	terminated atomic.Bool
	onExit     func()
}

func newFakeProc(pid int, cmd string) *fakeProc {
	return &fakeProc{pid: pid, cmd: cmd, done: make(chan struct{})}
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) CommandLine() string   { return p.cmd }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Output() string        { return p.out }

func (p *fakeProc) Err() error {
	select {
	case <-p.done:
		return errors.New("exit status 255")
	default:
		return nil
	}
}

func (p *fakeProc) Terminate() error {
	p.terminated.Store(true)
	p.exit()
	return nil
}

func (p *fakeProc) exit() {
	p.once.Do(func() {
		if p.onExit != nil {
			p.onExit()
		}
		close(p.done)
	})
}

// fakeInspector tracks occupied ports. A nil ForwarderInfo marks a port held
// by something that is not a tunnel.
type fakeInspector struct {
	mu      sync.Mutex
	busy    map[int]*model.ForwarderInfo
	killed  []int
	killErr error
	// stuck keeps the port occupied after a successful kill.
	stuck bool
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{busy: make(map[int]*model.ForwarderInfo)}
}

func (f *fakeInspector) occupy(port int, info *model.ForwarderInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[port] = info
}

func (f *fakeInspector) releaseIf(port, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.busy[port]; ok && info != nil && info.PID == pid {
		delete(f.busy, port)
	}
}

func (f *fakeInspector) IsPortFree(ctx context.Context, port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.busy[port]
	return !busy
}

func (f *fakeInspector) FindExistingForwarder(ctx context.Context, port int) *model.ForwarderInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.busy[port]
	if info == nil {
		return nil
	}
	cp := *info
	return &cp
}

func (f *fakeInspector) CheckPortStatus(ctx context.Context, port int) model.PortStatus {
	if f.IsPortFree(ctx, port) {
		return model.PortStatus{Port: port, Available: true}
	}
	return model.PortStatus{Port: port, Existing: f.FindExistingForwarder(ctx, port)}
}

func (f *fakeInspector) KillProcess(ctx context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, pid)
	if f.stuck {
		return nil
	}
	for port, info := range f.busy {
		if info != nil && info.PID == pid {
			delete(f.busy, port)
		}
	}
	return nil
}

func (f *fakeInspector) killedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}

// fakeLauncher starts fakeProcs and marks their port busy on the inspector
// while they run, the way a real forwarder binds its local port.
type fakeLauncher struct {
	mu         sync.Mutex
	inspector  *fakeInspector
	probeErr   error
	blockProbe bool
	noProbe    bool
	// probeBy, when set, decides NeedsProbe per tunnel.
	probeBy    func(model.TunnelConfig) bool
	startErr   error
	exitAtOnce bool

	probes     int
	probed     []string
	procs      []*fakeProc
	started    []string
	startTimes []time.Time
	nextPID    int
}

func (l *fakeLauncher) Probe(ctx context.Context, t model.TunnelConfig) error {
	l.mu.Lock()
	l.probes++
	l.probed = append(l.probed, t.ID)
	block, err := l.blockProbe, l.probeErr
	l.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (l *fakeLauncher) NeedsProbe(t model.TunnelConfig) bool {
	if l.probeBy != nil {
		return l.probeBy(t)
	}
	return !l.noProbe
}

func (l *fakeLauncher) StartForwarder(ctx context.Context, t model.TunnelConfig) (Forwarder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return nil, l.startErr
	}
	l.nextPID++
	pid := 40000 + l.nextPID
	cmd := fmt.Sprintf("ssh -N -L %d:%s:%d %s", t.LocalPort, t.RemoteHost, t.RemotePort, t.Destination())
	p := newFakeProc(pid, cmd)
	l.procs = append(l.procs, p)
	l.started = append(l.started, t.ID)
	l.startTimes = append(l.startTimes, time.Now())
	if l.exitAtOnce {
		p.out = "bind [127.0.0.1]:8080: Address already in use"
		p.exit()
		return p, nil
	}
	if l.inspector != nil {
		port := t.LocalPort
		l.inspector.occupy(port, &model.ForwarderInfo{PID: pid, CommandLine: cmd, LocalPort: port})
		p.onExit = func() { l.inspector.releaseIf(port, pid) }
	}
	return p, nil
}

func (l *fakeLauncher) probeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.probes
}

func (l *fakeLauncher) probedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.probed...)
}

func (l *fakeLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type fakeNotifier struct {
	mu      sync.Mutex
	tooltip string
	present bool
	calls   int
}

func (n *fakeNotifier) TooltipChanged(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tooltip = text
	n.calls++
}

func (n *fakeNotifier) TunnelsPresent(present bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.present = present
}

func (n *fakeNotifier) last() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tooltip, n.present
}

type fakeRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *fakeRecorder) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

type harness struct {
	m        *Manager
	launcher *fakeLauncher
	insp     *fakeInspector
	notifier *fakeNotifier
	recorder *fakeRecorder
	path     string
	dir      string
}

func tunnelFixture(id string, port int) model.TunnelConfig {
	return model.TunnelConfig{
		ID: id, Name: id, RemoteHost: "db.internal", RemotePort: 5432,
		SSHUser: "deploy", SSHHost: "bastion", LocalPort: port,
	}
}

// newHarness builds a manager over fakes, persisting to a temp dir. Any
// tunnels given are written to the default file and loaded, so flags set on
// them go through reconciliation like at startup.
func newHarness(t *testing.T, tunnels ...model.TunnelConfig) *harness {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnels.yaml")
	if len(tunnels) > 0 {
		require.NoError(t, store.Write(path, tunnels))
	}
	insp := newFakeInspector()
	h := &harness{
		launcher: &fakeLauncher{inspector: insp},
		insp:     insp,
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
		path:     path,
		dir:      dir,
	}
	h.m = NewManager(h.launcher, insp, Options{
		Path:       path,
		ConfigsDir: filepath.Join(dir, "configs"),
		Timing: Timing{
			SettleInterval:   20 * time.Millisecond,
			PortReleaseDelay: time.Millisecond,
		},
		Journal:  events.NewJournal(filepath.Join(dir, "events.jsonl")),
		Notifier: h.notifier,
		Recorder: h.recorder,
	})
	t.Cleanup(h.m.Shutdown)
	return h
}

// load restores the default file, as startup does.
func (h *harness) load(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.LoadDefault(context.Background()))
}

func (h *harness) saved(t *testing.T) []model.TunnelConfig {
	t.Helper()
	tunnels, err := store.Read(h.path)
	require.NoError(t, err)
	return tunnels
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-sub.C():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func countType(evts []events.Event, typ events.Type) int {
	n := 0
	for _, e := range evts {
		if e.Type == typ {
			n++
		}
	}
	return n
}
