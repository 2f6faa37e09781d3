package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/treykane/tunnel-manager/internal/events"
	"github.com/treykane/tunnel-manager/internal/model"
)

// Connect establishes the tunnel with the given id.
//
// The attempt runs in stages: register a pending handle, check the local
// port, probe the SSH host, spawn the forwarder, then wait the settle
// interval. Only a forwarder still alive after settling is promoted to
// active and flips IsConnected. Cancel(id) or cancelling ctx aborts the
// attempt at any stage and kills whatever it spawned.
//
// Connecting a tunnel that is already active is a no-op.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return notFoundError(id)
	}
	t := m.tunnels[i]
	if m.registry.isActive(id) {
		m.mu.Unlock()
		return nil
	}
	if err := validate(t); err != nil {
		m.mu.Unlock()
		return err
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	h, ok := m.registry.addPending(id, cancel)
	m.mu.Unlock()
	if !ok {
		cancel()
		return &Error{Kind: KindInvalid, TunnelID: id, Msg: fmt.Sprintf("%s is already connecting", t.DisplayName())}
	}
	defer cancel()

	slog.Info("connecting tunnel", "id", id, "name", t.Name, "local_port", t.LocalPort, "destination", t.Destination())
	m.notify(events.Event{Type: events.ConnectRequested, TunnelID: id, Name: t.Name})

	st := m.inspector.CheckPortStatus(attemptCtx, t.LocalPort)
	if !m.stillPending(h) || attemptCtx.Err() != nil {
		return m.abort(h, nil, t)
	}
	if !st.Available {
		return m.fail(h, t, conflictError(t, st))
	}

	if m.launcher.NeedsProbe(t) {
		err := m.launcher.Probe(attemptCtx, t)
		if !m.stillPending(h) || attemptCtx.Err() != nil {
			return m.abort(h, nil, t)
		}
		if err != nil {
			return m.fail(h, t, &Error{
				Kind: KindConnectivity, TunnelID: id, Port: t.LocalPort,
				Msg: fmt.Sprintf("cannot reach %s", t.Destination()), Err: err,
			})
		}
	}

	proc, err := m.launcher.StartForwarder(attemptCtx, t)
	if err != nil {
		if !m.stillPending(h) || attemptCtx.Err() != nil {
			return m.abort(h, nil, t)
		}
		return m.fail(h, t, &Error{
			Kind: KindSpawn, TunnelID: id, Port: t.LocalPort,
			Msg: fmt.Sprintf("failed to start forwarder for %s", t.DisplayName()), Err: err,
		})
	}

	m.mu.Lock()
	attached := m.registry.attach(h, proc)
	m.mu.Unlock()
	if !attached {
		return m.abort(h, proc, t)
	}

	timer := time.NewTimer(m.timing.SettleInterval)
	defer timer.Stop()
	select {
	case <-proc.Done():
		if !m.stillPending(h) {
			return m.abort(h, proc, t)
		}
		cause := proc.Err()
		if out := proc.Output(); out != "" {
			cause = errors.New(out)
		}
		return m.fail(h, t, &Error{
			Kind: KindSpawn, TunnelID: id, Port: t.LocalPort, Command: proc.CommandLine(),
			Msg: fmt.Sprintf("forwarder for %s exited during startup", t.DisplayName()), Err: cause,
		})
	case <-attemptCtx.Done():
		return m.abort(h, proc, t)
	case <-timer.C:
	}

	m.mu.Lock()
	promoted := m.registry.promote(h)
	if promoted {
		m.setConnectedLocked(id, true)
	}
	m.mu.Unlock()
	if !promoted {
		return m.abort(h, proc, t)
	}

	go m.watch(h, proc)
	slog.Info("tunnel connected", "id", id, "name", t.Name, "pid", proc.PID())
	if err := m.persist(); err != nil {
		slog.Warn("connected but state not saved", "id", id, "error", DebugMessage(err))
	}
	if m.recorder != nil {
		if err := m.recorder.Touch(id); err != nil {
			slog.Debug("failed to record history", "id", id, "error", err)
		}
	}
	m.notify(events.Event{Type: events.ConnectSucceeded, TunnelID: id, Name: t.Name, PID: proc.PID()})
	return nil
}

func (m *Manager) stillPending(h *Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.isCurrentPending(h)
}

// fail ends an attempt that went wrong on its own. The tunnel stays
// disconnected.
func (m *Manager) fail(h *Handle, t model.TunnelConfig, err error) error {
	m.mu.Lock()
	removed := m.registry.removePendingIf(h)
	m.mu.Unlock()
	if !removed {
		return cancelledError(t)
	}
	slog.Warn("tunnel connect failed", "id", t.ID, "name", t.Name, "error", DebugMessage(err))
	te, _ := AsError(err)
	evt := events.Event{Type: events.ConnectFailed, TunnelID: t.ID, Name: t.Name, Message: err.Error()}
	if te != nil {
		evt.PID = te.PID
	}
	m.notify(evt)
	return err
}

// abort ends a cancelled attempt, terminating proc if one was spawned. When
// Cancel already removed the handle it also published the event.
func (m *Manager) abort(h *Handle, proc Forwarder, t model.TunnelConfig) error {
	m.mu.Lock()
	removed := m.registry.removePendingIf(h)
	m.mu.Unlock()
	if proc != nil {
		if err := proc.Terminate(); err != nil {
			slog.Debug("terminate cancelled forwarder", "id", t.ID, "pid", proc.PID(), "error", err)
		}
	}
	slog.Info("tunnel connect cancelled", "id", t.ID, "name", t.Name)
	if removed {
		m.notify(events.Event{Type: events.ConnectCancelled, TunnelID: t.ID, Name: t.Name})
	}
	return cancelledError(t)
}

// Cancel aborts an in-flight connection attempt for id. It kills a probe or
// forwarder the attempt already started and reports whether there was an
// attempt to cancel.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	h := m.registry.removePending(id)
	var proc Forwarder
	if h != nil {
		proc = h.proc
	}
	name := ""
	if i := m.indexLocked(id); i >= 0 {
		name = m.tunnels[i].Name
	}
	m.mu.Unlock()
	if h == nil {
		return false
	}

	h.cancel()
	if proc != nil {
		if err := proc.Terminate(); err != nil {
			slog.Debug("terminate cancelled forwarder", "id", id, "pid", proc.PID(), "error", err)
		}
	}
	slog.Info("cancelled connection attempt", "id", id)
	m.notify(events.Event{Type: events.ConnectCancelled, TunnelID: id, Name: name})
	return true
}

// watch waits for an active forwarder to exit and marks the tunnel
// disconnected. A Disconnect that removed the handle first wins.
func (m *Manager) watch(h *Handle, proc Forwarder) {
	<-proc.Done()

	m.mu.Lock()
	if !m.registry.removeActiveIf(h) {
		m.mu.Unlock()
		return
	}
	m.setConnectedLocked(h.TunnelID, false)
	name := ""
	if i := m.indexLocked(h.TunnelID); i >= 0 {
		name = m.tunnels[i].Name
	}
	m.mu.Unlock()

	msg := proc.Output()
	slog.Warn("forwarder exited", "id", h.TunnelID, "pid", proc.PID(), "error", proc.Err(), "output", msg)
	if err := m.persist(); err != nil {
		slog.Warn("failed to persist after forwarder exit", "id", h.TunnelID, "error", DebugMessage(err))
	}
	m.notify(events.Event{Type: events.ProcessExited, TunnelID: h.TunnelID, Name: name, PID: proc.PID(), Message: msg})
}

// Disconnect stops the forwarder this manager owns for id.
//
// A tunnel flagged connected without a handle (stale, or started by an
// earlier run) only has its flag cleared; no process is killed. Use
// DisconnectUntracked to stop such a forwarder.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return notFoundError(id)
	}
	name := m.tunnels[i].Name
	h := m.registry.removeActive(id)
	changed := m.setConnectedLocked(id, false)
	m.mu.Unlock()

	if h == nil {
		if !changed {
			return nil
		}
		slog.Info("cleared stale connected flag", "id", id)
		if err := m.persist(); err != nil {
			slog.Warn("failed to persist after disconnect", "id", id, "error", DebugMessage(err))
		}
		m.notify(events.Event{Type: events.Disconnected, TunnelID: id, Name: name, Message: "untracked"})
		return nil
	}

	pid := h.proc.PID()
	if err := h.proc.Terminate(); err != nil {
		slog.Warn("failed to terminate forwarder", "id", id, "pid", pid, "error", err)
	}
	slog.Info("tunnel disconnected", "id", id, "pid", pid)
	if err := m.persist(); err != nil {
		slog.Warn("failed to persist after disconnect", "id", id, "error", DebugMessage(err))
	}
	m.notify(events.Event{Type: events.Disconnected, TunnelID: id, Name: name, PID: pid})
	return nil
}

// DisconnectUntracked stops a forwarder for id that this manager does not
// own, found by scanning for a process forwarding the tunnel's local port.
// Tunnels with a handle go through Disconnect.
func (m *Manager) DisconnectUntracked(ctx context.Context, id string) error {
	t, ok := m.Tunnel(id)
	if !ok {
		return notFoundError(id)
	}
	if m.HasActiveHandle(id) {
		return m.Disconnect(id)
	}

	info := m.inspector.FindExistingForwarder(ctx, t.LocalPort)
	if info != nil {
		if err := m.inspector.KillProcess(ctx, info.PID); err != nil {
			return &Error{
				Kind: KindKill, TunnelID: id, Port: t.LocalPort, PID: info.PID, Command: info.CommandLine,
				Msg: fmt.Sprintf("could not stop pid %d forwarding port %d", info.PID, t.LocalPort), Err: err,
			}
		}
		slog.Info("killed untracked forwarder", "id", id, "pid", info.PID, "port", t.LocalPort)
		m.notify(events.Event{Type: events.ForwarderKilled, TunnelID: id, Name: t.Name, PID: info.PID})
	}
	return m.Disconnect(id)
}

// DisconnectAll stops every forwarder this manager owns.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := m.registry.activeIDs()
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			slog.Warn("disconnect failed", "id", id, "error", DebugMessage(err))
		}
	}
}

// Shutdown cancels in-flight attempts and disconnects every owned forwarder.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pending := m.registry.pendingIDs()
	m.mu.Unlock()
	for _, id := range pending {
		m.Cancel(id)
	}
	m.DisconnectAll()
}

// ConnectAllDisconnected connects, one after another, every tunnel that is
// neither connected nor connecting, pausing ConnectAllDelay between attempts.
// A failure does not stop the batch. The result maps tunnel id to outcome.
func (m *Manager) ConnectAllDisconnected(ctx context.Context) map[string]error {
	m.mu.Lock()
	var ids []string
	for _, t := range m.tunnels {
		if m.statusLocked(t.ID) == model.StatusDisconnected {
			ids = append(ids, t.ID)
		}
	}
	m.mu.Unlock()

	results := make(map[string]error, len(ids))
	for n, id := range ids {
		if n > 0 && m.timing.ConnectAllDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(m.timing.ConnectAllDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			t, _ := m.Tunnel(id)
			results[id] = cancelledError(t)
			continue
		}
		results[id] = m.Connect(ctx, id)
	}
	return results
}

// DisconnectExistingAndConnect kills whatever forwarder holds the tunnel's
// local port, waits for the port to be released, then connects.
func (m *Manager) DisconnectExistingAndConnect(ctx context.Context, id string) error {
	t, ok := m.Tunnel(id)
	if !ok {
		return notFoundError(id)
	}

	info := m.inspector.FindExistingForwarder(ctx, t.LocalPort)
	if info != nil {
		if err := m.inspector.KillProcess(ctx, info.PID); err != nil {
			return &Error{
				Kind: KindKill, TunnelID: id, Port: t.LocalPort, PID: info.PID, Command: info.CommandLine,
				Msg: fmt.Sprintf("could not stop pid %d forwarding port %d", info.PID, t.LocalPort), Err: err,
			}
		}
		slog.Info("killed conflicting forwarder", "id", id, "pid", info.PID, "port", t.LocalPort)
		m.notify(events.Event{Type: events.ForwarderKilled, TunnelID: id, Name: t.Name, PID: info.PID})

		select {
		case <-ctx.Done():
			return cancelledError(t)
		case <-time.After(m.timing.PortReleaseDelay):
		}
	}

	if !m.inspector.IsPortFree(ctx, t.LocalPort) {
		if info == nil {
			return &Error{
				Kind: KindPortConflict, TunnelID: id, Port: t.LocalPort,
				Msg: fmt.Sprintf("local port %d is in use by another application; no forwarder to stop", t.LocalPort),
			}
		}
		return &Error{
			Kind: KindPortConflict, TunnelID: id, Port: t.LocalPort, PID: info.PID,
			Msg: fmt.Sprintf("local port %d is still in use after stopping pid %d", t.LocalPort, info.PID),
		}
	}
	return m.Connect(ctx, id)
}
