package tunnel

import (
	"context"
	"sort"
	"time"
)

// Phase tags a process handle.
type Phase int

const (
	// PhasePending: a connection attempt is underway and not yet confirmed.
	PhasePending Phase = iota
	// PhaseActive: the forwarder survived the settle window and is watched for exit.
	PhaseActive
)

// Handle is the registry's record for one tunnel. A pending handle may not
// have a process yet (port check or probe still running).
type Handle struct {
	TunnelID  string
	phase     Phase
	proc      Forwarder
	cancel    context.CancelFunc
	startedAt time.Time
}

// Registry maps tunnel ids to process handles, split into pending and active.
// An id appears at most once across both maps.
//
// Registry does no locking; every method must be called with the manager's
// mutex held.
type Registry struct {
	pending map[string]*Handle
	active  map[string]*Handle
}

func newRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*Handle),
		active:  make(map[string]*Handle),
	}
}

// addPending inserts a placeholder. It fails if id already has any handle.
func (r *Registry) addPending(id string, cancel context.CancelFunc) (*Handle, bool) {
	if r.has(id) {
		return nil, false
	}
	h := &Handle{TunnelID: id, phase: PhasePending, cancel: cancel, startedAt: time.Now()}
	r.pending[id] = h
	return h, true
}

func (r *Registry) has(id string) bool {
	_, p := r.pending[id]
	_, a := r.active[id]
	return p || a
}

// isCurrentPending reports whether h is still the pending entry for its id.
// Cancel removes the entry, so a false result means the attempt was aborted.
func (r *Registry) isCurrentPending(h *Handle) bool {
	return r.pending[h.TunnelID] == h
}

// attach records the spawned process on a pending handle.
func (r *Registry) attach(h *Handle, proc Forwarder) bool {
	if !r.isCurrentPending(h) {
		return false
	}
	h.proc = proc
	return true
}

// promote moves h from pending to active.
func (r *Registry) promote(h *Handle) bool {
	if !r.isCurrentPending(h) || h.proc == nil {
		return false
	}
	delete(r.pending, h.TunnelID)
	h.phase = PhaseActive
	h.startedAt = time.Now()
	r.active[h.TunnelID] = h
	return true
}

func (r *Registry) removePending(id string) *Handle {
	h, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return h
}

// removePendingIf removes h only if it is still the pending entry.
func (r *Registry) removePendingIf(h *Handle) bool {
	if !r.isCurrentPending(h) {
		return false
	}
	delete(r.pending, h.TunnelID)
	return true
}

func (r *Registry) removeActive(id string) *Handle {
	h, ok := r.active[id]
	if !ok {
		return nil
	}
	delete(r.active, id)
	return h
}

// removeActiveIf removes h only if it is still the active entry. The exit
// watcher uses it so a disconnect that already removed the handle wins.
func (r *Registry) removeActiveIf(h *Handle) bool {
	if r.active[h.TunnelID] != h {
		return false
	}
	delete(r.active, h.TunnelID)
	return true
}

func (r *Registry) isPending(id string) bool {
	_, ok := r.pending[id]
	return ok
}

func (r *Registry) isActive(id string) bool {
	_, ok := r.active[id]
	return ok
}

func (r *Registry) activeHandle(id string) *Handle {
	return r.active[id]
}

func (r *Registry) activeIDs() []string {
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) pendingIDs() []string {
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
