// Package tracker implements the service tracker (C6): a client-side helper
// that keeps an in-sync view of every registration matching an
// (interface, filter) query, dispatching adding/modified/removed hooks.
// Grounded on muster's orchestrator subscriber-channel pattern
// (SubscribeToStateChanges), generalized from one hardcoded event type to an
// arbitrary interface/filter query against the registry.
package tracker

import (
	"context"
	"sync"
	"time"

	"module/internal/filter"
	"module/internal/registry"
)

// Hooks are the three callbacks a Tracker dispatches to as matching services
// come and go. Adding returns the tracked object for ref, or nil to decline
// tracking it (matching OSGi's customizer contract); every Adding that
// returns non-nil is eventually followed by exactly one Removed.
type Hooks struct {
	Adding   func(ref *registry.ServiceReference) interface{}
	Modified func(ref *registry.ServiceReference, tracked interface{})
	Removed  func(ref *registry.ServiceReference, tracked interface{})
}

// Tracker tracks registrations on one (interface, filter) query.
type Tracker struct {
	reg           *registry.Registry
	consumerID    int64
	interfaceName string
	filter        filter.Filter
	hooks         Hooks

	mu      sync.Mutex
	tracked map[int64]interface{} // service.id -> tracked object
	refs    map[int64]*registry.ServiceReference
	listen  registry.ListenerID
	open    bool

	changed chan struct{} // closed and replaced whenever the tracked set changes, for WaitForService
}

// New constructs a Tracker; call Open to begin tracking.
func New(reg *registry.Registry, consumerID int64, interfaceName string, f filter.Filter, hooks Hooks) *Tracker {
	return &Tracker{
		reg:           reg,
		consumerID:    consumerID,
		interfaceName: interfaceName,
		filter:        f,
		hooks:         hooks,
		tracked:       make(map[int64]interface{}),
		refs:          make(map[int64]*registry.ServiceReference),
		changed:       make(chan struct{}),
	}
}

// Open begins tracking: it seeds from the registry's current matches, then
// subscribes to future registry events.
func (t *Tracker) Open() {
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return
	}
	t.open = true
	t.mu.Unlock()

	for _, ref := range t.reg.GetReferences(t.interfaceName, t.filter) {
		t.handleAdding(ref)
	}

	t.listen = t.reg.AddListener(t.consumerID, t.filter, func(event registry.EventType, ref *registry.ServiceReference) {
		for _, iface := range ref.Interfaces() {
			if iface == t.interfaceName {
				t.dispatch(event, ref)
				return
			}
		}
	})
}

// Close stops tracking and fires Removed for every still-tracked service.
func (t *Tracker) Close() {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return
	}
	t.open = false
	listenID := t.listen
	remaining := make(map[int64]*registry.ServiceReference, len(t.refs))
	for id, ref := range t.refs {
		remaining[id] = ref
	}
	t.mu.Unlock()

	t.reg.RemoveListener(listenID)

	for id, ref := range remaining {
		t.handleRemoved(id, ref)
	}
}

func (t *Tracker) dispatch(event registry.EventType, ref *registry.ServiceReference) {
	switch event {
	case registry.Registered:
		t.handleAdding(ref)
	case registry.Modified:
		t.handleModified(ref)
	case registry.Unregistering, registry.ModifiedEndmatch:
		t.handleRemoved(ref.ID, ref)
	}
}

func (t *Tracker) handleAdding(ref *registry.ServiceReference) {
	t.mu.Lock()
	if _, already := t.refs[ref.ID]; already {
		t.mu.Unlock()
		return
	}
	t.refs[ref.ID] = ref
	t.mu.Unlock()

	var tracked interface{}
	if t.hooks.Adding != nil {
		tracked = t.hooks.Adding(ref)
	}
	if tracked == nil {
		t.mu.Lock()
		delete(t.refs, ref.ID)
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.tracked[ref.ID] = tracked
	t.signalChangeLocked()
	t.mu.Unlock()
}

func (t *Tracker) handleModified(ref *registry.ServiceReference) {
	t.mu.Lock()
	tracked, ok := t.tracked[ref.ID]
	if ok {
		t.refs[ref.ID] = ref
	}
	t.mu.Unlock()
	if !ok {
		t.handleAdding(ref)
		return
	}
	if t.hooks.Modified != nil {
		t.hooks.Modified(ref, tracked)
	}
}

func (t *Tracker) handleRemoved(id int64, ref *registry.ServiceReference) {
	t.mu.Lock()
	tracked, ok := t.tracked[id]
	delete(t.tracked, id)
	delete(t.refs, id)
	if ok {
		t.signalChangeLocked()
	}
	t.mu.Unlock()
	if ok && t.hooks.Removed != nil {
		t.hooks.Removed(ref, tracked)
	}
}

// signalChangeLocked wakes any goroutine blocked in WaitForService. Must be
// called with t.mu held.
func (t *Tracker) signalChangeLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// GetService returns the best tracked candidate (by ranking tie-break,
// matching the registry's own ordering), or nil if none are tracked.
func (t *Tracker) GetService() (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *registry.ServiceReference
	for _, ref := range t.refs {
		if best == nil || ref.Ranking > best.Ranking || (ref.Ranking == best.Ranking && ref.ID < best.ID) {
			best = ref
		}
	}
	if best == nil {
		return nil, false
	}
	return t.tracked[best.ID], true
}

// GetServices returns every tracked object, most- to least-preferred.
func (t *Tracker) GetServices() []interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	type entry struct {
		ref     *registry.ServiceReference
		tracked interface{}
	}
	entries := make([]entry, 0, len(t.refs))
	for id, ref := range t.refs {
		entries = append(entries, entry{ref: ref, tracked: t.tracked[id]})
	}
	// insertion sort is fine at the small N this tracker typically holds
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1].ref, entries[j].ref
			if a.Ranking > b.Ranking || (a.Ranking == b.Ranking && a.ID < b.ID) {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
	out := make([]interface{}, len(entries))
	for i, e := range entries {
		out[i] = e.tracked
	}
	return out
}

// WaitForService blocks until a tracked candidate is available or timeout
// elapses, returning nil, false on timeout. A timeout of zero waits forever.
func (t *Tracker) WaitForService(timeout time.Duration) (interface{}, bool) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		if svc, ok := t.GetService(); ok {
			return svc, true
		}

		t.mu.Lock()
		wait := t.changed
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false
		}
	}
}
