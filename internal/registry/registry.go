// Package registry implements the service registry (C5): typed publish,
// lookup, reference counting, property filtering, ranking-based selection,
// and listener fan-out, per SPEC_FULL.md §4.2. Grounded on muster's
// internal/services/registry.go (RWMutex-protected map registry) generalized
// from a single-interface table to a multi-interface, ranking-ordered,
// filter-queryable one; the "snapshot under lock, callback after release"
// discipline follows muster's internal/services/base.go BaseService.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"module/internal/api"
	"module/internal/filter"
)

// Well-known property keys, per SPEC_FULL.md §3.
const (
	PropServiceID      = "service.id"
	PropServiceRanking = "service.ranking"
	PropObjectClass    = "objectClass"
	PropServicePid     = "service.pid"
)

// EventType enumerates the registry lifecycle events listeners subscribe to.
type EventType int

const (
	Registered EventType = iota
	Modified
	Unregistering
	ModifiedEndmatch
)

func (e EventType) String() string {
	switch e {
	case Registered:
		return "REGISTERED"
	case Modified:
		return "MODIFIED"
	case Unregistering:
		return "UNREGISTERING"
	case ModifiedEndmatch:
		return "MODIFIED_ENDMATCH"
	default:
		return "UNKNOWN"
	}
}

// ServiceFactory lets a registration produce a distinct instance per
// consumer bundle instead of sharing one instance (SPEC_FULL.md §4.2).
type ServiceFactory interface {
	GetService(consumerBundleID int64) (interface{}, error)
	UngetService(consumerBundleID int64, instance interface{})
}

// Registration is the record created by Register. Its exported fields are
// read-only snapshots taken under the registry lock; callers must not mutate
// them.
type Registration struct {
	ID         int64
	BundleID   int64
	Interfaces []string
	Properties map[string]interface{}

	instance interface{} // nil when Factory is set
	factory  ServiceFactory

	mu          sync.Mutex
	useCount    map[int64]int64
	cachedValue map[int64]interface{}
}

// ServiceReference is the lightweight handle returned by lookups, carrying
// just the service id and a pointer to the backing registration.
type ServiceReference struct {
	ID         int64
	Ranking    int
	reg        *Registration
	properties map[string]interface{} // snapshot at lookup time
}

// Properties returns the snapshot of properties taken when this reference
// was produced.
func (r *ServiceReference) Properties() map[string]interface{} {
	return r.properties
}

// Interfaces returns the object classes this reference's registration was
// published under.
func (r *ServiceReference) Interfaces() []string {
	return append([]string(nil), r.reg.Interfaces...)
}

// BundleID returns the id of the bundle that published this reference.
func (r *ServiceReference) BundleID() int64 {
	return r.reg.BundleID
}

// listener is one subscription added via AddListener.
type listener struct {
	id       uuid.UUID
	bundleID int64
	filter   filter.Filter
	callback func(EventType, *ServiceReference)
}

// ListenerID identifies a subscription for later removal.
type ListenerID uuid.UUID

// Registry is the service registry. The zero value is not usable; use New.
type Registry struct {
	mu          sync.RWMutex
	byInterface map[string][]*Registration
	byID        map[int64]*Registration
	nextID      int64
	listeners   []*listener
	factorySF   singleflight.Group
}

// New returns an empty, ready Registry.
func New() *Registry {
	return &Registry{
		byInterface: make(map[string][]*Registration),
		byID:        make(map[int64]*Registration),
	}
}

// Register publishes instanceOrFactory under the given interface names.
// instanceOrFactory is either a plain service instance or a ServiceFactory;
// the registry treats both as opaque (SPEC_FULL.md §9 "polymorphism over
// user types"). props is merged with framework-assigned service.id and
// objectClass; service.ranking defaults to 0 if absent.
func (r *Registry) Register(bundleID int64, interfaces []string, instanceOrFactory interface{}, props map[string]interface{}) (*Registration, error) {
	if len(interfaces) == 0 {
		return nil, api.New(api.KindInvalidArgument, "register requires at least one interface name")
	}

	merged := make(map[string]interface{}, len(props)+2)
	for k, v := range props {
		merged[k] = v
	}
	if _, ok := merged[PropServiceRanking]; !ok {
		merged[PropServiceRanking] = 0
	}
	merged[PropObjectClass] = append([]string(nil), interfaces...)

	reg := &Registration{
		BundleID:    bundleID,
		Interfaces:  append([]string(nil), interfaces...),
		Properties:  merged,
		useCount:    make(map[int64]int64),
		cachedValue: make(map[int64]interface{}),
	}
	if sf, ok := instanceOrFactory.(ServiceFactory); ok {
		reg.factory = sf
	} else {
		reg.instance = instanceOrFactory
	}

	r.mu.Lock()
	r.nextID++
	reg.ID = r.nextID
	merged[PropServiceID] = reg.ID
	r.byID[reg.ID] = reg
	for _, iface := range interfaces {
		r.byInterface[iface] = append(r.byInterface[iface], reg)
	}
	snapshot := r.snapshotListeners()
	r.mu.Unlock()

	ref := r.referenceFor(reg)
	r.notify(snapshot, Registered, ref)
	return reg, nil
}

// Unregister withdraws a registration. UNREGISTERING is published before
// removal from the lookup indexes; the record itself survives until every
// outstanding use-count reaches zero via UngetService.
func (r *Registry) Unregister(reg *Registration) error {
	r.mu.RLock()
	_, exists := r.byID[reg.ID]
	snapshot := r.snapshotListeners()
	r.mu.RUnlock()
	if !exists {
		return api.New(api.KindIllegalState, fmt.Sprintf("service %d already unregistered", reg.ID))
	}

	ref := r.referenceFor(reg)
	r.notify(snapshot, Unregistering, ref)

	r.mu.Lock()
	delete(r.byID, reg.ID)
	for _, iface := range reg.Interfaces {
		r.byInterface[iface] = removeReg(r.byInterface[iface], reg)
	}
	r.mu.Unlock()
	return nil
}

func removeReg(list []*Registration, target *Registration) []*Registration {
	out := list[:0]
	for _, reg := range list {
		if reg != target {
			out = append(out, reg)
		}
	}
	return out
}

// UpdateProperties replaces a registration's properties (service.id and
// objectClass are preserved from the original registration regardless of
// what newProps contains). Publishes MODIFIED to every listener whose filter
// matches the new property set, and MODIFIED_ENDMATCH instead to listeners
// that matched the old set but no longer
// match the new one (DESIGN.md Open Question 4).
func (r *Registry) UpdateProperties(reg *Registration, newProps map[string]interface{}) error {
	r.mu.Lock()
	if _, exists := r.byID[reg.ID]; !exists {
		r.mu.Unlock()
		return api.New(api.KindIllegalState, fmt.Sprintf("service %d not registered", reg.ID))
	}

	oldProps := reg.Properties
	merged := make(map[string]interface{}, len(newProps)+2)
	for k, v := range newProps {
		merged[k] = v
	}
	merged[PropServiceID] = reg.ID
	merged[PropObjectClass] = append([]string(nil), reg.Interfaces...)
	if _, ok := merged[PropServiceRanking]; !ok {
		merged[PropServiceRanking] = 0
	}
	reg.Properties = merged
	snapshot := r.snapshotListeners()
	r.mu.Unlock()

	ref := r.referenceFor(reg)
	oldRef := &ServiceReference{ID: reg.ID, reg: reg, properties: oldProps}

	for _, l := range snapshot {
		matchedOld := l.filter == nil || l.filter.Matches(oldProps)
		matchedNew := l.filter == nil || l.filter.Matches(merged)
		if matchedNew {
			l.callback(Modified, ref)
		}
		if matchedOld && !matchedNew {
			l.callback(ModifiedEndmatch, oldRef)
		}
	}
	return nil
}

// GetReference returns the best-ranked matching reference for interfaceName,
// or ok=false if none match. "Best" is the §3 tie-break: highest
// service.ranking, then lowest service.id among ties.
func (r *Registry) GetReference(interfaceName string, f filter.Filter) (*ServiceReference, bool) {
	refs := r.GetReferences(interfaceName, f)
	if len(refs) == 0 {
		return nil, false
	}
	return refs[0], true
}

// GetReferences returns every matching reference for interfaceName, ordered
// most- to least-preferred per the §3 tie-break.
func (r *Registry) GetReferences(interfaceName string, f filter.Filter) []*ServiceReference {
	r.mu.RLock()
	regs := append([]*Registration(nil), r.byInterface[interfaceName]...)
	r.mu.RUnlock()

	refs := make([]*ServiceReference, 0, len(regs))
	for _, reg := range regs {
		ref := r.referenceFor(reg)
		if f == nil || f.Matches(ref.properties) {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Ranking != refs[j].Ranking {
			return refs[i].Ranking > refs[j].Ranking
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}

func (r *Registry) referenceFor(reg *Registration) *ServiceReference {
	reg.mu.Lock()
	props := reg.Properties
	reg.mu.Unlock()

	ranking := 0
	if v, ok := props[PropServiceRanking]; ok {
		if n, ok := v.(int); ok {
			ranking = n
		}
	}
	return &ServiceReference{ID: reg.ID, Ranking: ranking, reg: reg, properties: props}
}

// AllReferences returns every currently registered service exactly once,
// ordered by ascending service id — the admin-surface enumeration used by
// the interactive shell (C15) and MCP admin tool surface (C16) to list every
// published service regardless of interface.
func (r *Registry) AllReferences() []*ServiceReference {
	r.mu.RLock()
	regs := make([]*Registration, 0, len(r.byID))
	for _, reg := range r.byID {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	refs := make([]*ServiceReference, 0, len(regs))
	for _, reg := range regs {
		refs = append(refs, r.referenceFor(reg))
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// GetService resolves ref to an instance on behalf of consumerBundleID,
// incrementing its use-count. For a factory-backed registration, concurrent
// callers for the same (consumer, service) pair are collapsed into one
// factory invocation via singleflight, per SPEC_FULL.md §4.2 [FULL]; the
// factory call itself always happens outside any registry lock.
func (r *Registry) GetService(consumerBundleID int64, ref *ServiceReference) (interface{}, error) {
	reg := ref.reg

	if reg.factory == nil {
		reg.mu.Lock()
		reg.useCount[consumerBundleID]++
		reg.mu.Unlock()
		return reg.instance, nil
	}

	key := fmt.Sprintf("%d:%d", consumerBundleID, reg.ID)
	executed := false
	v, err, _ := r.factorySF.Do(key, func() (interface{}, error) {
		executed = true
		reg.mu.Lock()
		if cached, ok := reg.cachedValue[consumerBundleID]; ok {
			reg.useCount[consumerBundleID]++
			reg.mu.Unlock()
			return cached, nil
		}
		reg.mu.Unlock()

		instance, err := reg.factory.GetService(consumerBundleID)
		if err != nil {
			return nil, err
		}

		reg.mu.Lock()
		reg.cachedValue[consumerBundleID] = instance
		reg.useCount[consumerBundleID]++
		reg.mu.Unlock()
		return instance, nil
	})
	if err != nil {
		return nil, err
	}
	if !executed {
		// This caller shared another caller's in-flight factory call; it
		// still takes its own use-count.
		reg.mu.Lock()
		reg.useCount[consumerBundleID]++
		reg.mu.Unlock()
	}
	return v, nil
}

// UngetService decrements the consumer's use-count for ref; reaching zero
// fires the factory's UngetService callback, if any, outside any lock.
func (r *Registry) UngetService(consumerBundleID int64, ref *ServiceReference) error {
	reg := ref.reg

	reg.mu.Lock()
	if reg.useCount[consumerBundleID] == 0 {
		reg.mu.Unlock()
		return nil
	}
	reg.useCount[consumerBundleID]--
	remaining := reg.useCount[consumerBundleID]
	var cached interface{}
	var hadCached bool
	if remaining == 0 && reg.factory != nil {
		cached, hadCached = reg.cachedValue[consumerBundleID]
		delete(reg.cachedValue, consumerBundleID)
		delete(reg.useCount, consumerBundleID)
	}
	reg.mu.Unlock()

	if remaining == 0 && reg.factory != nil && hadCached {
		reg.factory.UngetService(consumerBundleID, cached)
	}
	return nil
}

// UseCount returns the current use-count a consumer bundle holds against
// ref, for tests and diagnostics.
func (r *Registry) UseCount(consumerBundleID int64, ref *ServiceReference) int64 {
	ref.reg.mu.Lock()
	defer ref.reg.mu.Unlock()
	return ref.reg.useCount[consumerBundleID]
}

// AddListener subscribes to registry events matching f (nil matches
// everything). Returns an id usable with RemoveListener.
func (r *Registry) AddListener(bundleID int64, f filter.Filter, callback func(EventType, *ServiceReference)) ListenerID {
	l := &listener{id: uuid.New(), bundleID: bundleID, filter: f, callback: callback}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
	return ListenerID(l.id)
}

// RemoveListener unsubscribes a previously added listener.
func (r *Registry) RemoveListener(id ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.id == uuid.UUID(id) {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// snapshotListeners must be called with r.mu held (read or write); it copies
// the listener slice so callbacks never run under the registry lock and any
// listener mutation during iteration takes effect from the next event, per
// SPEC_FULL.md §9.
func (r *Registry) snapshotListeners() []*listener {
	return append([]*listener(nil), r.listeners...)
}

func (r *Registry) notify(snapshot []*listener, event EventType, ref *ServiceReference) {
	for _, l := range snapshot {
		if l.filter != nil && !l.filter.Matches(ref.properties) {
			continue
		}
		l.callback(event, ref)
	}
}

// ReleaseBundle withdraws every registration owned by bundleID and releases
// every use-count bundleID holds against any other registration, per
// SPEC_FULL.md §4.1's "active → stopping" step: "all services registered by
// this bundle are withdrawn ... and all service borrows held on behalf of
// this bundle are released." Called by the bundle lifecycle controller.
func (r *Registry) ReleaseBundle(ctx context.Context, bundleID int64) {
	r.mu.RLock()
	owned := make([]*Registration, 0)
	borrowed := make([]*Registration, 0)
	for _, reg := range r.byID {
		if reg.BundleID == bundleID {
			owned = append(owned, reg)
			continue
		}
		reg.mu.Lock()
		_, borrows := reg.useCount[bundleID]
		reg.mu.Unlock()
		if borrows {
			borrowed = append(borrowed, reg)
		}
	}
	r.mu.RUnlock()

	for _, reg := range owned {
		_ = r.Unregister(reg)
	}
	for _, reg := range borrowed {
		ref := r.referenceFor(reg)
		for r.UseCount(bundleID, ref) > 0 {
			_ = r.UngetService(bundleID, ref)
		}
	}
}
