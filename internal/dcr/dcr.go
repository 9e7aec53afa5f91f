// Package dcr implements the declarative component runtime (C7):
// component configurations that are instantiated lazily, have their service
// references wired from the registry (C5) through per-reference trackers
// (C6), and are torn down when a mandatory reference vanishes — including
// detection of cyclic mandatory-reference graphs, per SPEC_FULL.md §4.4.
// Grounded on muster's internal/dependency/graph.go dependency-query shape,
// extended with real cycle detection: the teacher's graph explicitly
// documents "cycle detection is not implemented" for its small static
// graphs, which this package adds for an arbitrarily large, dynamic one.
package dcr

import (
	"context"
	"fmt"
	"sync"

	"module/internal/api"
	"module/internal/event"
	"module/internal/filter"
	"module/internal/manifest"
	"module/internal/registry"
	"module/internal/tracker"
	"module/pkg/logging"
)

// Property keys a published component service carries in addition to its
// declared properties, per SPEC_FULL.md §4.4 step 6.
const (
	PropComponentName = "component.name"
	PropComponentID   = "component.id"
)

// ErrorTopicPrefix namespaces DCR failure events, per SPEC_FULL.md §7.
const ErrorTopicPrefix = "framework/error"

// Instance is the user-defined behavior a component factory constructs.
type Instance interface {
	// Activate is called once, after every mandatory reference is bound.
	// deps is keyed by reference name; the value is a single resolved
	// service for 0..1/1..1 references or a []interface{} for 0..n/1..n.
	Activate(deps map[string]interface{}, props map[string]interface{}) error
}

// Deactivator is implemented by instances that need teardown logic.
type Deactivator interface {
	Deactivate()
}

// Binder is implemented by instances using dynamic reference policies that
// want live bind/unbind notification instead of full deactivation.
type Binder interface {
	Bind(referenceName string, service interface{})
	Unbind(referenceName string, service interface{})
}

// Factory constructs a fresh Instance for one component configuration.
type Factory interface {
	New() Instance
}

// Configuration is the runtime incarnation of a manifest.ComponentDescription
// (SPEC_FULL.md §3 "Component configuration").
type Configuration struct {
	Desc     manifest.ComponentDescription
	BundleID int64
	ID       int64

	mu            sync.Mutex
	state         State
	instance      Instance
	registrations []*registry.Registration
	refFilters    map[string]filter.Filter
	trackers      map[string]*tracker.Tracker
	bound         map[string][]*registry.ServiceReference
	deactivating  bool
	activating    bool

	// configProps holds the most recently pushed configuration-admin
	// properties for this configuration's pid (SPEC_FULL.md §4.5); each push
	// replaces the previous one. configPending is true between load
	// time and the first push for a require-policy configuration, during
	// which Activate is never attempted.
	configProps   map[string]interface{}
	configPending bool
}

// State returns the configuration's current state.
func (c *Configuration) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Runtime manages every component configuration across installed bundles.
type Runtime struct {
	reg    *registry.Registry
	events *event.Admin

	mu               sync.Mutex
	factories        map[int64]map[string]Factory
	configs          []*Configuration
	ownerByInterface map[string]*Configuration
	configByPid      map[string]*Configuration
	nextComponentID  int64

	// reportedCycles remembers which cycle, by its canonical member set, has
	// already been logged. Several entry points can independently recurse
	// into the same cycle (SPEC_FULL.md §8 scenario 3: activating c1, c2, and
	// c6 all reach the 1→3→5→1 cycle), but the cycle itself is logged once.
	reportedCycles map[string]bool
}

// New returns a Runtime dispatching component lifecycle events through evt
// and publishing/consuming services through reg.
func New(reg *registry.Registry, evt *event.Admin) *Runtime {
	return &Runtime{
		reg:              reg,
		events:           evt,
		factories:        make(map[int64]map[string]Factory),
		ownerByInterface: make(map[string]*Configuration),
		configByPid:      make(map[string]*Configuration),
		reportedCycles:   make(map[string]bool),
	}
}

// RegisterFactory associates an implementation name with a Factory for
// bundleID, resolved during LoadComponents the way SPEC_FULL.md §4.1
// resolves an activator symbol — here, called by the bundle's activator
// during its own start().
func (rt *Runtime) RegisterFactory(bundleID int64, implementation string, factory Factory) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.factories[bundleID] == nil {
		rt.factories[bundleID] = make(map[string]Factory)
	}
	rt.factories[bundleID][implementation] = factory
}

// LoadComponents parses component descriptions already declared in a
// bundle's manifest and creates one Configuration per entry, opening a
// tracker on each declared reference. Returns the created configurations so
// the bundle lifecycle controller can report/observe them.
func (rt *Runtime) LoadComponents(bundleID int64, descs []manifest.ComponentDescription) ([]*Configuration, error) {
	created := make([]*Configuration, 0, len(descs))
	for _, desc := range descs {
		if !desc.Enabled {
			continue
		}
		cc, err := rt.newConfiguration(bundleID, desc)
		if err != nil {
			return created, err
		}
		rt.mu.Lock()
		rt.configs = append(rt.configs, cc)
		for _, iface := range desc.Interfaces {
			rt.ownerByInterface[iface] = cc
		}
		if desc.Pid != "" {
			rt.configByPid[desc.Pid] = cc
		}
		rt.mu.Unlock()
		created = append(created, cc)

		cc.openTrackers(rt)

		// SPEC_FULL.md §4.5: a require-policy configuration waits for its
		// first configuration-admin push before activation is attempted at
		// all; optional and ignore both activate immediately with whatever
		// (possibly empty) properties are currently known.
		if desc.ConfigurationPolicy == manifest.ConfigPolicyRequire {
			cc.mu.Lock()
			cc.configPending = true
			cc.mu.Unlock()
			continue
		}
		rt.Activate(context.Background(), cc)
	}
	return created, nil
}

// ConfigurationUpdated implements DCR's side of the configuration admin's
// push API (SPEC_FULL.md §4.5): configuration_updated(pid, properties).
// properties is whatever configadmin delivers (its mergo merge of the pushed
// document over the defaults its DefaultsFunc supplies, if any; component
// descriptions declare no default properties) — DCR just replaces its
// cached copy outright, it does not merge again. The configuration's policy
// then decides the effect:
//   - require: the first push lifts configPending and attempts activation
//     for the first time; later pushes re-activate like optional does.
//   - optional: activation proceeds immediately at load time with no
//     properties; each push after that deactivates and reactivates with the
//     newly merged properties.
//   - ignore: properties are stored but never drive activation.
func (rt *Runtime) ConfigurationUpdated(pid string, properties map[string]interface{}) {
	rt.mu.Lock()
	cc := rt.configByPid[pid]
	rt.mu.Unlock()
	if cc == nil {
		return
	}

	cc.mu.Lock()
	copied := make(map[string]interface{}, len(properties))
	for k, v := range properties {
		copied[k] = v
	}
	cc.configProps = copied
	policy := cc.Desc.ConfigurationPolicy
	firstPush := cc.configPending
	cc.configPending = false
	wasActive := cc.state == Active
	cc.mu.Unlock()

	switch policy {
	case manifest.ConfigPolicyIgnore:
		return
	case manifest.ConfigPolicyRequire:
		if firstPush {
			rt.Activate(context.Background(), cc)
			return
		}
		fallthrough
	case manifest.ConfigPolicyOptional:
		if wasActive {
			rt.deactivate(cc)
			cc.mu.Lock()
			rt.attemptSatisfy(cc)
			cc.mu.Unlock()
		}
		rt.Activate(context.Background(), cc)
	}
}

func (rt *Runtime) newConfiguration(bundleID int64, desc manifest.ComponentDescription) (*Configuration, error) {
	cc := &Configuration{
		Desc:       desc,
		BundleID:   bundleID,
		state:      UnsatisfiedReference,
		refFilters: make(map[string]filter.Filter),
		trackers:   make(map[string]*tracker.Tracker),
		bound:      make(map[string][]*registry.ServiceReference),
	}
	for _, ref := range desc.References {
		if ref.Target == "" {
			continue
		}
		f, err := filter.Parse(ref.Target)
		if err != nil {
			return nil, api.Wrap(api.KindInvalidArgument, fmt.Sprintf("component %s reference %s target filter", desc.Name, ref.Name), err)
		}
		cc.refFilters[ref.Name] = f
	}
	return cc, nil
}

// openTrackers opens one tracker per declared reference, wiring its hooks to
// re-evaluate this configuration's activation state on every registry
// change — the "DCR is service-tracker-driven" design of SPEC_FULL.md §4.4.
func (cc *Configuration) openTrackers(rt *Runtime) {
	for _, refDesc := range cc.Desc.References {
		refDesc := refDesc
		tr := tracker.New(rt.reg, cc.BundleID, refDesc.Interface, cc.refFilters[refDesc.Name], tracker.Hooks{
			Adding: func(ref *registry.ServiceReference) interface{} {
				rt.onReferenceChanged(cc)
				return ref
			},
			Modified: func(ref *registry.ServiceReference, tracked interface{}) {
				rt.onReferenceChanged(cc)
			},
			Removed: func(ref *registry.ServiceReference, tracked interface{}) {
				rt.onReferenceChanged(cc)
			},
		})
		cc.trackers[refDesc.Name] = tr
		tr.Open()
	}
}

// candidatesFor returns the current best- to least-ranked matches for refDesc
// straight from the registry. Trackers stay open on every declared reference
// purely to wake onReferenceChanged when the registry changes; candidate
// computation reads the registry directly rather than a tracker's cached set
// because the tracker only commits a newly-added reference to its tracked
// set *after* its Adding hook returns — and that hook is what triggers
// reevaluation — so a tracker-cached read from inside that same call would
// always miss the very registration that triggered it.
func (rt *Runtime) candidatesFor(cc *Configuration, refDesc manifest.ReferenceDescription) []*registry.ServiceReference {
	return rt.reg.GetReferences(refDesc.Interface, cc.refFilters[refDesc.Name])
}

// onReferenceChanged re-evaluates activation/deactivation whenever one of
// this configuration's reference trackers changes.
func (rt *Runtime) onReferenceChanged(cc *Configuration) {
	cc.mu.Lock()
	currentlyActive := cc.state == Active
	cc.mu.Unlock()

	if currentlyActive {
		rt.reevaluateBindings(cc)
		return
	}
	rt.Activate(context.Background(), cc)
}

// reevaluateBindings applies the four rebind policies of SPEC_FULL.md §4.4
// to an already-ACTIVE configuration:
//   - static+reluctant: bindings never change once satisfied.
//   - static+greedy: any change to the candidate set (arrival of a
//     higher-ranked candidate, or departure of the current one) forces a
//     full deactivation/reactivation rather than a live rebind.
//   - dynamic+reluctant: a higher-ranked arrival is ignored while the
//     current candidate is still live; a departure of the current candidate
//     rebinds to the next-best without deactivation.
//   - dynamic+greedy: always rebind to the current best, notifying the
//     instance via Binder if it implements that interface.
//
// Losing every candidate for a mandatory reference always forces
// deactivation regardless of policy.
func (rt *Runtime) reevaluateBindings(cc *Configuration) {
	cc.mu.Lock()
	if cc.state != Active {
		cc.mu.Unlock()
		return
	}

	for _, refDesc := range cc.Desc.References {
		candidates := rt.candidatesFor(cc, refDesc)
		if refDesc.Cardinality.Mandatory() && len(candidates) == 0 {
			cc.mu.Unlock()
			rt.deactivate(cc)
			cc.mu.Lock()
			rt.attemptSatisfy(cc)
			cc.mu.Unlock()
			return
		}

		best := firstOrNil(candidates)
		current := firstOrNil(cc.bound[refDesc.Name])
		if sameRef(best, current) {
			continue
		}

		if refDesc.Policy == manifest.PolicyStatic {
			if refDesc.PolicyOption != manifest.OptionGreedy {
				continue // static+reluctant: never change once satisfied
			}
			// static+greedy: the candidate set changed; reactivate with the
			// new binding instead of rebinding live.
			cc.mu.Unlock()
			rt.deactivate(cc)
			cc.mu.Lock()
			rt.attemptSatisfy(cc)
			cc.mu.Unlock()
			_ = rt.Activate(context.Background(), cc)
			return
		}

		if refDesc.PolicyOption == manifest.OptionReluctant && current != nil && containsRef(candidates, current) {
			// dynamic+reluctant: ignore a higher-ranked arrival while
			// current is still live; only a departure forces a rebind.
			continue
		}

		cc.bound[refDesc.Name] = candidatesOrEmpty(best)
		binder, hasBinder := cc.instance.(Binder)
		bundleID := cc.BundleID
		name := refDesc.Name
		cc.mu.Unlock()

		if hasBinder {
			if current != nil {
				oldSvc, _ := rt.reg.GetService(bundleID, current)
				binder.Unbind(name, oldSvc)
				rt.reg.UngetService(bundleID, current)
			}
			if best != nil {
				newSvc, _ := rt.reg.GetService(bundleID, best)
				binder.Bind(name, newSvc)
			}
		}

		cc.mu.Lock()
	}
	cc.mu.Unlock()
}

func firstOrNil(refs []*registry.ServiceReference) *registry.ServiceReference {
	if len(refs) == 0 {
		return nil
	}
	return refs[0]
}

func candidatesOrEmpty(ref *registry.ServiceReference) []*registry.ServiceReference {
	if ref == nil {
		return nil
	}
	return []*registry.ServiceReference{ref}
}

func sameRef(a, b *registry.ServiceReference) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// containsRef reports whether ref (by ID) is still among candidates, i.e.
// still registered, as opposed to having departed the registry entirely.
func containsRef(candidates []*registry.ServiceReference, ref *registry.ServiceReference) bool {
	if ref == nil {
		return false
	}
	for _, c := range candidates {
		if c.ID == ref.ID {
			return true
		}
	}
	return false
}

// attemptSatisfy recomputes UNSATISFIED_REFERENCE vs SATISFIED without
// attempting full activation; used after a forced deactivation to reflect
// whether the configuration can be retried immediately. Must be called with
// cc.mu held.
func (rt *Runtime) attemptSatisfy(cc *Configuration) {
	for _, refDesc := range cc.Desc.References {
		if refDesc.Cardinality.Mandatory() && len(rt.candidatesFor(cc, refDesc)) == 0 {
			cc.state = UnsatisfiedReference
			return
		}
	}
	cc.state = Satisfied
}

// Activate attempts to bring cc to ACTIVE, recursively activating the DCR
// components supplying its mandatory references. Implements the seven-step
// algorithm of SPEC_FULL.md §4.4.
//
// cc.mu is held only across read-only registry lookups (candidate
// computation), never across factory/instance code or a registry call that
// gets, registers or unregisters a service: registering a service synchronously fires tracker callbacks (see
// tracker.Tracker.dispatch), and a component that references its own
// published interface — SPEC_FULL.md §8 scenario 3's "7→7-self optional" —
// would otherwise re-enter this very function on the same goroutine while
// cc.mu is still held, self-deadlocking on Go's non-reentrant mutex. The
// cc.activating guard makes any such reentrant call a safe no-op instead:
// the outer call already owns the activation and will reach the correct
// final state.
func (rt *Runtime) Activate(ctx context.Context, cc *Configuration) error {
	stack := activationStackFrom(ctx)
	if stackContains(stack, cc) {
		names := cycleNames(stack, cc)
		if rt.markCycleReported(cycleKey(stack, cc)) {
			rt.reportCycle(names)
		}
		return api.New(api.KindCircularReference, fmt.Sprintf("cycle detected involving %v", names))
	}

	cc.mu.Lock()
	if cc.state == Active || cc.activating {
		cc.mu.Unlock()
		return nil
	}
	cc.activating = true

	// Step 1 & 2: compute candidates, bail out UNSATISFIED_REFERENCE on any
	// empty mandatory reference.
	candidates := make(map[string][]*registry.ServiceReference, len(cc.Desc.References))
	for _, refDesc := range cc.Desc.References {
		c := rt.candidatesFor(cc, refDesc)
		if refDesc.Cardinality.Mandatory() && len(c) == 0 {
			cc.state = UnsatisfiedReference
			cc.activating = false
			cc.mu.Unlock()
			return nil
		}
		if !refDesc.Cardinality.Multiple() && len(c) > 1 {
			c = c[:1]
		}
		candidates[refDesc.Name] = c
	}

	// Step 3: enter SATISFIED, push onto the activation stack.
	cc.state = Satisfied
	newStack := append(append([]*Configuration{}, stack...), cc)
	ctx2 := withActivationStack(ctx, newStack)
	cc.mu.Unlock()

	abort := func(state State) {
		cc.mu.Lock()
		cc.state = state
		cc.activating = false
		cc.mu.Unlock()
	}

	// Step 4: recursively ensure the supplying configuration of every
	// mandatory reference is ACTIVE.
	for _, refDesc := range cc.Desc.References {
		if !refDesc.Cardinality.Mandatory() {
			continue
		}
		owner := rt.ownerOfInterface(refDesc.Interface)
		if owner == nil || owner == cc || owner.State() == Active {
			continue
		}
		if err := rt.Activate(ctx2, owner); err != nil {
			abort(UnsatisfiedReference)
			return err
		}
	}

	// Step 5: construct the implementation instance and inject dependencies.
	deps := make(map[string]interface{}, len(cc.Desc.References))
	for _, refDesc := range cc.Desc.References {
		refs := candidates[refDesc.Name]
		if refDesc.Cardinality.Multiple() {
			values := make([]interface{}, 0, len(refs))
			for _, ref := range refs {
				svc, err := rt.reg.GetService(cc.BundleID, ref)
				if err == nil && svc != nil {
					values = append(values, svc)
				}
			}
			deps[refDesc.Name] = values
		} else if len(refs) > 0 {
			svc, err := rt.reg.GetService(cc.BundleID, refs[0])
			if err == nil {
				deps[refDesc.Name] = svc
			}
		}
	}

	factory := rt.factoryFor(cc.BundleID, cc.Desc.Implementation)
	if factory == nil {
		err := api.New(api.KindComponentActivation, fmt.Sprintf("no factory registered for implementation %s", cc.Desc.Implementation))
		rt.reportComponentFailure(cc, err)
		abort(FailedActivation)
		return err
	}

	instance := factory.New()
	cc.mu.Lock()
	activationProps := map[string]interface{}{"component.pid": cc.Desc.Pid}
	for k, v := range cc.configProps {
		activationProps[k] = v
	}
	cc.mu.Unlock()
	if err := instance.Activate(deps, activationProps); err != nil {
		wrapped := api.Wrap(api.KindComponentActivation, fmt.Sprintf("component %s activation failed", cc.Desc.Name), err)
		rt.reportComponentFailure(cc, wrapped)
		abort(FailedActivation)
		return wrapped
	}

	cc.mu.Lock()
	cc.instance = instance
	for _, refDesc := range cc.Desc.References {
		cc.bound[refDesc.Name] = candidates[refDesc.Name]
	}
	cc.mu.Unlock()

	// Step 6: publish declared services, outside cc.mu so the synchronous
	// tracker notification Register triggers can safely observe
	// cc.activating and no-op rather than deadlock or double-activate.
	if len(cc.Desc.Interfaces) > 0 {
		rt.mu.Lock()
		rt.nextComponentID++
		componentID := rt.nextComponentID
		rt.mu.Unlock()

		reg, err := rt.reg.Register(cc.BundleID, cc.Desc.Interfaces, instance, map[string]interface{}{
			PropComponentName: cc.Desc.Name,
			PropComponentID:   componentID,
		})
		if err == nil {
			cc.mu.Lock()
			cc.registrations = append(cc.registrations, reg)
			cc.ID = componentID
			cc.mu.Unlock()
		}
	}

	// Step 7: pop happens implicitly (ctx2 is local to this call); ACTIVE.
	cc.mu.Lock()
	cc.state = Active
	cc.activating = false
	cc.mu.Unlock()
	return nil
}

// ownerOfInterface returns the configuration that declared iface among its
// published interfaces at load time, or nil if iface is satisfied entirely
// by services outside the declarative component runtime.
func (rt *Runtime) ownerOfInterface(iface string) *Configuration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.ownerByInterface[iface]
}

func (rt *Runtime) factoryFor(bundleID int64, implementation string) Factory {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.factories[bundleID][implementation]
}

// deactivate tears down cc: withdraws its registered services, invokes
// Deactivate if implemented, and releases every bound reference. Reentrancy
// from within the Deactivate callback is a no-op, per SPEC_FULL.md §4.4.
func (rt *Runtime) deactivate(cc *Configuration) {
	cc.mu.Lock()
	if cc.deactivating || cc.state != Active {
		cc.mu.Unlock()
		return
	}
	cc.deactivating = true
	regs := cc.registrations
	cc.registrations = nil
	instance := cc.instance
	cc.instance = nil
	bound := cc.bound
	cc.bound = make(map[string][]*registry.ServiceReference)
	cc.mu.Unlock()

	for _, reg := range regs {
		_ = rt.reg.Unregister(reg)
	}
	if d, ok := instance.(Deactivator); ok {
		d.Deactivate()
	}
	for _, refs := range bound {
		for _, ref := range refs {
			_ = rt.reg.UngetService(cc.BundleID, ref)
		}
	}

	cc.mu.Lock()
	cc.deactivating = false
	cc.mu.Unlock()
}

// UnloadBundle deactivates and stops tracking every configuration owned by
// bundleID, called when the owning bundle stops.
func (rt *Runtime) UnloadBundle(bundleID int64) {
	rt.mu.Lock()
	owned := make([]*Configuration, 0)
	remaining := rt.configs[:0]
	for _, cc := range rt.configs {
		if cc.BundleID == bundleID {
			owned = append(owned, cc)
		} else {
			remaining = append(remaining, cc)
		}
	}
	rt.configs = remaining
	delete(rt.factories, bundleID)
	rt.mu.Unlock()

	for _, cc := range owned {
		rt.deactivate(cc)
		for _, tr := range cc.trackers {
			tr.Close()
		}
	}
}

// markCycleReported records that the cycle identified by key has been seen
// and reports whether this is the first time, so the caller logs it exactly
// once regardless of how many distinct activation entry-paths reach it.
func (rt *Runtime) markCycleReported(key string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.reportedCycles[key] {
		return false
	}
	rt.reportedCycles[key] = true
	return true
}

func (rt *Runtime) reportCycle(names []string) {
	logging.Error("DCR", nil, "circular reference detected: %v", names)
	rt.events.SendEvent(ErrorTopicPrefix+"/"+string(api.KindCircularReference), map[string]interface{}{
		"components": names,
	})
}

func (rt *Runtime) reportComponentFailure(cc *Configuration, err error) {
	logging.Error("DCR", err, "component %s failed to activate", cc.Desc.Name)
	rt.events.SendEvent(ErrorTopicPrefix+"/"+string(api.KindComponentActivation), map[string]interface{}{
		"component": cc.Desc.Name,
		"error":     err.Error(),
	})
}

// Configurations returns a snapshot of every configuration currently loaded.
func (rt *Runtime) Configurations() []*Configuration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]*Configuration(nil), rt.configs...)
}
