// Package bundle implements the bundle registry and lifecycle controller
// (C3+C4): a location-keyed table of installed bundles, each driven through
// install → resolved → starting → active → stopping → uninstalled by a
// per-bundle mutex, invoking the bundle's activator through internal/loader
// and, once active, handing its declarative component descriptions to
// internal/dcr. Grounded on muster's internal/services/instance.go state
// machine (lock, check, unlock-before-user-callback) and
// internal/orchestrator/orchestrator.go's Start/Stop sequencing and
// StopReason bookkeeping.
package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"module/internal/api"
	"module/internal/dcr"
	"module/internal/event"
	"module/internal/filter"
	"module/internal/loader"
	"module/internal/manifest"
	"module/internal/registry"
	"module/pkg/logging"
)

// State is a bundle's position in the OSGi-style lifecycle state machine,
// per SPEC_FULL.md §3 "Bundle".
type State int

const (
	StateInstalled State = iota
	StateResolved
	StateStarting
	StateActive
	StateStopping
	StateUninstalled
)

func (s State) String() string {
	switch s {
	case StateInstalled:
		return "INSTALLED"
	case StateResolved:
		return "RESOLVED"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateStopping:
		return "STOPPING"
	case StateUninstalled:
		return "UNINSTALLED"
	default:
		return "UNKNOWN"
	}
}

// SystemBundleID is reserved for the framework itself, per SPEC_FULL.md §3.
const SystemBundleID int64 = 0

// Bundle is one installed unit: a manifest plus, if bundle.activator is true,
// a resolved shared library and activator.
type Bundle struct {
	id           int64
	location     string
	symbolicName string
	version      string
	manifest     *manifest.Manifest
	pluginPath   string // staged on-disk path of the extracted plugin.so, if any

	mu        sync.Mutex
	state     State
	resolveErr error
	library   *loader.Library
	activator loader.Activator
}

func (b *Bundle) ID() int64                    { return b.id }
func (b *Bundle) Location() string              { return b.location }
func (b *Bundle) SymbolicName() string          { return b.symbolicName }
func (b *Bundle) Version() string               { return b.version }
func (b *Bundle) Headers() *manifest.Manifest   { return b.manifest }

func (b *Bundle) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Context is the BundleContext handed to an activator's Start/Stop, per
// SPEC_FULL.md §6's public API surface. It is the only handle user code has
// back into the framework: service registration/lookup, installing further
// bundles, and — for a bundle that declares SCR components — registering the
// factories those components are constructed from.
type Context struct {
	bundle *Bundle
	mgr    *Manager
}

// Bundle returns the bundle this context belongs to.
func (c *Context) Bundle() *Bundle { return c.bundle }

// RegisterService publishes instance under interfaces on behalf of this
// bundle.
func (c *Context) RegisterService(interfaces []string, instance interface{}, props map[string]interface{}) (*registry.Registration, error) {
	return c.mgr.reg.Register(c.bundle.id, interfaces, instance, props)
}

// GetServiceReference returns the best-ranked reference for interfaceName.
func (c *Context) GetServiceReference(interfaceName string) (*registry.ServiceReference, bool) {
	return c.mgr.reg.GetReference(interfaceName, nil)
}

// GetServiceReferences returns every reference for interfaceName matching f.
func (c *Context) GetServiceReferences(interfaceName string, f filter.Filter) []*registry.ServiceReference {
	return c.mgr.reg.GetReferences(interfaceName, f)
}

// GetService resolves ref to an instance on behalf of this bundle.
func (c *Context) GetService(ref *registry.ServiceReference) (interface{}, error) {
	return c.mgr.reg.GetService(c.bundle.id, ref)
}

// AddServiceListener subscribes this bundle to registry events matching f.
func (c *Context) AddServiceListener(f filter.Filter, callback func(registry.EventType, *registry.ServiceReference)) registry.ListenerID {
	return c.mgr.reg.AddListener(c.bundle.id, f, callback)
}

// InstallBundles installs every bundle contained in the archive at location,
// on behalf of this bundle — the spec's "a bundle's start is permitted to
// install, start, and use other bundles."
func (c *Context) InstallBundles(location string) ([]*Bundle, error) {
	return c.mgr.Install(location)
}

// Bundles lists every bundle known to the framework.
func (c *Context) Bundles() []*Bundle {
	return c.mgr.Bundles()
}

// RegisterComponentFactory associates an SCR implementation name declared in
// this bundle's manifest with the factory that constructs it, resolved by
// the declarative component runtime (C7) once the bundle's components are
// loaded. A no-op if the framework was built without a DCR runtime.
func (c *Context) RegisterComponentFactory(implementation string, factory dcr.Factory) {
	if c.mgr.dcr != nil {
		c.mgr.dcr.RegisterFactory(c.bundle.id, implementation, factory)
	}
}

// Manager is the bundle registry (C3) and lifecycle controller (C4): a
// location-keyed table of installed bundles plus the per-bundle state
// machine that drives install/start/stop/uninstall.
type Manager struct {
	reg    *registry.Registry
	events *event.Admin
	loader *loader.Loader
	dcr    *dcr.Runtime // optional; nil disables SCR component loading

	stageDir string // directory extracted plugin.so files are staged into

	mu         sync.Mutex
	byLocation map[string]*Bundle
	byID       map[int64]*Bundle
	nextID     int64
}

// New returns a Manager with no bundles installed. stageDir is where
// extracted plugin.so files are written, since Go's plugin package requires
// a real filesystem path rather than an in-memory byte stream.
func New(reg *registry.Registry, evt *event.Admin, ld *loader.Loader, componentRuntime *dcr.Runtime, stageDir string) *Manager {
	return &Manager{
		reg:        reg,
		events:     evt,
		loader:     ld,
		dcr:        componentRuntime,
		stageDir:   stageDir,
		byLocation: make(map[string]*Bundle),
		byID:       make(map[int64]*Bundle),
	}
}

// Install opens the archive at archivePath and installs every bundle
// directory it contains, per SPEC_FULL.md §4.1's "installed" entry state.
// A manifest parse failure aborts the whole archive atomically; a bundle
// whose shared library fails to load is still installed (SPEC_FULL.md §7
// LIBRARY_LOAD: "bundle still transitions to installed; the install
// operation itself still succeeds") but will refuse to Start later.
func (m *Manager) Install(archivePath string) ([]*Bundle, error) {
	ar, err := manifest.OpenArchive(archivePath)
	if err != nil {
		return nil, err
	}
	defer ar.Close()

	names := ar.ListBundles()
	manifests := make([]*manifest.Manifest, 0, len(names))
	for _, name := range names {
		mf, err := ar.GetManifest(name)
		if err != nil {
			return nil, err
		}
		if err := mf.Validate(); err != nil {
			return nil, err
		}
		manifests = append(manifests, mf)
	}

	installed := make([]*Bundle, 0, len(names))
	for i, name := range names {
		b, err := m.installOne(ar, archivePath, name, manifests[i])
		if err != nil {
			return installed, err
		}
		installed = append(installed, b)
	}
	return installed, nil
}

func (m *Manager) installOne(ar *manifest.Archive, archivePath, name string, mf *manifest.Manifest) (*Bundle, error) {
	location := fmt.Sprintf("%s#%s", archivePath, name)

	m.mu.Lock()
	if _, exists := m.byLocation[location]; exists {
		m.mu.Unlock()
		return nil, api.New(api.KindInvalidArgument, fmt.Sprintf("bundle already installed at %s", location))
	}
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	b := &Bundle{
		id:           id,
		location:     location,
		symbolicName: mf.SymbolicName(),
		version:      mf.Version(),
		manifest:     mf,
		state:        StateInstalled,
	}

	if mf.HasActivator() {
		pluginPath, err := m.stagePlugin(ar, name, id)
		if err != nil {
			b.resolveErr = err
			logging.Error("Bundle", err, "failed to stage plugin for bundle %s", location)
		} else if lib, err := m.loader.Load(pluginPath); err != nil {
			b.resolveErr = err
			logging.Error("Bundle", err, "failed to load shared library for bundle %s", location)
		} else {
			b.pluginPath = pluginPath
			b.library = lib
		}
	}

	if b.resolveErr == nil {
		b.state = StateResolved
	}

	m.mu.Lock()
	m.byLocation[location] = b
	m.byID[id] = b
	m.mu.Unlock()
	return b, nil
}

// stagePlugin copies the bundle's plugin.so out of the archive into
// m.stageDir so Go's plugin.Open (which requires a real file path) can load
// it; the staged copy is named by bundle id to avoid collisions between
// archives that both contain a "plugin.so" at the same relative path.
func (m *Manager) stagePlugin(ar *manifest.Archive, name string, id int64) (string, error) {
	rc, err := ar.OpenResource(name, "plugin.so")
	if err != nil {
		return "", err
	}
	defer rc.Close()

	if err := os.MkdirAll(m.stageDir, 0o755); err != nil {
		return "", api.Wrap(api.KindLibraryLoad, "create plugin stage directory", err)
	}
	dst := filepath.Join(m.stageDir, fmt.Sprintf("bundle-%d.so", id))
	f, err := os.Create(dst)
	if err != nil {
		return "", api.Wrap(api.KindLibraryLoad, "stage plugin file", err)
	}
	defer f.Close()

	if _, err := f.ReadFrom(rc); err != nil {
		return "", api.Wrap(api.KindLibraryLoad, "write staged plugin file", err)
	}
	return dst, nil
}

// Bundle looks up an installed bundle by id.
func (m *Manager) Bundle(id int64) (*Bundle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byID[id]
	return b, ok
}

// Bundles returns every bundle known to the manager, in ascending id order.
func (m *Manager) Bundles() []*Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Bundle, 0, len(m.byID))
	for id := int64(1); id <= m.nextID; id++ {
		if b, ok := m.byID[id]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Start activates a resolved b, invoking its activator's Start(context) if
// it declares one. A bundle still INSTALLED (its shared library failed to
// load) is not resolved again here; Start refuses it with LIBRARY_LOAD. Per SPEC_FULL.md §4.1, exactly one
// caller may be inside Start or Stop for a given bundle at a time; the state
// check below doubles as that guard and rejects a reentrant start(self) from
// within the activator itself, since such a call observes StateStarting.
func (m *Manager) Start(b *Bundle) error {
	b.mu.Lock()
	switch b.state {
	case StateActive:
		b.mu.Unlock()
		return nil
	case StateUninstalled:
		b.mu.Unlock()
		return api.New(api.KindIllegalState, fmt.Sprintf("bundle %s is uninstalled", b.location))
	case StateStarting, StateStopping:
		b.mu.Unlock()
		return api.New(api.KindIllegalState, fmt.Sprintf("bundle %s: reentrant start/stop", b.location))
	case StateInstalled:
		b.mu.Unlock()
		return api.Wrap(api.KindLibraryLoad, fmt.Sprintf("bundle %s is unresolved", b.location), b.resolveErr)
	}
	// StateResolved: proceed.
	b.state = StateStarting
	b.mu.Unlock()

	ctx := &Context{bundle: b, mgr: m}

	if b.library != nil {
		act, err := b.library.Activator()
		if err != nil {
			b.mu.Lock()
			b.state = StateResolved
			b.mu.Unlock()
			return err
		}
		if err := act.Start(ctx); err != nil {
			wrapped := api.Wrap(api.KindBundleActivation, fmt.Sprintf("bundle %s activator Start failed", b.location), err)
			m.reg.ReleaseBundle(context.Background(), b.id)
			logging.Error("Bundle", wrapped, "bundle %s failed to start", b.location)
			if m.events != nil {
				m.events.SendEvent(dcr.ErrorTopicPrefix+"/"+string(api.KindBundleActivation), map[string]interface{}{"bundle.id": b.id})
			}
			b.mu.Lock()
			b.state = StateResolved
			b.mu.Unlock()
			return wrapped
		}
		b.mu.Lock()
		b.activator = act
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.state = StateActive
	b.mu.Unlock()

	if m.dcr != nil {
		if comps, err := b.manifest.Components(); err != nil {
			logging.Error("Bundle", err, "bundle %s: failed to parse SCR components", b.location)
		} else if len(comps) > 0 {
			if _, err := m.dcr.LoadComponents(b.id, comps); err != nil {
				logging.Error("Bundle", err, "bundle %s: failed to load SCR components", b.location)
			}
		}
	}

	logging.Info("Bundle", "started bundle %s (%s %s)", b.location, b.symbolicName, b.version)
	return nil
}

// Stop deactivates b. Per SPEC_FULL.md §4.1, teardown (service withdrawal,
// borrow release, DCR unload) always runs regardless of whether the
// activator's Stop itself returns an error.
func (m *Manager) Stop(b *Bundle) error {
	b.mu.Lock()
	switch b.state {
	case StateResolved, StateInstalled:
		b.mu.Unlock()
		return nil
	case StateUninstalled:
		b.mu.Unlock()
		return api.New(api.KindIllegalState, fmt.Sprintf("bundle %s is uninstalled", b.location))
	case StateStarting, StateStopping:
		b.mu.Unlock()
		return api.New(api.KindIllegalState, fmt.Sprintf("bundle %s: reentrant start/stop", b.location))
	}
	// StateActive: proceed.
	b.state = StateStopping
	activator := b.activator
	b.mu.Unlock()

	var stopErr error
	if activator != nil {
		ctx := &Context{bundle: b, mgr: m}
		if err := activator.Stop(ctx); err != nil {
			stopErr = api.Wrap(api.KindBundleActivation, fmt.Sprintf("bundle %s activator Stop failed", b.location), err)
			logging.Error("Bundle", stopErr, "bundle %s: activator Stop returned error, tearing down anyway", b.location)
		}
	}

	if m.dcr != nil {
		m.dcr.UnloadBundle(b.id)
	}
	m.reg.ReleaseBundle(context.Background(), b.id)

	b.mu.Lock()
	b.state = StateResolved
	b.activator = nil
	b.mu.Unlock()

	logging.Info("Bundle", "stopped bundle %s", b.location)
	return stopErr
}

// Uninstall removes b from the registry. Only a resolved or installed
// (never-started, or already-stopped) bundle may be uninstalled; an active
// bundle must be stopped first.
func (m *Manager) Uninstall(b *Bundle) error {
	b.mu.Lock()
	switch b.state {
	case StateActive, StateStarting, StateStopping:
		b.mu.Unlock()
		return api.New(api.KindIllegalState, fmt.Sprintf("bundle %s must be stopped before uninstall", b.location))
	case StateUninstalled:
		b.mu.Unlock()
		return api.New(api.KindIllegalState, fmt.Sprintf("bundle %s already uninstalled", b.location))
	}
	b.state = StateUninstalled
	pluginPath := b.pluginPath
	b.mu.Unlock()

	if pluginPath != "" {
		m.loader.Unload(pluginPath)
		_ = os.Remove(pluginPath)
	}

	m.mu.Lock()
	delete(m.byLocation, b.location)
	delete(m.byID, b.id)
	m.mu.Unlock()

	logging.Info("Bundle", "uninstalled bundle %s", b.location)
	return nil
}
