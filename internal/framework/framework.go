// Package framework implements the framework root (C10): bootstraps every
// other component in dependency order, exposes the public BundleContext-level
// API to embedders, and tears everything down in reverse order on Stop.
// Grounded on muster's internal/orchestrator.New(Config) bootstrap-wiring
// style (a Config struct, a single New constructor assembling collaborators,
// explicit Start/Stop) generalized from one fixed service registry to the
// full C1-C9/C13 dependency graph this module wires.
package framework

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"module/internal/api"
	"module/internal/bundle"
	"module/internal/configadmin"
	"module/internal/dcr"
	"module/internal/event"
	"module/internal/loader"
	"module/internal/registry"
	"module/internal/worker"
	"module/pkg/logging"
)

// Config configures a Framework. Mirrors the well-known configuration keys
// of SPEC_FULL.md §6: storage.location, worker.pool.size, log.level.
type Config struct {
	// StorageLocation is the root directory staged plugin.so files and
	// pushed configuration-admin documents live under.
	StorageLocation string

	// WorkerPoolSize bounds the event admin's asynchronous dispatch
	// concurrency. Zero selects worker.DefaultCapacity().
	WorkerPoolSize int

	// LogLevel is the level Start passes to logging.Initcommon when
	// BridgeLogsToEvents is set. Start never initializes CLI logging, so it
	// does not filter direct CLI output, and sink mode forwards entries of
	// every level.
	LogLevel logging.LogLevel

	// Notify enables systemd readiness (on Start) and stopping (on Stop)
	// notification; no watchdog keep-alives are sent.
	// Safe to leave true outside systemd: daemon.SdNotify is a documented
	// no-op when NOTIFY_SOCKET isn't set.
	Notify bool

	// BridgeLogsToEvents switches the process-wide logger into sink mode and
	// forwards every log entry onto the event admin as a log/<level> topic
	// event (SPEC_FULL.md §4.6), instead of writing it directly to an
	// io.Writer. Leave false for CLI embedders that already called
	// logging.InitForCLI themselves and want direct terminal output.
	BridgeLogsToEvents bool
}

// Framework is the assembled, running instance of every C1-C9/C13 component.
// Exactly one Framework normally exists per process; BundleContext is the
// handle an installed bundle's activator gets back into it.
type Framework struct {
	cfg Config

	Registry    *registry.Registry
	Events      *event.Admin
	Pool        *worker.Pool
	Loader      *loader.Loader
	Bundles     *bundle.Manager
	Components  *dcr.Runtime
	ConfigAdmin *configadmin.Admin

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{}
}

// New assembles a Framework's collaborators without starting anything. The
// wiring order mirrors SPEC_FULL.md §2's data-flow: registry and worker pool
// first (nothing else can run without them), then event admin (needs both),
// then the declarative component runtime (needs registry+events), then the
// bundle lifecycle controller (needs all of the above plus the loader), and
// finally configuration admin (needs the component runtime's push target).
func New(cfg Config) *Framework {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = worker.DefaultCapacity()
	}

	reg := registry.New()
	pool := worker.New(cfg.WorkerPoolSize)
	evt := event.New(reg, pool)
	rt := dcr.New(reg, evt)
	ld := loader.New()
	mgr := bundle.New(reg, evt, ld, rt, cfg.StorageLocation+"/plugins")
	admin := configadmin.New(cfg.StorageLocation+"/configs", nil, rt.ConfigurationUpdated)

	return &Framework{
		cfg:         cfg,
		Registry:    reg,
		Events:      evt,
		Pool:        pool,
		Loader:      ld,
		Bundles:     mgr,
		Components:  rt,
		ConfigAdmin: admin,
	}
}

// Start brings the framework up: loads any configuration documents already
// on disk, begins watching for further pushes, and signals readiness to
// systemd if running under it. Does not install or start any bundle itself —
// that is the embedder's job via Bundles.Install/Bundles.Start; bundles on
// disk are not discovered automatically.
func (f *Framework) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return api.New(api.KindIllegalState, "framework already started")
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.stopped = make(chan struct{})
	f.running = true
	f.mu.Unlock()

	if err := f.ConfigAdmin.LoadAll(); err != nil {
		return fmt.Errorf("load pushed configuration documents: %w", err)
	}
	if err := f.ConfigAdmin.Start(f.ctx); err != nil {
		return fmt.Errorf("start configuration admin watcher: %w", err)
	}

	if f.cfg.BridgeLogsToEvents {
		ch := logging.Initcommon("sink", f.cfg.LogLevel, nil, 0)
		go event.BridgeLog(f.ctx, ch, f.Events)
	}

	logging.Info("Framework", "started (worker pool capacity %d)", f.Pool.Capacity())

	if f.cfg.Notify {
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logging.Warn("Framework", "systemd readiness notification failed: %v", err)
		} else if ok {
			logging.Debug("Framework", "notified systemd readiness")
		}
	}
	return nil
}

// Stop tears the framework down in reverse dependency order: every installed
// bundle still active is stopped first (withdrawing its services and
// unloading its DCR configurations), then the configuration admin watcher is
// closed, then the worker pool is drained so no asynchronously posted event
// is abandoned mid-flight.
func (f *Framework) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	f.mu.Unlock()

	if f.cfg.Notify {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}

	for _, b := range f.Bundles.Bundles() {
		if b.State() != bundle.StateActive {
			continue
		}
		if err := f.Bundles.Stop(b); err != nil {
			logging.Error("Framework", err, "failed to stop bundle %s during shutdown", b.Location())
		}
	}

	f.ConfigAdmin.Stop()

	if err := f.Pool.Drain(ctx); err != nil {
		logging.Warn("Framework", "worker pool did not drain cleanly: %v", err)
	}

	f.cancel()
	f.stopOnce.Do(func() { close(f.stopped) })
	logging.Info("Framework", "stopped")
	return nil
}

// WaitForStop blocks until Stop has completed or timeout elapses, whichever
// comes first, returning context.DeadlineExceeded in the latter case.
func (f *Framework) WaitForStop(timeout time.Duration) error {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped == nil {
		return nil
	}
	select {
	case <-stopped:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

// Context returns the framework's root context, cancelled once Stop runs.
func (f *Framework) Context() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}
