// Package configadmin implements the configuration-admin integration
// (C13): a directory of pushed-property YAML documents, watched with
// fsnotify, merged over each component's declared defaults with
// dario.cat/mergo, and forwarded to the declarative component runtime's
// configuration_updated(pid, properties) push entry point
// (SPEC_FULL.md §4.5). Logically still an "external collaborator" to C7 —
// DCR only ever consumes this package's push API — but implemented
// in-module so the framework is runnable standalone. Grounded on muster's
// internal/reconciler FilesystemDetector (fsnotify watch setup, event loop
// shape) generalized from change-event fan-out to a single merge-and-push
// call per document.
package configadmin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dario.cat/mergo"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"module/pkg/logging"
)

// UpdateFunc is the configuration_updated(pid, properties) push entry point
// a configuration admin consumer — the declarative component runtime —
// implements.
type UpdateFunc func(pid string, properties map[string]interface{})

// DefaultsFunc returns a component's declared default properties for pid, or
// nil if none are known (e.g. the component hasn't been loaded yet).
type DefaultsFunc func(pid string) map[string]interface{}

// Admin watches dir for "<pid>.yaml" pushed-configuration documents and
// forwards each one, merged over the component's declared defaults, to an
// UpdateFunc. The zero value is not usable; use New.
type Admin struct {
	dir      string
	defaults DefaultsFunc
	update   UpdateFunc

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// New returns an Admin that watches dir and calls update for every pushed
// document once merged over defaults.
func New(dir string, defaults DefaultsFunc, update UpdateFunc) *Admin {
	return &Admin{dir: dir, defaults: defaults, update: update}
}

// LoadAll reads every YAML document already present in dir and pushes it.
// Called once at framework startup, before Start begins watching for
// subsequent changes.
func (a *Admin) LoadAll() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		a.pushFile(filepath.Join(a.dir, e.Name()))
	}
	return nil
}

// Start begins watching dir for create/write events. It returns once the
// watch is established; delivery happens on a background goroutine until ctx
// is cancelled or Stop is called.
func (a *Admin) Start(ctx context.Context) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(a.dir); err != nil {
		w.Close()
		return err
	}

	a.mu.Lock()
	a.watcher = w
	a.stopCh = make(chan struct{})
	stopCh := a.stopCh
	a.mu.Unlock()

	go a.loop(ctx, w, stopCh)
	logging.Info("ConfigAdmin", "watching %s for pushed configuration documents", a.dir)
	return nil
}

func (a *Admin) loop(ctx context.Context, w *fsnotify.Watcher, stopCh chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isYAML(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			a.pushFile(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logging.Error("ConfigAdmin", err, "filesystem watcher error")
		}
	}
}

// Stop closes the watcher. Safe to call even if Start was never called.
func (a *Admin) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopCh != nil {
		close(a.stopCh)
		a.stopCh = nil
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
		a.watcher = nil
	}
}

// Push merges properties over pid's declared defaults and forwards the
// result to the configured UpdateFunc — the same path a pushed YAML document
// drives, exposed for programmatic pushes from the shell or MCP admin
// surfaces.
func (a *Admin) Push(pid string, properties map[string]interface{}) error {
	merged, err := a.mergeOverDefaults(pid, properties)
	if err != nil {
		return err
	}
	a.update(pid, merged)
	return nil
}

func (a *Admin) pushFile(path string) {
	pid := pidFromFilename(path)
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Error("ConfigAdmin", err, "failed to read pushed configuration %s", path)
		return
	}
	var pushed map[string]interface{}
	if err := yaml.Unmarshal(data, &pushed); err != nil {
		logging.Error("ConfigAdmin", err, "failed to parse pushed configuration %s", path)
		return
	}
	if err := a.Push(pid, pushed); err != nil {
		logging.Error("ConfigAdmin", err, "failed to merge pushed configuration for pid %s", pid)
	}
}

// mergeOverDefaults deep-merges pushed over pid's declared defaults,
// last-writer-wins on concrete scalars, per SPEC_FULL.md §3 "Pushed
// configuration document".
func (a *Admin) mergeOverDefaults(pid string, pushed map[string]interface{}) (map[string]interface{}, error) {
	merged := make(map[string]interface{})
	if a.defaults != nil {
		for k, v := range a.defaults(pid) {
			merged[k] = v
		}
	}
	if err := mergo.Merge(&merged, pushed, mergo.WithOverride); err != nil {
		return nil, err
	}
	return merged, nil
}

func pidFromFilename(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
