// Package loader wraps Go's standard `plugin` package behind the minimal
// load/lookup/unload surface the bundle lifecycle controller (C4) needs.
// No third-party library in the example corpus or the wider ecosystem wraps
// dlopen-style dynamic loading more idiomatically than the standard library
// already does for Go plugins; see DESIGN.md.
package loader

import (
	"fmt"
	"plugin"
	"sync"

	"module/internal/api"
)

// ActivatorSymbol is the well-known exported symbol name every bundle shared
// library must export for the framework to find its activator.
const ActivatorSymbol = "Activator"

// Activator is the interface a bundle's exported Activator value must
// satisfy. BundleContext is declared in package bundle; it is referenced here
// as an empty interface to avoid an import cycle (loader is lower than
// bundle in the dependency order); the bundle lifecycle controller passes its
// *bundle.Context in, and the activator type-asserts it back.
type Activator interface {
	Start(ctx interface{}) error
	Stop(ctx interface{}) error
}

// Library is a loaded shared object. Go's plugin package never actually
// unloads a library once opened (there is no dlclose equivalent); Unload
// only removes it from this loader's bookkeeping so a later Load call for
// the same path will not be served from a stale cache after a logical
// bundle reinstall. The process keeps holding the mapped code.
type Library struct {
	path   string
	plugin *plugin.Plugin
}

// Loader loads shared libraries built with `go build -buildmode=plugin` and
// resolves their activator symbol, memoizing by path the way plugin.Open
// itself already memoizes by inode — a second Load of the same path returns
// the same *Library rather than re-opening.
type Loader struct {
	mu        sync.Mutex
	libraries map[string]*Library
}

// New returns a ready Loader.
func New() *Loader {
	return &Loader{libraries: make(map[string]*Library)}
}

// Load opens the shared library at path, returning it memoized.
func (l *Loader) Load(path string) (*Library, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lib, ok := l.libraries[path]; ok {
		return lib, nil
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, api.Wrap(api.KindLibraryLoad, fmt.Sprintf("open shared library %s", path), err)
	}

	lib := &Library{path: path, plugin: p}
	l.libraries[path] = lib
	return lib, nil
}

// Activator resolves the well-known Activator symbol from lib and returns it
// as an Activator: either the symbol itself implements Activator, or it is a
// pointer to an exported Activator-typed variable, which is dereferenced.
func (l *Library) Activator() (Activator, error) {
	sym, err := l.plugin.Lookup(ActivatorSymbol)
	if err != nil {
		return nil, api.Wrap(api.KindLibraryLoad, fmt.Sprintf("resolve %s symbol in %s", ActivatorSymbol, l.path), err)
	}

	act, ok := sym.(Activator)
	if !ok {
		// Plugin symbols are always accessed by pointer: a library exporting
		// `var Activator loader.Activator` is looked up as *loader.Activator.
		if ptr, ok := sym.(*Activator); ok {
			return *ptr, nil
		}
		return nil, api.New(api.KindLibraryLoad, fmt.Sprintf("%s symbol in %s does not implement loader.Activator", ActivatorSymbol, l.path))
	}
	return act, nil
}

// Path returns the filesystem path this library was loaded from.
func (l *Library) Path() string {
	return l.path
}

// Unload drops the library from the loader's memoization table. The Go
// runtime retains the mapped code for the lifetime of the process; there is
// no facility to reclaim it, matching plugin.Open's documented behavior.
func (l *Loader) Unload(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.libraries, path)
}
