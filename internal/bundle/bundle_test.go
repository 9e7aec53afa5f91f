package bundle

import (
	"archive/zip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"module/internal/event"
	"module/internal/loader"
	"module/internal/registry"
	"module/internal/worker"
)

// buildPassiveArchive writes a bundle with no activator — a pure manifest
// bundle publishing no code, just headers and (optionally) SCR components.
func buildPassiveArchive(t *testing.T, name, scr string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bundle-*.zip")
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	entry, err := w.Create(name + "/manifest.yaml")
	require.NoError(t, err)
	body := "bundle.symbolic_name: " + name + "\nbundle.version: 1.0.0\n" + scr
	_, err = entry.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return f.Name()
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg := registry.New()
	pool := worker.New(2)
	evt := event.New(reg, pool)
	return New(reg, evt, loader.New(), nil, t.TempDir())
}

func TestInstall_PassiveBundleResolvesImmediately(t *testing.T) {
	mgr := newTestManager(t)
	path := buildPassiveArchive(t, "com.example.passive", "")

	bundles, err := mgr.Install(path)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, StateResolved, bundles[0].State())
	assert.Equal(t, "com.example.passive", bundles[0].SymbolicName())
	assert.Equal(t, "1.0.0", bundles[0].Version())
}

func TestInstall_DuplicateLocationRejected(t *testing.T) {
	mgr := newTestManager(t)
	path := buildPassiveArchive(t, "com.example.dup", "")

	_, err := mgr.Install(path)
	require.NoError(t, err)

	_, err = mgr.Install(path)
	assert.Error(t, err)
}

func TestStartStop_PassiveBundleLifecycle(t *testing.T) {
	mgr := newTestManager(t)
	path := buildPassiveArchive(t, "com.example.lifecycle", "")

	bundles, err := mgr.Install(path)
	require.NoError(t, err)
	b := bundles[0]

	require.NoError(t, mgr.Start(b))
	assert.Equal(t, StateActive, b.State())

	// Starting an already-active bundle is a no-op, not an error.
	require.NoError(t, mgr.Start(b))

	require.NoError(t, mgr.Stop(b))
	assert.Equal(t, StateResolved, b.State())

	require.NoError(t, mgr.Uninstall(b))
	assert.Equal(t, StateUninstalled, b.State())

	_, found := mgr.Bundle(b.ID())
	assert.False(t, found)
}

func TestUninstall_RefusesWhileActive(t *testing.T) {
	mgr := newTestManager(t)
	path := buildPassiveArchive(t, "com.example.active", "")

	bundles, err := mgr.Install(path)
	require.NoError(t, err)
	b := bundles[0]
	require.NoError(t, mgr.Start(b))

	err = mgr.Uninstall(b)
	assert.Error(t, err)
	assert.Equal(t, StateActive, b.State())
}

func TestStart_WithoutRuntimeStillParsesScrComponents(t *testing.T) {
	reg := registry.New()
	pool := worker.New(2)
	evt := event.New(reg, pool)
	// No DCR wired: components declared in the manifest are simply never
	// loaded, matching "nil disables SCR component loading".
	mgr := New(reg, evt, loader.New(), nil, t.TempDir())

	scr := "scr:\n  components:\n    - name: greeter\n      interfaces: [\"iface.greeter\"]\n"
	path := buildPassiveArchive(t, "com.example.scr", scr)

	bundles, err := mgr.Install(path)
	require.NoError(t, err)
	b := bundles[0]

	require.NoError(t, mgr.Start(b))
	assert.Equal(t, StateActive, b.State())

	comps, err := b.Headers().Components()
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "greeter", comps[0].Name)
}
