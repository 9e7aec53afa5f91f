package configadmin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureUpdates collects ConfigurationUpdated pushes for assertions, guarded
// by a mutex since the watch loop delivers from its own goroutine.
type captureUpdates struct {
	mu    sync.Mutex
	calls []struct {
		pid   string
		props map[string]interface{}
	}
}

func (c *captureUpdates) update(pid string, props map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, struct {
		pid   string
		props map[string]interface{}
	}{pid, props})
}

func (c *captureUpdates) last() (string, map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return "", nil, false
	}
	last := c.calls[len(c.calls)-1]
	return last.pid, last.props, true
}

func (c *captureUpdates) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestPush_MergesOverDeclaredDefaults(t *testing.T) {
	capture := &captureUpdates{}
	defaults := func(pid string) map[string]interface{} {
		if pid != "greeter" {
			return nil
		}
		return map[string]interface{}{"greeting": "hello", "retries": 3}
	}
	a := New(t.TempDir(), defaults, capture.update)

	err := a.Push("greeter", map[string]interface{}{"greeting": "hola"})
	require.NoError(t, err)

	pid, props, ok := capture.last()
	require.True(t, ok)
	assert.Equal(t, "greeter", pid)
	assert.Equal(t, "hola", props["greeting"])
	assert.Equal(t, 3, props["retries"])
}

func TestPush_NoDefaultsPassesThroughPushedProperties(t *testing.T) {
	capture := &captureUpdates{}
	a := New(t.TempDir(), nil, capture.update)

	require.NoError(t, a.Push("unknown.pid", map[string]interface{}{"x": 1}))

	pid, props, ok := capture.last()
	require.True(t, ok)
	assert.Equal(t, "unknown.pid", pid)
	assert.Equal(t, 1, props["x"])
}

func TestLoadAll_PushesEveryYAMLDocumentInDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.yaml"), []byte("greeting: bonjour\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.yml"), []byte("pool_size: 5\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not yaml"), 0o644))

	capture := &captureUpdates{}
	a := New(dir, nil, capture.update)

	require.NoError(t, a.LoadAll())
	assert.Equal(t, 2, capture.count())
}

func TestLoadAll_MissingDirectoryIsNotAnError(t *testing.T) {
	capture := &captureUpdates{}
	a := New(filepath.Join(t.TempDir(), "does-not-exist"), nil, capture.update)
	assert.NoError(t, a.LoadAll())
	assert.Equal(t, 0, capture.count())
}

func TestStart_PicksUpNewlyWrittenDocument(t *testing.T) {
	dir := t.TempDir()
	capture := &captureUpdates{}
	a := New(dir, nil, capture.update)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.yaml"), []byte("greeting: hi\n"), 0o644))

	require.Eventually(t, func() bool {
		return capture.count() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	pid, props, ok := capture.last()
	require.True(t, ok)
	assert.Equal(t, "greeter", pid)
	assert.Equal(t, "hi", props["greeting"])
}

func TestStop_IsSafeWithoutStart(t *testing.T) {
	a := New(t.TempDir(), nil, func(string, map[string]interface{}) {})
	assert.NotPanics(t, func() { a.Stop() })
}

func TestPidFromFilename_StripsExtension(t *testing.T) {
	assert.Equal(t, "greeter", pidFromFilename("/a/b/greeter.yaml"))
	assert.Equal(t, "greeter", pidFromFilename("greeter.yml"))
}

func TestIsYAML(t *testing.T) {
	assert.True(t, isYAML("a.yaml"))
	assert.True(t, isYAML("a.YML"))
	assert.False(t, isYAML("a.json"))
}
