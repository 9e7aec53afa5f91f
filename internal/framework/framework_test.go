package framework

import (
	"archive/zip"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"module/internal/event"
	"module/pkg/logging"
)

func buildPassiveArchive(t *testing.T, name string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bundle-*.zip")
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	entry, err := w.Create(name + "/manifest.yaml")
	require.NoError(t, err)
	_, err = entry.Write([]byte("bundle.symbolic_name: " + name + "\nbundle.version: 1.0.0\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return f.Name()
}

func TestStart_SucceedsAndExposesCollaborators(t *testing.T) {
	fw := New(Config{StorageLocation: t.TempDir(), WorkerPoolSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop(context.Background())

	assert.NotNil(t, fw.Registry)
	assert.NotNil(t, fw.Components)
	assert.NotNil(t, fw.Bundles)
}

func TestStart_RefusesSecondStart(t *testing.T) {
	fw := New(Config{StorageLocation: t.TempDir()})
	require.NoError(t, fw.Start(context.Background()))
	defer fw.Stop(context.Background())

	err := fw.Start(context.Background())
	assert.Error(t, err)
}

func TestStop_StopsEveryActiveBundle(t *testing.T) {
	fw := New(Config{StorageLocation: t.TempDir()})
	require.NoError(t, fw.Start(context.Background()))

	path := buildPassiveArchive(t, "com.example.passive")
	bundles, err := fw.Bundles.Install(path)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.NoError(t, fw.Bundles.Start(bundles[0]))
	require.Equal(t, "ACTIVE", bundles[0].State().String())

	require.NoError(t, fw.Stop(context.Background()))

	assert.Equal(t, "RESOLVED", bundles[0].State().String())
}

func TestStop_IsIdempotent(t *testing.T) {
	fw := New(Config{StorageLocation: t.TempDir()})
	require.NoError(t, fw.Start(context.Background()))
	require.NoError(t, fw.Stop(context.Background()))
	assert.NoError(t, fw.Stop(context.Background()))
}

func TestWaitForStop_ReturnsOnceStopCompletes(t *testing.T) {
	fw := New(Config{StorageLocation: t.TempDir()})
	require.NoError(t, fw.Start(context.Background()))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = fw.Stop(context.Background())
	}()

	assert.NoError(t, fw.WaitForStop(2*time.Second))
}

func TestWaitForStop_TimesOutIfNeverStopped(t *testing.T) {
	fw := New(Config{StorageLocation: t.TempDir()})
	require.NoError(t, fw.Start(context.Background()))
	defer fw.Stop(context.Background())

	err := fw.WaitForStop(20 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type capturingLogHandler struct {
	mu       sync.Mutex
	topics   []string
	received chan struct{}
}

func (h *capturingLogHandler) HandleEvent(topic string, properties map[string]interface{}) {
	h.mu.Lock()
	h.topics = append(h.topics, topic)
	h.mu.Unlock()
	select {
	case h.received <- struct{}{}:
	default:
	}
}

func TestStart_BridgeLogsToEventsDeliversLogEntriesAsEvents(t *testing.T) {
	fw := New(Config{StorageLocation: t.TempDir(), BridgeLogsToEvents: true})
	require.NoError(t, fw.Start(context.Background()))
	defer fw.Stop(context.Background())

	handler := &capturingLogHandler{received: make(chan struct{}, 8)}
	_, err := fw.Registry.Register(0, []string{event.HandlerInterface}, handler, map[string]interface{}{
		event.PropTopics: []string{"log/*"},
	})
	require.NoError(t, err)

	logging.Info("FrameworkTest", "hello from the bridge")

	select {
	case <-handler.received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridged log event")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.NotEmpty(t, handler.topics)
	assert.Equal(t, "log/info", handler.topics[0])
}
