package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsTask(t *testing.T) {
	p := New(2)
	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	err := p.Submit(context.Background(), func() {
		ran.Store(true)
		wg.Done()
	})
	require.NoError(t, err)

	wg.Wait()
	assert.True(t, ran.Load())
}

func TestSubmit_BlocksWhenFull(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second submit should block until the first task finishes")

	close(release)
}

func TestDrain_WaitsForOutstandingTasks(t *testing.T) {
	p := New(2)
	done := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}))

	require.NoError(t, p.Drain(context.Background()))
	select {
	case <-done:
	default:
		t.Fatal("Drain returned before the outstanding task completed")
	}
}

func TestSubmit_RecoversFromPanic(t *testing.T) {
	p := New(1)
	var wg sync.WaitGroup
	wg.Add(1)

	require.NoError(t, p.Submit(context.Background(), func() {
		defer wg.Done()
		panic("boom")
	}))

	wg.Wait()
	require.NoError(t, p.Drain(context.Background()))
}
