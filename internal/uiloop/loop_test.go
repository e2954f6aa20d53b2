package uiloop

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/feedimages/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, nil))
	l.Start(t.Context())
	t.Cleanup(func() {
		l.Stop()
		l.Wait()
	})
	return l
}

func TestLoop_FIFOOrder(t *testing.T) {
	t.Parallel()

	l := newTestLoop(t)

	var got []int
	for i := range 100 {
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Do(t.Context(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_SingleGoroutineOwnership(t *testing.T) {
	t.Parallel()

	l := newTestLoop(t)

	// unsynchronized counter; the race detector flags any parallel execution
	counter := 0
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				l.Post(func() { counter++ })
			}
		})
	}
	wg.Wait()

	var final int
	require.NoError(t, l.Do(t.Context(), func() { final = counter }))
	assert.Equal(t, 400, final)
}

func TestLoop_PostFromTask(t *testing.T) {
	t.Parallel()

	l := newTestLoop(t)

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestLoop_PanicRecovered(t *testing.T) {
	t.Parallel()

	l := newTestLoop(t)

	l.Post(func() { panic("boom") })
	require.NoError(t, l.Do(t.Context(), func() {}))

	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.Panics)
	assert.Equal(t, uint64(1), stats.Processed)
}

func TestLoop_StopRejectsPosts(t *testing.T) {
	t.Parallel()

	l := New(logger.NewSlogLogger(io.Discard, logger.LogLevelInfo, nil))
	l.Start(t.Context())

	l.Stop()
	l.Wait()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(t.Context(), func() {}), ErrStopped)
}

func TestLoop_ContextCancelStopsRun(t *testing.T) {
	t.Parallel()

	l := New(logger.NewSlogLogger(io.Discard, logger.LogLevelInfo, nil))
	ctx, cancel := context.WithCancel(t.Context())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	require.NoError(t, l.Do(t.Context(), func() {}))
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, l.Post(func() {}))
}

func TestLoop_RunTwice(t *testing.T) {
	t.Parallel()

	l := newTestLoop(t)
	require.NoError(t, l.Do(t.Context(), func() {}))

	assert.ErrorIs(t, l.Run(t.Context()), ErrAlreadyRunning)
}

func TestLoop_DoContextTimeout(t *testing.T) {
	t.Parallel()

	l := newTestLoop(t)

	release := make(chan struct{})
	l.Post(func() { <-release })

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, l.Do(ctx, func() {}), context.DeadlineExceeded)
	close(release)
}

func TestLoop_WaitWithoutRun(t *testing.T) {
	t.Parallel()

	l := New(nil)
	l.Stop()
	l.Wait()
	assert.False(t, l.Post(func() {}))
}
