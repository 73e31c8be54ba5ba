package logs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorConcatenatesFragments(t *testing.T) {
	var acc Accumulator
	acc.Append("Building...\n")
	acc.Append("Done.\n")
	assert.Equal(t, "Building...\nDone.\n", acc.Build())
}

func TestAccumulatorSeedsOnlyOnce(t *testing.T) {
	var acc Accumulator
	assert.False(t, acc.Seed(""))
	assert.True(t, acc.Seed("stored log\n"))
	assert.False(t, acc.Seed("newer stored log\n"))
	assert.Equal(t, "stored log\n", acc.Build())

	acc.Clear()
	assert.False(t, acc.Seed("stored log\n"))
	assert.Empty(t, acc.Build())
}

func TestAccumulatorSeedSkippedAfterLiveFragments(t *testing.T) {
	var acc Accumulator
	acc.Append("Cloning repository...\n")
	assert.False(t, acc.Seed("old\n"))
	assert.Equal(t, "Cloning repository...\n", acc.Build())
}

func TestAccumulatorResetAndRuntime(t *testing.T) {
	var acc Accumulator
	acc.Append("old\n")
	acc.Reset(DeployBanner)
	acc.Append("Cloning repository...\n")
	assert.Equal(t, "Starting deployment...\nCloning repository...\n", acc.Build())

	acc.SetRuntime("a\n")
	acc.SetRuntime("a\nb\n")
	assert.Equal(t, "a\nb\n", acc.Runtime())
	acc.ClearRuntime()
	assert.Empty(t, acc.Runtime())
	assert.NotEmpty(t, acc.Build())
}

func TestAccumulatorRestoreUndoesReset(t *testing.T) {
	var acc Accumulator
	mark := acc.Mark()
	acc.Reset(DeployBanner)
	acc.Restore(mark)
	assert.Empty(t, acc.Build())
	assert.True(t, acc.Seed("stored log\n"), "an unseeded log stays seedable")

	mark = acc.Mark()
	acc.Reset(DeployBanner)
	acc.Restore(mark)
	assert.Equal(t, "stored log\n", acc.Build())
	assert.False(t, acc.Seed("newer stored log\n"))
}

type sink struct {
	mu    sync.Mutex
	texts []string
}

func (s *sink) set(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

func TestPollerFetchesUntilStopped(t *testing.T) {
	var calls atomic.Int32
	out := &sink{}
	p := NewPoller(10*time.Millisecond, func(context.Context) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("line %d\n", n), nil
	}, out.set, nil, nil)

	p.Start(context.Background())
	p.Start(context.Background())
	require.Eventually(t, func() bool { return out.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.Running())

	p.Stop()
	assert.False(t, p.Running())
	stopped := calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())

	p.Stop()
}

func TestPollerKeepsGoingAfterErrors(t *testing.T) {
	var calls atomic.Int32
	out := &sink{}
	p := NewPoller(5*time.Millisecond, func(context.Context) (string, error) {
		if calls.Add(1)%2 == 1 {
			return "", errors.New("connection refused")
		}
		return "ok\n", nil
	}, out.set, nil, nil)

	p.Start(context.Background())
	defer p.Stop()
	require.Eventually(t, func() bool { return out.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPollerStopWaitsForInflightFetch(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	p := NewPoller(time.Second, func(ctx context.Context) (string, error) {
		close(entered)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return "", ctx.Err()
	}, func(string) { t.Error("sink must not run after stop") }, nil, nil)

	p.Start(context.Background())
	<-entered
	p.Stop()
	assert.True(t, finished.Load())
}
