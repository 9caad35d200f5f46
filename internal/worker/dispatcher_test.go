package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) {}

func TestNextServesKeysRoundRobin(t *testing.T) {
	d := newDispatcher(1, 8)
	d.enqueueJob(Job{Key: "a", Name: "a1", Run: noop})
	d.enqueueJob(Job{Key: "a", Name: "a2", Run: noop})
	d.enqueueJob(Job{Key: "a", Name: "a3", Run: noop})
	d.enqueueJob(Job{Key: "b", Name: "b1", Run: noop})
	d.enqueueJob(Job{Key: "c", Name: "c1", Run: noop})

	var order []string
	for {
		job, ok := d.next()
		if !ok {
			break
		}
		order = append(order, job.Name)
	}
	assert.Equal(t, []string{"a1", "b1", "c1", "a2", "a3"}, order)
}

func TestCancelDropsQueuedJobs(t *testing.T) {
	d := newDispatcher(1, 8)
	d.enqueueJob(Job{Key: "a", Name: "a1", Run: noop})
	d.enqueueJob(Job{Key: "b", Name: "b1", Run: noop})
	d.Cancel("a")

	job, ok := d.next()
	require.True(t, ok)
	assert.Equal(t, "b1", job.Name)
	_, ok = d.next()
	assert.False(t, ok)
}

func TestSubmitRunsJobs(t *testing.T) {
	d := NewDispatcher(2, 8)
	defer d.Stop(context.Background())

	var (
		mu   sync.Mutex
		seen []string
		wg   sync.WaitGroup
	)
	for _, name := range []string{"x", "y", "z"} {
		wg.Add(1)
		require.NoError(t, d.Submit(Job{Key: name, Name: name, Run: func(context.Context) {
			defer wg.Done()
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
		}}))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not run")
	}
	assert.ElementsMatch(t, []string{"x", "y", "z"}, seen)
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	d := NewDispatcher(1, 4)
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(Job{Key: "k", Name: "boom", Run: func(context.Context) { panic("boom") }}))
	ran := make(chan struct{})
	require.NoError(t, d.Submit(Job{Key: "k", Name: "after", Run: func(context.Context) { close(ran) }}))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestStopCancelsRunningJobs(t *testing.T) {
	d := NewDispatcher(1, 4)
	started := make(chan struct{})
	require.NoError(t, d.Submit(Job{Key: "k", Name: "wait", Run: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.ErrorIs(t, d.Submit(Job{Key: "k", Run: noop}), ErrDispatcherStopped)
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	d := newDispatcher(1, 1)
	require.NoError(t, d.Submit(Job{Key: "a", Run: noop}))
	assert.ErrorIs(t, d.Submit(Job{Key: "a", Run: noop}), ErrDispatcherBusy)
}
