package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobMessageQueue_OrdersByTimestampAcrossRaces(t *testing.T) {
	q := newJobMessageQueue(nil)

	var mu sync.Mutex
	var order []string

	record := func(id string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	// The gate task holds the runner so that a is still waiting when b arrives.
	gateStarted := make(chan struct{})
	releaseGate := make(chan struct{})
	waitGate, _ := q.Enqueue(Task{ID: "gate", Timestamp: 0, Run: func() error {
		close(gateStarted)
		<-releaseGate
		return nil
	}})
	<-gateStarted

	waitA, dupA := q.Enqueue(Task{ID: "a", Timestamp: 200, Run: record("a")})
	require.False(t, dupA, "expected first enqueue of a to not be duplicate")
	time.Sleep(5 * time.Millisecond)
	waitB, dupB := q.Enqueue(Task{ID: "b", Timestamp: 100, Run: record("b")})
	require.False(t, dupB, "expected first enqueue of b to not be duplicate")
	close(releaseGate)

	<-waitGate
	<-waitA
	<-waitB

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b", "a"}, order, "expected b before a (lower timestamp wins)")
	assert.EqualValues(t, 200, q.LastProcessedTimestamp())
}

func TestJobMessageQueue_DuplicateEnqueueIsNoop(t *testing.T) {
	q := newJobMessageQueue(nil)

	calls := 0
	var mu sync.Mutex
	run := func() error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}

	w1, dup1 := q.Enqueue(Task{ID: "m1", Timestamp: 10, Run: run})
	<-w1
	assert.False(t, dup1, "first enqueue should not be duplicate")

	w2, dup2 := q.Enqueue(Task{ID: "m1", Timestamp: 10, Run: run})
	<-w2
	assert.True(t, dup2, "second enqueue of same id should be duplicate")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "expected task to run exactly once")
}

func TestManager_SweepIdle_RemovesOnlyIdleQueues(t *testing.T) {
	m := NewManager(5*time.Minute, nil)
	fixedNow := time.Now()
	m.now = func() time.Time { return fixedNow }

	waiter, _ := m.Enqueue("job-1", Task{ID: "x", Timestamp: 1, Run: func() error { return nil }})
	<-waiter

	assert.Equal(t, 0, m.SweepIdle(), "expected no sweep yet")

	m.now = func() time.Time { return fixedNow.Add(6 * time.Minute) }
	assert.Equal(t, 1, m.SweepIdle(), "expected 1 queue swept after idle timeout")

	_, ok := m.Queue("job-1")
	assert.False(t, ok, "expected job-1 queue to be removed after sweep")
}
