// Package queue implements the Message Job Queue: a process-local
// per-jobId FIFO ordered by timestamp, with idempotent enqueue by message id
// and a single-runner loop per jobId.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is the unit of work a JobMessageQueue runs, carrying the message id
// used for idempotent de-duplication.
type Task struct {
	ID        string
	Timestamp int64
	Run       func() error
}

type entry struct {
	task   Task
	waiter chan error
}

// JobMessageQueue is the per-jobId FIFO ordered by timestamp, deduplicated
// by message id.
type JobMessageQueue struct {
	mu                     sync.Mutex
	pending                []entry
	seen                   map[string]bool
	processing             bool
	lastProcessedTimestamp int64

	logger func(format string, args ...interface{})
}

func newJobMessageQueue(logf func(format string, args ...interface{})) *JobMessageQueue {
	return &JobMessageQueue{
		seen:   make(map[string]bool),
		logger: logf,
	}
}

// Enqueue adds task, re-sorts the pending list by ascending timestamp
// (stable), and kicks the single-runner loop if idle. Returns
// isDuplicate=true without running task again if task.ID was already
// enqueued.
func (q *JobMessageQueue) Enqueue(task Task) (waiter <-chan error, isDuplicate bool) {
	q.mu.Lock()
	if q.seen[task.ID] {
		q.mu.Unlock()
		ch := make(chan error, 1)
		ch <- nil
		return ch, true
	}
	q.seen[task.ID] = true

	ch := make(chan error, 1)
	q.pending = append(q.pending, entry{task: task, waiter: ch})
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].task.Timestamp < q.pending[j].task.Timestamp
	})
	shouldRun := !q.processing
	if shouldRun {
		q.processing = true
	}
	q.mu.Unlock()

	if shouldRun {
		go q.runLoop()
	}
	return ch, false
}

func (q *JobMessageQueue) runLoop() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		q.processing = true
		head := q.pending[0]
		q.pending = q.pending[1:]

		if head.task.Timestamp < q.lastProcessedTimestamp && q.logger != nil {
			q.logger("late-arriving message task id=%s timestamp=%d after lastProcessedTimestamp=%d",
				head.task.ID, head.task.Timestamp, q.lastProcessedTimestamp)
		}
		q.mu.Unlock()

		err := head.task.Run()

		q.mu.Lock()
		if head.task.Timestamp > q.lastProcessedTimestamp {
			q.lastProcessedTimestamp = head.task.Timestamp
		}
		q.mu.Unlock()

		head.waiter <- err
	}
}

func (q *JobMessageQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *JobMessageQueue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

func (q *JobMessageQueue) LastProcessedTimestamp() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastProcessedTimestamp
}

// Manager owns every JobMessageQueue, process-local, keyed by jobId, plus the
// idle-sweeper that reclaims queues nobody has touched recently.
type Manager struct {
	mu           sync.Mutex
	queues       map[string]*JobMessageQueue
	lastActivity map[string]time.Time

	idleTimeout time.Duration
	now         func() time.Time
	logf        func(format string, args ...interface{})

	sweeper *cron.Cron
}

func NewManager(idleTimeout time.Duration, logf func(format string, args ...interface{})) *Manager {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Manager{
		queues:       make(map[string]*JobMessageQueue),
		lastActivity: make(map[string]time.Time),
		idleTimeout:  idleTimeout,
		now:          time.Now,
		logf:         logf,
	}
}

// Enqueue routes task onto jobId's queue, creating it if necessary.
func (m *Manager) Enqueue(jobID string, task Task) (waiter <-chan error, isDuplicate bool) {
	m.mu.Lock()
	q, ok := m.queues[jobID]
	if !ok {
		q = newJobMessageQueue(m.logf)
		m.queues[jobID] = q
	}
	m.lastActivity[jobID] = m.now()
	m.mu.Unlock()

	return q.Enqueue(task)
}

func (m *Manager) Queue(jobID string) (*JobMessageQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[jobID]
	return q, ok
}

// TotalDepth sums PendingCount across every live job queue, sampled for the
// queue-depth gauge.
func (m *Manager) TotalDepth() int {
	m.mu.Lock()
	queues := make([]*JobMessageQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	total := 0
	for _, q := range queues {
		total += q.PendingCount()
	}
	return total
}

// SweepIdle removes queues that are empty, not processing, and have had no
// activity for longer than idleTimeout.
func (m *Manager) SweepIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	now := m.now()
	for jobID, q := range m.queues {
		if q.PendingCount() != 0 || q.IsProcessing() {
			continue
		}
		if now.Sub(m.lastActivity[jobID]) <= m.idleTimeout {
			continue
		}
		delete(m.queues, jobID)
		delete(m.lastActivity, jobID)
		removed++
	}
	return removed
}

// StartIdleSweeper schedules SweepIdle every interval using
// github.com/robfig/cron/v3. Cron is used only for this sweep; the periodic
// room refresh runs on its own ticker in internal/room.
func (m *Manager) StartIdleSweeper(interval time.Duration) {
	m.sweeper = cron.New()
	spec := fmt.Sprintf("@every %s", interval.String())
	_, _ = m.sweeper.AddFunc(spec, func() {
		if n := m.SweepIdle(); n > 0 {
			m.logf("idle-swept %d message job queues", n)
		}
	})
	m.sweeper.Start()
}

// Destroy stops the sweeper and drops all queues.
func (m *Manager) Destroy() {
	if m.sweeper != nil {
		ctx := m.sweeper.Stop()
		<-ctx.Done()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string]*JobMessageQueue)
	m.lastActivity = make(map[string]time.Time)
}
