// Package queue implements the dependency-aware priority queue that feeds
// the download worker pool.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle stage of a queued task.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Active reports whether the state still allows a transition to CANCELLED.
func (s State) Active() bool {
	return s == StatePending || s == StateDownloading
}

// Task is one queue entry. Records handed out by the queue are detached
// snapshots; tasks are mutated only through queue methods.
type Task struct {
	ID                 string
	ContentID          string
	Source             string
	Title              string
	Artist             string
	Album              string
	URL                string
	FilePath           string
	Priority           int
	State              State
	CreatedAt          time.Time
	StartedAt          time.Time
	CompletedAt        time.Time
	ProgressPercentage float64
	RetryCount         int
	MaxRetries         int
	ErrorMessage       string
	DependsOn          map[string]struct{}
	ParentTaskID       string

	// Metadata carries enqueuer-supplied hints through to the provider,
	// e.g. cover art locations or tag overrides.
	Metadata map[string]string
}

func (t *Task) snapshot() Task {
	c := *t
	c.DependsOn = maps.Clone(t.DependsOn)
	c.Metadata = maps.Clone(t.Metadata)

	return c
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	PendingTasks     int
	DownloadingTasks int
	CompletedTasks   int
	FailedTasks      int
	CancelledTasks   int
	TotalTasks       int
	MaxSize          int
}

// readyItem is a heap entry; the task itself lives in the task map and the
// entry may go stale when the task leaves PENDING while queued.
type readyItem struct {
	id       string
	priority int
	seq      uint64
}

// readyHeap orders by priority descending, insertion sequence ascending.
// The tie-break among equal priorities is deterministic per run but not a
// guarantee callers may rely on.
type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}

	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(readyItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// Queue holds every known task and serves the next ready one in priority
// order while respecting dependencies. A single queue-wide mutex guards all
// mutations so the dependency fan-out stays correct under concurrent
// completions.
type Queue struct {
	logger  *slog.Logger
	maxSize int

	mu    sync.Mutex
	tasks map[string]*Task
	ready readyHeap
	seq   uint64
	wake  chan struct{}

	onAdded     []func(Task)
	onCompleted []func(Task)
	onFailed    []func(Task, string)
}

func New(maxSize int, logger *slog.Logger) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		logger:  logger,
		maxSize: maxSize,
		tasks:   make(map[string]*Task),
		wake:    make(chan struct{}),
	}
}

// OnTaskAdded registers a callback fired after a task is accepted.
func (q *Queue) OnTaskAdded(fn func(Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onAdded = append(q.onAdded, fn)
}

// OnTaskCompleted registers a callback fired when a task completes.
func (q *Queue) OnTaskCompleted(fn func(Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onCompleted = append(q.onCompleted, fn)
}

// OnTaskFailed registers a callback fired when a task fails terminally,
// that is, once its retry budget is exhausted.
func (q *Queue) OnTaskFailed(fn func(Task, string)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onFailed = append(q.onFailed, fn)
}

// AddTask stores the task and, when it has no unresolved dependency, makes
// it immediately available to workers. It reports false when the queue is
// full or the ID is already taken. Dependencies on tasks that have already
// completed count as resolved; dependencies on IDs the queue has never seen
// stay unresolved until such a task completes.
func (q *Queue) AddTask(t Task) bool {
	q.mu.Lock()

	if len(q.tasks) >= q.maxSize {
		q.mu.Unlock()
		q.logger.Warn("queue full, task rejected", "max_size", q.maxSize)

		return false
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	if _, exists := q.tasks[t.ID]; exists {
		q.mu.Unlock()

		return false
	}

	t.State = StatePending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	deps := make(map[string]struct{}, len(t.DependsOn))
	for id := range t.DependsOn {
		if dep, ok := q.tasks[id]; ok && dep.State == StateCompleted {
			continue
		}
		deps[id] = struct{}{}
	}
	t.DependsOn = deps

	stored := t
	q.tasks[stored.ID] = &stored

	if len(deps) == 0 {
		q.pushReady(&stored)
	}

	snap := stored.snapshot()
	q.mu.Unlock()

	q.fire(func(fn func(Task)) { fn(snap) }, q.cloneAdded())

	return true
}

// GetNextTask claims the highest-priority ready task, transitioning it to
// DOWNLOADING. It blocks until a task is ready, the timeout elapses or ctx
// is done; a non-positive timeout is a non-blocking try. When the popped
// entry is stale (the task left PENDING while queued, for example through
// cancellation) the entry is dropped and the call returns nothing; callers
// poll again rather than treating this as an error.
func (q *Queue) GetNextTask(ctx context.Context, timeout time.Duration) (Task, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()

		if q.ready.Len() > 0 {
			item := heap.Pop(&q.ready).(readyItem)

			t, ok := q.tasks[item.id]
			if !ok || t.State != StatePending {
				// Stale entry left behind by a cancel or remove; skip it
				// and keep draining.
				q.mu.Unlock()

				continue
			}

			t.State = StateDownloading
			t.StartedAt = time.Now()
			snap := t.snapshot()
			q.mu.Unlock()

			return snap, true
		}

		wake := q.wake
		q.mu.Unlock()

		if timeout <= 0 {
			return Task{}, false
		}

		select {
		case <-ctx.Done():
			return Task{}, false
		case <-deadline:
			return Task{}, false
		case <-wake:
		}
	}
}

// CompleteTask marks the task COMPLETED and releases its dependents: the
// completed ID is removed from every other task's dependency set, and tasks
// whose set drains become ready. This fan-out is the only mechanism by which
// dependent tasks become eligible. Only a claimed DOWNLOADING task can
// complete; reports for unknown IDs or tasks in any other state are dropped.
func (q *Queue) CompleteTask(id string) bool {
	q.mu.Lock()

	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()

		return false
	}

	// COMPLETED and CANCELLED are terminal. A worker's report that raced a
	// cancellation must not resurrect the task or release its dependents.
	if t.State != StateDownloading {
		state := t.State
		q.mu.Unlock()
		q.logger.Debug("completion report ignored", "task_id", id, "state", string(state))

		return false
	}

	t.State = StateCompleted
	t.CompletedAt = time.Now()
	t.ProgressPercentage = 100

	for _, other := range q.tasks {
		if len(other.DependsOn) == 0 {
			continue
		}
		if _, waiting := other.DependsOn[id]; !waiting {
			continue
		}

		delete(other.DependsOn, id)
		if len(other.DependsOn) == 0 && other.State == StatePending {
			q.pushReady(other)
		}
	}

	snap := t.snapshot()
	q.mu.Unlock()

	q.fire(func(fn func(Task)) { fn(snap) }, q.cloneCompleted())

	return true
}

// FailTask records the failure message and either requeues the task while
// its retry budget lasts or parks it in terminal FAILED state. The failed
// callbacks fire only on the terminal transition. Like CompleteTask it acts
// only on claimed DOWNLOADING tasks; late reports for a task that was
// cancelled or already finished are dropped.
func (q *Queue) FailTask(id, message string) bool {
	q.mu.Lock()

	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()

		return false
	}

	if t.State != StateDownloading {
		state := t.State
		q.mu.Unlock()
		q.logger.Debug("failure report ignored", "task_id", id, "state", string(state))

		return false
	}

	t.ErrorMessage = message

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.State = StatePending
		q.pushReady(t)

		retries := t.RetryCount
		q.mu.Unlock()
		q.logger.Debug("task requeued after failure", "task_id", id, "retry_count", retries)

		return true
	}

	t.State = StateFailed
	t.CompletedAt = time.Now()
	snap := t.snapshot()
	q.mu.Unlock()

	q.fireFailed(snap, message)

	return true
}

// CancelTask transitions a non-terminal task to CANCELLED. Any ready-heap
// entry for it goes stale and is dropped on pop.
func (q *Queue) CancelTask(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || !t.State.Active() {
		return false
	}

	t.State = StateCancelled
	t.CompletedAt = time.Now()

	return true
}

// RemoveTask deletes the task from all tracking. Removing a task that
// others depend on does not satisfy that dependency; such dependents are
// never unblocked.
func (q *Queue) RemoveTask(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[id]; !ok {
		return false
	}

	delete(q.tasks, id)

	return true
}

// UpdateTaskProgress records the display percentage for a task. Unknown IDs
// are ignored.
func (q *Queue) UpdateTaskProgress(id string, pct float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return
	}

	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}

	t.ProgressPercentage = pct
}

// ClearCompleted removes all COMPLETED tasks and reports the count.
func (q *Queue) ClearCompleted() int {
	return q.clearByState(StateCompleted)
}

// ClearFailed removes all terminally FAILED tasks and reports the count.
func (q *Queue) ClearFailed() int {
	return q.clearByState(StateFailed)
}

// ClearAll empties the queue entirely and reports how many tasks were
// dropped.
func (q *Queue) ClearAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.tasks)
	q.tasks = make(map[string]*Task)
	q.ready = q.ready[:0]

	return n
}

func (q *Queue) clearByState(s State) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, t := range q.tasks {
		if t.State == s {
			delete(q.tasks, id)
			removed++
		}
	}

	return removed
}

// GetTask returns a snapshot of the task with the given ID.
func (q *Queue) GetTask(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}

	return t.snapshot(), true
}

// GetTasksByState returns snapshots of every task in the given state.
func (q *Queue) GetTasksByState(s State) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for _, t := range q.tasks {
		if t.State == s {
			out = append(out, t.snapshot())
		}
	}

	return out
}

// GetAllTasks returns snapshots of every known task.
func (q *Queue) GetAllTasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.snapshot())
	}

	return out
}

// GetQueueStats counts tasks per state.
func (q *Queue) GetQueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{TotalTasks: len(q.tasks), MaxSize: q.maxSize}
	for _, t := range q.tasks {
		switch t.State {
		case StatePending:
			stats.PendingTasks++
		case StateDownloading:
			stats.DownloadingTasks++
		case StateCompleted:
			stats.CompletedTasks++
		case StateFailed:
			stats.FailedTasks++
		case StateCancelled:
			stats.CancelledTasks++
		}
	}

	return stats
}

// pushReady queues the task for claiming and wakes waiting workers.
// Callers must hold q.mu.
func (q *Queue) pushReady(t *Task) {
	q.seq++
	heap.Push(&q.ready, readyItem{id: t.ID, priority: t.Priority, seq: q.seq})

	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) cloneAdded() []func(Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]func(Task), len(q.onAdded))
	copy(out, q.onAdded)

	return out
}

func (q *Queue) cloneCompleted() []func(Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]func(Task), len(q.onCompleted))
	copy(out, q.onCompleted)

	return out
}

// fire invokes each callback, shielding the queue from subscriber panics;
// a broken subscriber must never abort a queue mutation.
func (q *Queue) fire(invoke func(func(Task)), cbs []func(Task)) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("queue subscriber panic", "panic", r, "stack", string(debug.Stack()))
				}
			}()

			invoke(cb)
		}()
	}
}

func (q *Queue) fireFailed(snap Task, message string) {
	q.mu.Lock()
	cbs := make([]func(Task, string), len(q.onFailed))
	copy(cbs, q.onFailed)
	q.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("queue subscriber panic", "panic", r, "stack", string(debug.Stack()))
				}
			}()

			cb(snap, message)
		}()
	}
}
