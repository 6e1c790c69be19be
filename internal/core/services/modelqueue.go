package services

import (
	"sync"
	"time"

	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/queue"
)

// ModelQueue is one per-model FIFO plus the set of workers currently bound
// to it (spec.md §3). The queue and the bound-worker set are a relation
// the Scheduler maintains; neither the queue nor a worker owns the other
// (spec.md §9's "weak references" design note).
type ModelQueue struct {
	Model string
	Items *queue.LockedQueue[*domain.WorkItem]

	mu      sync.Mutex
	workers map[string]struct{} // keyed by BackendWorker base URL
}

// NewModelQueue constructs an empty ModelQueue for the given model name.
func NewModelQueue(model string) *ModelQueue {
	return &ModelQueue{
		Model:   model,
		Items:   queue.New[*domain.WorkItem](),
		workers: make(map[string]struct{}),
	}
}

// BindWorker adds workerID to this queue's bound-worker set.
func (q *ModelQueue) BindWorker(workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[workerID] = struct{}{}
}

// UnbindWorker removes workerID from this queue's bound-worker set.
func (q *ModelQueue) UnbindWorker(workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.workers, workerID)
}

// WorkerCount reports how many workers are currently bound.
func (q *ModelQueue) WorkerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// WorkerIDs returns a snapshot of the bound-worker set.
func (q *ModelQueue) WorkerIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.workers))
	for id := range q.workers {
		ids = append(ids, id)
	}
	return ids
}

// Latency returns now - head.CreationTime, or 0 if the queue is empty.
func (q *ModelQueue) Latency(now time.Time) time.Duration {
	head, ok := q.Items.PeekHead()
	if !ok {
		return 0
	}
	return now.Sub(head.CreationTime)
}
