package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sdrelay/dispatcher/internal/config"
	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/queue"
)

// Scheduling cadences per spec.md §4.3/§5.
const (
	ingressPoll      = 500 * time.Millisecond
	schedulingPeriod = 500 * time.Millisecond
)

// Scheduler is the core of the system: it owns one LockedQueue per known
// model, ingests from the global submission queue, and assigns backend
// workers to queues to balance switching cost against the soft deadline
// (spec.md §4.3). Grounded line-for-line on the original's
// sd_controller._schedule_queues, with the ticker/select loop shape taken
// from the teacher's CronScheduler.Run.
type Scheduler struct {
	logger      *slog.Logger
	submission  *queue.LockedQueue[*domain.WorkItem]
	result      *queue.LockedQueue[*domain.WorkItem]
	softDeadline time.Duration

	mu      sync.Mutex
	queues  map[string]*ModelQueue
	workers []*BackendWorker

	rebinds int
	switches int
}

// NewScheduler constructs a Scheduler with one ModelQueue per model name.
func NewScheduler(logger *slog.Logger, submission, result *queue.LockedQueue[*domain.WorkItem], models []string, softDeadline time.Duration) *Scheduler {
	queues := make(map[string]*ModelQueue, len(models))
	for _, m := range models {
		queues[m] = NewModelQueue(m)
	}
	return &Scheduler{
		logger:       logger,
		submission:   submission,
		result:       result,
		softDeadline: softDeadline,
		queues:       queues,
	}
}

// RegisterWorker adds a worker to the scheduler's pool. Workers may be
// registered before or after Run starts; spec.md §9 leaves "zero
// backends at startup" a valid, if degraded, state.
func (s *Scheduler) RegisterWorker(w *BackendWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, w)
}

// Rebinds and Switches report cumulative counters for tests (spec.md §8's
// "total rebinds < N" / "total switches < N/2" properties).
func (s *Scheduler) Rebinds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebinds
}

func (s *Scheduler) Switches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

// PendingCount sums the size of every per-model queue (spec.md §4.3's
// ingress admission test against QueueMaxSize).
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, q := range s.queues {
		total += q.Items.Size()
	}
	return total
}

// QueueSnapshot is a read-only view of one model queue's state, for the
// operator-facing /v1/queues status endpoint.
type QueueSnapshot struct {
	Model   string
	Size    int
	Workers int
}

// WorkerSnapshot is a read-only view of one backend worker's state, for
// the /v1/workers status endpoint.
type WorkerSnapshot struct {
	ID          string
	Health      string
	LoadedModel string
	QueueModel  string
}

// Snapshot returns a point-in-time view of every queue and worker.
func (s *Scheduler) Snapshot() ([]QueueSnapshot, []WorkerSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queues := make([]QueueSnapshot, 0, len(s.queues))
	for model, q := range s.queues {
		queues = append(queues, QueueSnapshot{Model: model, Size: q.Items.Size(), Workers: q.WorkerCount()})
	}

	workers := make([]WorkerSnapshot, 0, len(s.workers))
	for _, w := range s.workers {
		queueModel := ""
		if cq := w.CurrentQueue(); cq != nil {
			queueModel = cq.Model
		}
		workers = append(workers, WorkerSnapshot{
			ID:          w.ID(),
			Health:      w.Health().String(),
			LoadedModel: w.LoadedModel(),
			QueueModel:  queueModel,
		})
	}
	return queues, workers
}

// Run drives the ingress loop and scheduling pass until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(schedulingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ingressOnce()
			s.schedulingPass(time.Now())
		}
	}
}

// ingressOnce drains the submission queue into per-model queues while
// total pending is below QueueMaxSize (spec.md §4.3's ingress rule).
func (s *Scheduler) ingressOnce() {
	for s.PendingCount() < config.QueueMaxSize {
		item, ok := s.submission.Pop()
		if !ok {
			return
		}
		s.mu.Lock()
		mq, known := s.queues[item.Model]
		s.mu.Unlock()
		if !known {
			s.logger.Error("dropping work item for unknown model", "model", item.Model)
			continue
		}
		mq.Items.Push(item)
	}
}

type queueStat struct {
	mq      *ModelQueue
	latency time.Duration
	qsize   int
	workers int
}

// schedulingPass implements spec.md §4.3's partition/sort/assign policy
// exactly: late (manned/unmanned), workable, and idle queues are computed
// fresh each pass; workers pinned to a manned-late queue are never moved.
func (s *Scheduler) schedulingPass(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]queueStat, 0, len(s.queues))
	for _, mq := range s.queues {
		stats = append(stats, queueStat{
			mq:      mq,
			latency: mq.Latency(now),
			qsize:   mq.Items.Size(),
			workers: mq.WorkerCount(),
		})
	}

	var lateUnmanned, lateManned, workable []queueStat
	for _, st := range stats {
		late := st.latency > s.softDeadline
		switch {
		case late && st.workers == 0:
			lateUnmanned = append(lateUnmanned, st)
		case late && st.workers > 0:
			lateManned = append(lateManned, st)
		case !late && st.qsize > 0:
			workable = append(workable, st)
		}
	}

	pinned := make(map[string]struct{})
	for _, st := range lateManned {
		for _, id := range st.mq.WorkerIDs() {
			pinned[id] = struct{}{}
		}
	}

	var freeWorkers []*BackendWorker
	var available []*BackendWorker // not pinned, movable this pass
	movedThisPass := make(map[string]struct{})
	for _, w := range s.workers {
		if w.Health() != domain.HealthReady {
			continue
		}
		id := w.ID()
		if _, isPinned := pinned[id]; isPinned {
			continue
		}
		cq := w.CurrentQueue()
		if cq == nil || cq.Items.Size() == 0 {
			freeWorkers = append(freeWorkers, w)
		} else {
			available = append(available, w)
		}
	}

	sort.Slice(lateUnmanned, func(i, j int) bool { return lateUnmanned[i].latency > lateUnmanned[j].latency })
	sort.Slice(workable, func(i, j int) bool {
		return lateScore(workable[i]) < lateScore(workable[j])
	})
	// workable is sorted ascending above so "pop from end" below takes the
	// highest composite score first, per spec.md's descending-priority pop.

	assign := func(w *BackendWorker, target *ModelQueue) {
		old := w.CurrentQueue()
		if old != nil {
			old.UnbindWorker(w.ID())
		}
		target.BindWorker(w.ID())
		w.Attach(target)
		movedThisPass[w.ID()] = struct{}{}
		s.rebinds++
		if !modelNameIsPrefixOf(target.Model, w.LoadedModel()) {
			s.switches++
		}
	}

	// Step 1: free workers to unmanned-late queues, most-overdue first.
	for len(lateUnmanned) > 0 && len(freeWorkers) > 0 {
		target := lateUnmanned[0]
		lateUnmanned = lateUnmanned[1:]
		w := freeWorkers[len(freeWorkers)-1]
		freeWorkers = freeWorkers[:len(freeWorkers)-1]
		assign(w, target.mq)
	}

	// Step 2: remaining free workers to workable queues, highest pressure first.
	for len(workable) > 0 && len(freeWorkers) > 0 {
		target := workable[len(workable)-1]
		workable = workable[:len(workable)-1]
		w := freeWorkers[len(freeWorkers)-1]
		freeWorkers = freeWorkers[:len(freeWorkers)-1]
		assign(w, target.mq)
	}

	// Step 3: still-unmanned late queues pull from the available pool,
	// preferring the worker whose current queue head is youngest (least
	// harm to pull away).
	if len(lateUnmanned) > 0 && len(available) > 0 {
		sort.Slice(available, func(i, j int) bool {
			return headAge(available[i]) < headAge(available[j])
		})
		for len(lateUnmanned) > 0 && len(available) > 0 {
			target := lateUnmanned[0]
			lateUnmanned = lateUnmanned[1:]
			w := available[0]
			available = available[1:]
			if _, moved := movedThisPass[w.ID()]; moved {
				continue
			}
			assign(w, target.mq)
		}
	}
}

// headAge returns how old the worker's current queue's head item is
// (smaller = younger = least harm to pull away), or 0 if the worker has no
// current queue or that queue is empty, so such a worker sorts first.
func headAge(w *BackendWorker) time.Duration {
	q := w.CurrentQueue()
	if q == nil {
		return 0
	}
	head, ok := q.Items.PeekHead()
	if !ok {
		return 0
	}
	return time.Since(head.CreationTime)
}

// lateScore computes the literal latency*5+qsize composite used to order
// workable queues (spec.md §9's design note: "keep the tuple literal").
func lateScore(st queueStat) float64 {
	return float64(st.latency)*5 + float64(st.qsize)
}
