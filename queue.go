package imagequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// State is the worker's position in its processing loop.
type State int32

const (
	StateIdle State = iota
	StateDequeuing
	StateClassifying
	StatePersisting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDequeuing:
		return "dequeuing"
	case StateClassifying:
		return "classifying"
	case StatePersisting:
		return "persisting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ImageTask is one admitted image waiting for classification.
type ImageTask struct {
	ID          string
	SubmitterID int64
	Image       []byte
	Hash        Hash
	Token       Token
	Origin      Origin
	EnqueuedAt  time.Time
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	State       State
	Pending     int
	Cached      int
	Submitters  int
	Admitted    int64
	Duplicates  int64
	RateLimited int64
	HashErrors  int64
	Processed   int64
	Deleted     int64
}

// Queue deduplicates inbound images and dispatches new ones to the
// classification backends from a single worker goroutine.
type Queue struct {
	cfg       Config
	log       *slog.Logger
	admission *Admission
	tasks     *taskChannel
	hashSem   *semaphore.Weighted

	// mu makes lookup, reservation and push one step, so FIFO order equals
	// reservation order and no two similar images are both reserved.
	mu    sync.Mutex
	index Index

	state     atomic.Int32
	accepting atomic.Bool
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	sweepers  sync.WaitGroup

	admitted, duplicates, rateLimited, hashErrors, processed, deleted atomic.Int64
}

// New validates cfg and builds a stopped queue. Call Start to run the worker.
func New(cfg Config) (*Queue, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Queue{
		cfg:       cfg,
		log:       cfg.Logger,
		admission: NewAdmission(cfg.RateWindow, cfg.RateMax, cfg.DenyDuration, cfg.Clock),
		tasks:     newTaskChannel(),
		hashSem:   semaphore.NewWeighted(int64(cfg.MaxConcurrentHashes)),
		index:     cfg.Index,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the worker and, unless disabled, the admission sweeper.
// The worker runs until Stop is called or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return errors.New("imagequeue: already started")
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.accepting.Store(true)

	go q.run(ctx)

	if q.cfg.SweepInterval > 0 {
		q.sweepers.Add(1)
		go q.sweep(ctx)
	}

	q.log.Info("imagequeue: worker started",
		"capacity", q.cfg.CacheCapacity, "threshold", q.cfg.Threshold, "hash_bits", q.cfg.HashSize*q.cfg.HashSize)
	return nil
}

// Stop refuses new submissions, drops the backlog, and gives the in-flight
// task up to grace to finish before cancelling it.
func (q *Queue) Stop(grace time.Duration) {
	if !q.started.Load() {
		return
	}
	q.accepting.Store(false)
	dropped := q.tasks.close()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-q.done:
	case <-timer.C:
		q.log.Warn("imagequeue: grace period elapsed, cancelling in-flight task", "grace", grace)
	}
	q.cancel()
	<-q.done
	q.sweepers.Wait()

	q.log.Info("imagequeue: worker stopped", "dropped", dropped)
}

// Enqueue admits an image for classification. It returns true only when a
// new task was queued; rate-limited, undecodable and duplicate images return
// false. A duplicate of a flagged image is deleted immediately when
// AutoDelete is set.
func (q *Queue) Enqueue(ctx context.Context, submitterID int64, origin Origin, image []byte) bool {
	if !q.accepting.Load() {
		return false
	}

	if !q.admission.Allow(submitterID) {
		q.rateLimited.Add(1)
		q.log.Debug("imagequeue: submitter rate limited", "submitter", submitterID, "origin", origin.String())
		return false
	}

	h, err := q.hash(ctx, image)
	if err != nil {
		q.hashErrors.Add(1)
		q.log.Warn("imagequeue: cannot hash image", "origin", origin.String(), "error", err.Error())
		return false
	}

	q.mu.Lock()
	if m, ok := q.index.Lookup(h); ok {
		q.mu.Unlock()
		q.duplicates.Add(1)
		q.log.Debug("imagequeue: similar image seen",
			"origin", origin.String(), "distance", m.Distance, "class", m.Classification.String())
		if m.Classification.Flagged() && q.cfg.AutoDelete {
			q.deleteDuplicate(ctx, submitterID, origin, m)
		}
		return false
	}

	task := &ImageTask{
		ID:          uuid.NewString(),
		SubmitterID: submitterID,
		Image:       image,
		Hash:        h,
		Token:       q.index.Reserve(h),
		Origin:      origin,
		EnqueuedAt:  q.cfg.Clock(),
	}
	pushed := q.tasks.push(task)
	q.mu.Unlock()

	if !pushed {
		return false
	}
	q.admitted.Add(1)
	q.log.Debug("imagequeue: task enqueued", "task", task.ID, "origin", origin.String(), "pending", q.tasks.len())
	return true
}

// DeniedUntil reports when a rate-limited submitter may submit again.
func (q *Queue) DeniedUntil(submitterID int64) (time.Time, bool) {
	return q.admission.DeniedUntil(submitterID)
}

// State returns the worker's current state.
func (q *Queue) State() State { return State(q.state.Load()) }

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	cached := q.index.Len()
	q.mu.Unlock()

	return Stats{
		State:       q.State(),
		Pending:     q.tasks.len(),
		Cached:      cached,
		Submitters:  q.admission.Len(),
		Admitted:    q.admitted.Load(),
		Duplicates:  q.duplicates.Load(),
		RateLimited: q.rateLimited.Load(),
		HashErrors:  q.hashErrors.Load(),
		Processed:   q.processed.Load(),
		Deleted:     q.deleted.Load(),
	}
}

// hash bounds concurrent decoding so large images cannot starve other
// submitters of CPU.
func (q *Queue) hash(ctx context.Context, image []byte) (Hash, error) {
	if err := q.hashSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("imagequeue: acquire hash slot: %w", err)
	}
	defer q.hashSem.Release(1)
	return q.cfg.Hasher.Hash(image)
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	defer q.setState(StateStopped)

	for {
		q.setState(StateIdle)
		task, err := q.tasks.pop(ctx)
		if err != nil {
			return
		}
		q.setState(StateDequeuing)
		q.safeProcess(ctx, task)
	}
}

func (q *Queue) safeProcess(ctx context.Context, task *ImageTask) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("imagequeue: panic processing task", "task", task.ID, "panic", r)
			if q.cfg.OnPanic != nil {
				q.cfg.OnPanic("process", r)
			}
		}
	}()

	out := q.process(ctx, task)
	q.processed.Add(1)
	q.emit(out)
}

func (q *Queue) sweep(ctx context.Context) {
	defer q.sweepers.Done()

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.admission.Sweep(); n > 0 {
				q.log.Debug("imagequeue: swept idle submitters", "removed", n)
			}
		}
	}
}

func (q *Queue) setState(s State) { q.state.Store(int32(s)) }

func (q *Queue) emit(out Outcome) {
	if q.cfg.OnOutcome != nil {
		q.cfg.OnOutcome(out)
	}
}
