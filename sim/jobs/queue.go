package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vestsim/vestsim/sim"
	"github.com/vestsim/vestsim/sim/montecarlo"
)

// Config sizes the queue.
type Config struct {
	// MaxConcurrentJobs bounds the worker pool. Note that a Monte Carlo
	// job multiplies this by its own MaxWorkers; keeping the product within
	// the host's budget is the operator's documented responsibility, not
	// enforced here.
	MaxConcurrentJobs int

	// ResultTTL is how long a terminal job and its cached result survive
	// after completion before the sweep evicts them.
	ResultTTL time.Duration

	// SweepInterval spaces the eviction passes.
	SweepInterval time.Duration

	// PendingBuffer caps how many submitted-but-unstarted jobs the intake
	// channel holds before Submit starts failing fast.
	PendingBuffer int
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 5
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.PendingBuffer <= 0 {
		c.PendingBuffer = 256
	}
}

// ErrQueueFull is returned by Submit when the pending buffer is exhausted.
var ErrQueueFull = errors.New("pending queue is full")

// Runner executes one job's configuration to an outcome. Swappable so tests
// can count executions or inject failures.
type Runner func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error)

// DefaultRunner executes a single engine run, or a Monte Carlo ensemble when
// the config requests one.
func DefaultRunner(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
	if cfg.MonteCarlo != nil {
		res, err := montecarlo.Run(ctx, cfg, progress)
		if err != nil {
			return nil, err
		}
		return &Outcome{MonteCarlo: res}, nil
	}
	engine, err := sim.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	run, err := engine.Run(ctx, progress)
	if err != nil {
		return nil, err
	}
	return &Outcome{Run: run}, nil
}

// Queue is the async execution front of the simulation core: FIFO admission
// into a bounded worker pool, content-addressed result caching, cooperative
// cancellation, and TTL cleanup.
type Queue struct {
	cfg    Config
	store  *Store
	hub    *ProgressHub
	runner Runner

	pending chan *Job
	wg      sync.WaitGroup
	sweepWg sync.WaitGroup
	stop    chan struct{}

	mu     sync.Mutex
	closed bool
}

// New builds a queue over an explicit store and starts its workers and
// sweep. Callers own the store's lifetime; Shutdown stops the queue without
// destroying stored jobs.
func New(cfg Config, store *Store) *Queue {
	return NewWithRunner(cfg, store, DefaultRunner)
}

// NewWithRunner is New with a custom runner, used by tests.
func NewWithRunner(cfg Config, store *Store, runner Runner) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		cfg:     cfg,
		store:   store,
		hub:     NewProgressHub(),
		runner:  runner,
		pending: make(chan *Job, cfg.PendingBuffer),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.MaxConcurrentJobs; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.sweepWg.Add(1)
	go q.sweeper()
	return q
}

// Submit fingerprints the config and either returns the live job already
// covering it (Cached=true, no re-execution) or enqueues a fresh pending
// job for FIFO pickup. q.mu is held across the enqueue so Shutdown cannot
// close the pending channel between the closed check and the send.
func (q *Queue) Submit(cfg *sim.Config) (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Handle{}, ErrQueueClosed
	}

	fp, err := Fingerprint(cfg)
	if err != nil {
		return Handle{}, err
	}
	job := &Job{
		ID:          uuid.NewString(),
		Fingerprint: fp,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		cfg:         cfg,
	}
	if h, ok := q.store.lookupOrInsert(fp, job); ok {
		logrus.Debugf("job %s served from cache for fingerprint %.12s", h.JobID, fp)
		return h, nil
	}

	select {
	case q.pending <- job:
	default:
		q.store.withJob(job.ID, func(j *Job) bool {
			j.Status = StatusFailed
			j.Err = ErrQueueFull.Error()
			j.CompletedAt = time.Now()
			q.store.unlinkFingerprint(j)
			return true
		})
		return Handle{}, ErrQueueFull
	}
	logrus.Infof("job %s submitted (fingerprint %.12s)", job.ID, fp)
	return Handle{JobID: job.ID, Status: StatusPending}, nil
}

// Status returns a job's externally visible state.
func (q *Queue) Status(id string) (StatusSnapshot, error) {
	snap, ok := q.store.snapshot(id)
	if !ok {
		return StatusSnapshot{}, ErrNotFound
	}
	return snap, nil
}

// Results returns a completed job's outcome. Failed jobs surface their
// stored error; pending, running, and cancelled jobs return ErrNotReady —
// a cancelled job never yields a partial result.
func (q *Queue) Results(id string) (*Outcome, error) {
	var outcome *Outcome
	var failure string
	_, ok := q.store.withJob(id, func(j *Job) bool {
		if j.Status == StatusCompleted {
			outcome = j.Outcome
		} else if j.Status == StatusFailed {
			failure = j.Err
		}
		return true
	})
	if !ok {
		return nil, ErrNotFound
	}
	if outcome != nil {
		return outcome, nil
	}
	if failure != "" {
		return nil, fmt.Errorf("job failed: %s", failure)
	}
	return nil, ErrNotReady
}

// Cancel requests cooperative cancellation. Pending jobs flip to cancelled
// immediately; running jobs get their context cancelled and flip when the
// engine observes it at the next month boundary. Finished jobs are a no-op
// success.
func (q *Queue) Cancel(id string) (bool, string, error) {
	var msg string
	_, ok := q.store.withJob(id, func(j *Job) bool {
		switch {
		case j.Status.Terminal():
			msg = "job already finished"
		case j.Status == StatusPending:
			j.Status = StatusCancelled
			j.CompletedAt = time.Now()
			q.store.unlinkFingerprint(j)
			msg = "job cancelled before execution"
		default: // running
			if j.cancel != nil {
				j.cancel()
			}
			msg = "cancellation requested; takes effect at the next month boundary"
		}
		return true
	})
	if !ok {
		return false, "", ErrNotFound
	}
	if msg == "job cancelled before execution" {
		q.hub.CloseTopic(ProgressEvent{Type: EventError, JobID: id, Error: "job cancelled"})
	}
	return true, msg, nil
}

// Stats reports the queue population by state.
func (q *Queue) Stats() Stats {
	return q.store.stats()
}

// Subscribe attaches to a job's progress stream. The stream delivers
// progress events while the job runs and exactly one terminal done/error
// event; late subscribers get the latest known state immediately.
func (q *Queue) Subscribe(id string) (<-chan ProgressEvent, func(), error) {
	if _, ok := q.store.snapshot(id); !ok {
		return nil, nil, ErrNotFound
	}
	ch, cancel := q.hub.Subscribe(id)
	return ch, cancel, nil
}

// Shutdown stops intake, waits for in-flight jobs to drain (bounded by
// ctx), and stops the sweep. Pending jobs still queued are executed before
// workers exit.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.pending)
	close(q.stop)

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.sweepWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker pulls pending jobs FIFO and runs them to a terminal state. One
// job's failure (including panics) never takes the worker down.
func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.pending {
		q.runOne(job)
	}
}

func (q *Queue) runOne(job *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var startedAt time.Time
	started, _ := q.store.withJob(job.ID, func(j *Job) bool {
		if j.Status != StatusPending {
			return false // cancelled while queued
		}
		j.Status = StatusRunning
		startedAt = time.Now()
		j.StartedAt = startedAt
		j.cancel = cancel
		return true
	})
	if !started {
		return
	}

	progress := func(step, total int) {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(step) / float64(total)
		}
		q.store.withJob(job.ID, func(j *Job) bool {
			if pct > j.ProgressPct {
				j.ProgressPct = pct
				j.CurrentMonth = step
				j.TotalMonths = total
			}
			return true
		})
		q.hub.Publish(ProgressEvent{
			Type: EventProgress, JobID: job.ID,
			ProgressPct: pct, CurrentMonth: step, TotalMonths: total,
		})
	}

	outcome, err := q.safeRun(ctx, job, progress)

	now := time.Now()
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		q.store.withJob(job.ID, func(j *Job) bool {
			j.Status = StatusCancelled
			j.CompletedAt = now
			q.store.unlinkFingerprint(j)
			return true
		})
		q.hub.CloseTopic(ProgressEvent{Type: EventError, JobID: job.ID, Error: "job cancelled"})
		logrus.Infof("job %s cancelled", job.ID)
	case err != nil:
		q.store.withJob(job.ID, func(j *Job) bool {
			j.Status = StatusFailed
			j.Err = err.Error()
			j.CompletedAt = now
			q.store.unlinkFingerprint(j)
			return true
		})
		q.hub.CloseTopic(ProgressEvent{Type: EventError, JobID: job.ID, Error: err.Error()})
		logrus.Errorf("job %s failed: %v", job.ID, err)
	default:
		q.store.withJob(job.ID, func(j *Job) bool {
			j.Status = StatusCompleted
			j.Outcome = outcome
			j.ProgressPct = 100
			j.CompletedAt = now
			return true
		})
		q.hub.CloseTopic(ProgressEvent{Type: EventDone, JobID: job.ID, ProgressPct: 100})
		logrus.Infof("job %s completed in %s", job.ID, now.Sub(startedAt).Round(time.Millisecond))
	}
}

// safeRun shields the worker from a panicking job.
func (q *Queue) safeRun(ctx context.Context, job *Job, progress sim.ProgressFn) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.runner(ctx, job.cfg, progress)
}

// sweeper periodically evicts expired terminal jobs and their cached
// results.
func (q *Queue) sweeper() {
	defer q.sweepWg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case now := <-ticker.C:
			for _, id := range q.store.sweep(now, q.cfg.ResultTTL) {
				q.hub.Drop(id)
				logrus.Debugf("job %s evicted after TTL", id)
			}
		}
	}
}
