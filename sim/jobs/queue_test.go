package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vestsim/vestsim/sim"
	"github.com/vestsim/vestsim/sim/agents"
)

func queueConfig(seed int64) *sim.Config {
	return &sim.Config{ProjectName: "queue-test", TotalSupply: 1e6, Seed: seed}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func waitStatus(t *testing.T, q *Queue, id string, want Status) {
	t.Helper()
	waitFor(t, "job "+id+" to reach "+string(want), func() bool {
		snap, err := q.Status(id)
		return err == nil && snap.Status == want
	})
}

func shutdown(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
}

func TestQueue_SubmitRunsToCompletion(t *testing.T) {
	var execs atomic.Int32
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		execs.Add(1)
		return &Outcome{Run: &sim.Run{FinalPrice: 1.23}}, nil
	}
	q := NewWithRunner(Config{}, NewStore(), runner)
	defer shutdown(t, q)

	h, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	assert.False(t, h.Cached)

	waitStatus(t, q, h.JobID, StatusCompleted)
	outcome, err := q.Results(h.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1.23, outcome.Run.FinalPrice)
	assert.EqualValues(t, 1, execs.Load())

	snap, err := q.Status(h.JobID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.ProgressPct)

	st := q.Stats()
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.CacheSize)
}

func TestQueue_DuplicateConfigServedFromCache(t *testing.T) {
	release := make(chan struct{})
	var execs atomic.Int32
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		execs.Add(1)
		<-release
		return &Outcome{Run: &sim.Run{}}, nil
	}
	q := NewWithRunner(Config{}, NewStore(), runner)
	defer shutdown(t, q)

	h1, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	waitStatus(t, q, h1.JobID, StatusRunning)

	// Same config while the first is still running: no second execution.
	h2, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	assert.True(t, h2.Cached)
	assert.Equal(t, h1.JobID, h2.JobID)

	close(release)
	waitStatus(t, q, h1.JobID, StatusCompleted)

	// Same config after completion: served from the result cache.
	h3, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	assert.True(t, h3.Cached)
	assert.Equal(t, h1.JobID, h3.JobID)
	assert.EqualValues(t, 1, execs.Load())
}

func TestQueue_WorkerPoolBoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		running.Add(1)
		defer running.Add(-1)
		<-release
		return &Outcome{Run: &sim.Run{}}, nil
	}
	q := NewWithRunner(Config{MaxConcurrentJobs: 2}, NewStore(), runner)
	defer shutdown(t, q)

	var handles []Handle
	for i := int64(1); i <= 3; i++ {
		h, err := q.Submit(queueConfig(i))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	waitFor(t, "two jobs running", func() bool { return running.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, running.Load(), "third job must wait for a free worker")
	assert.Equal(t, 1, q.Stats().Pending)

	close(release)
	for _, h := range handles {
		waitStatus(t, q, h.JobID, StatusCompleted)
	}
}

func TestQueue_CancelPendingJob(t *testing.T) {
	release := make(chan struct{})
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		<-release
		return &Outcome{Run: &sim.Run{}}, nil
	}
	q := NewWithRunner(Config{MaxConcurrentJobs: 1}, NewStore(), runner)
	defer shutdown(t, q)

	blocker, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	waitStatus(t, q, blocker.JobID, StatusRunning)

	pending, err := q.Submit(queueConfig(2))
	require.NoError(t, err)

	found, _, err := q.Cancel(pending.JobID)
	require.NoError(t, err)
	assert.True(t, found)
	waitStatus(t, q, pending.JobID, StatusCancelled)

	_, err = q.Results(pending.JobID)
	assert.ErrorIs(t, err, ErrNotReady, "cancelled jobs never yield results")

	// The cancelled fingerprint is unlinked: resubmitting re-executes.
	again, err := q.Submit(queueConfig(2))
	require.NoError(t, err)
	assert.False(t, again.Cached)
	assert.NotEqual(t, pending.JobID, again.JobID)

	close(release)
	waitStatus(t, q, again.JobID, StatusCompleted)
}

func TestQueue_CancelRunningJob(t *testing.T) {
	started := make(chan struct{}, 1)
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	q := NewWithRunner(Config{}, NewStore(), runner)
	defer shutdown(t, q)

	h, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	<-started

	found, msg, err := q.Cancel(h.JobID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotEmpty(t, msg)
	waitStatus(t, q, h.JobID, StatusCancelled)

	// Cancelling an already finished job is a no-op success.
	found, _, err = q.Cancel(h.JobID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestQueue_FailedJobSurfacesError(t *testing.T) {
	var execs atomic.Int32
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		execs.Add(1)
		return nil, errors.New("boom")
	}
	q := NewWithRunner(Config{}, NewStore(), runner)
	defer shutdown(t, q)

	h, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	waitStatus(t, q, h.JobID, StatusFailed)

	_, err = q.Results(h.JobID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// Failures are not cached: the same config runs again.
	h2, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	assert.False(t, h2.Cached)
	waitStatus(t, q, h2.JobID, StatusFailed)
	assert.EqualValues(t, 2, execs.Load())
}

func TestQueue_PanickingJobFailsWithoutKillingWorker(t *testing.T) {
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		if cfg.Seed == 1 {
			panic("runaway simulation")
		}
		return &Outcome{Run: &sim.Run{}}, nil
	}
	q := NewWithRunner(Config{MaxConcurrentJobs: 1}, NewStore(), runner)
	defer shutdown(t, q)

	bad, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	waitStatus(t, q, bad.JobID, StatusFailed)

	snap, _ := q.Status(bad.JobID)
	assert.Contains(t, snap.Error, "runaway simulation")

	// The worker survived the panic and still serves new jobs.
	good, err := q.Submit(queueConfig(2))
	require.NoError(t, err)
	waitStatus(t, q, good.JobID, StatusCompleted)
}

func TestQueue_FullPendingBufferRejects(t *testing.T) {
	release := make(chan struct{})
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		<-release
		return &Outcome{Run: &sim.Run{}}, nil
	}
	q := NewWithRunner(Config{MaxConcurrentJobs: 1, PendingBuffer: 1}, NewStore(), runner)
	defer shutdown(t, q)

	blocker, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	waitStatus(t, q, blocker.JobID, StatusRunning)

	_, err = q.Submit(queueConfig(2)) // fills the buffer
	require.NoError(t, err)

	_, err = q.Submit(queueConfig(3))
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
}

func TestQueue_SweepEvictsExpiredResults(t *testing.T) {
	var execs atomic.Int32
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		execs.Add(1)
		return &Outcome{Run: &sim.Run{}}, nil
	}
	q := NewWithRunner(Config{ResultTTL: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, NewStore(), runner)
	defer shutdown(t, q)

	h, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	waitStatus(t, q, h.JobID, StatusCompleted)

	waitFor(t, "job eviction", func() bool {
		_, err := q.Status(h.JobID)
		return errors.Is(err, ErrNotFound)
	})

	// The cache entry went with it: the config executes again.
	h2, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	assert.False(t, h2.Cached)
	waitStatus(t, q, h2.JobID, StatusCompleted)
	assert.EqualValues(t, 2, execs.Load())
}

func TestQueue_ProgressStream(t *testing.T) {
	start := make(chan struct{})
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		<-start
		for month := 1; month <= 4; month++ {
			progress(month, 4)
		}
		return &Outcome{Run: &sim.Run{}}, nil
	}
	q := NewWithRunner(Config{}, NewStore(), runner)
	defer shutdown(t, q)

	h, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	events, cancel, err := q.Subscribe(h.JobID)
	require.NoError(t, err)
	defer cancel()
	close(start)

	var last ProgressEvent
	prev := -1.0
	for ev := range events {
		if ev.Type == EventProgress {
			assert.GreaterOrEqual(t, ev.ProgressPct, prev, "progress must be monotone")
			prev = ev.ProgressPct
		}
		last = ev
	}
	assert.Equal(t, EventDone, last.Type, "stream ends with exactly one terminal event")
	assert.Equal(t, 100.0, last.ProgressPct)
}

func TestQueue_SubscribeUnknownJob(t *testing.T) {
	q := NewWithRunner(Config{}, NewStore(), DefaultRunner)
	defer shutdown(t, q)

	_, _, err := q.Subscribe("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Status("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	found, _, err := q.Cancel("nope")
	assert.False(t, found)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_ShutdownStopsIntake(t *testing.T) {
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		return &Outcome{Run: &sim.Run{}}, nil
	}
	store := NewStore()
	q := NewWithRunner(Config{}, store, runner)

	h, err := q.Submit(queueConfig(1))
	require.NoError(t, err)
	waitStatus(t, q, h.JobID, StatusCompleted)
	shutdown(t, q)

	_, err = q.Submit(queueConfig(2))
	assert.ErrorIs(t, err, ErrQueueClosed)

	// The store outlives the queue; completed results stay queryable.
	outcome, err := q.Results(h.JobID)
	require.NoError(t, err)
	assert.NotNil(t, outcome.Run)
}

func TestQueue_DefaultRunnerEndToEnd(t *testing.T) {
	profile := agents.CohortProfile{
		SellPressureMean: 0.2, SellPressureStd: 0.05,
		HoldTimeDist: "gamma", HoldTimeShape: 2, HoldTimeRate: 1,
		RiskToleranceAlpha: 2, RiskToleranceBeta: 2,
		PriceSensitivityMean: 1, PriceSensitivityStd: 0.2,
		CliffShockMean: 2, CliffShockStd: 0.3,
		TakeProfitMean: 1, TakeProfitStd: 0.2,
		StopLossMean: 0.5, StopLossStd: 0.1,
		ExtraSellPct: 0.3,
	}
	cfg := &sim.Config{
		ProjectName:   "e2e",
		TotalSupply:   1e6,
		InitialPrice:  1,
		HorizonMonths: 6,
		Seed:          42,
		Buckets: []sim.BucketSchedule{
			{Name: "community", Allocation: 0.6, TGEUnlockPct: 10, VestingMonths: 6, Cohort: "retail"},
		},
		Cohorts: map[string]agents.CohortProfile{"retail": profile},
	}

	q := New(Config{}, NewStore())
	defer shutdown(t, q)

	h, err := q.Submit(cfg)
	require.NoError(t, err)
	waitStatus(t, q, h.JobID, StatusCompleted)

	outcome, err := q.Results(h.JobID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Run)
	assert.Nil(t, outcome.MonteCarlo)
	assert.Len(t, outcome.Run.Months, 6)

	// A Monte Carlo config routes through the ensemble runner instead.
	mcCfg := &sim.Config{
		ProjectName:   "e2e-mc",
		TotalSupply:   1e6,
		InitialPrice:  1,
		HorizonMonths: 4,
		Seed:          42,
		Buckets: []sim.BucketSchedule{
			{Name: "community", Allocation: 0.6, TGEUnlockPct: 10, VestingMonths: 4, Cohort: "retail"},
		},
		Cohorts:    map[string]agents.CohortProfile{"retail": profile},
		MonteCarlo: &sim.MonteCarloConfig{NumTrials: 4, VarianceLevel: 0.5, MaxWorkers: 2},
	}
	mh, err := q.Submit(mcCfg)
	require.NoError(t, err)
	waitStatus(t, q, mh.JobID, StatusCompleted)

	mcOutcome, err := q.Results(mh.JobID)
	require.NoError(t, err)
	require.NotNil(t, mcOutcome.MonteCarlo)
	assert.Nil(t, mcOutcome.Run)
	assert.Len(t, mcOutcome.MonteCarlo.Bands, 4)
}

func TestQueue_ConcurrentDuplicateSubmitsExecuteOnce(t *testing.T) {
	release := make(chan struct{})
	var execs atomic.Int32
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		execs.Add(1)
		<-release
		return &Outcome{Run: &sim.Run{}}, nil
	}
	q := NewWithRunner(Config{}, NewStore(), runner)
	defer shutdown(t, q)

	const submitters = 16
	handles := make([]Handle, submitters)
	errs := make([]error, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			handles[slot], errs[slot] = q.Submit(queueConfig(1))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	fresh := 0
	for _, h := range handles {
		assert.Equal(t, handles[0].JobID, h.JobID, "all submits must converge on one job")
		if !h.Cached {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	close(release)
	waitStatus(t, q, handles[0].JobID, StatusCompleted)
	assert.EqualValues(t, 1, execs.Load())
}

func TestQueue_ConcurrentSubmitDuringShutdownNeverPanics(t *testing.T) {
	runner := func(ctx context.Context, cfg *sim.Config, progress sim.ProgressFn) (*Outcome, error) {
		return &Outcome{Run: &sim.Run{}}, nil
	}
	q := NewWithRunner(Config{MaxConcurrentJobs: 2}, NewStore(), runner)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := int64(0); ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				_, err := q.Submit(queueConfig(int64(w)*1_000_000 + i))
				if errors.Is(err, ErrQueueClosed) {
					return
				}
				// ErrQueueFull is an acceptable outcome under load.
				if err != nil && !errors.Is(err, ErrQueueFull) {
					t.Errorf("unexpected submit error: %v", err)
					return
				}
			}
		}(w)
	}

	time.Sleep(20 * time.Millisecond)
	shutdown(t, q)
	close(stop)
	wg.Wait()

	_, err := q.Submit(queueConfig(-1))
	assert.ErrorIs(t, err, ErrQueueClosed)
}
