// Package montecarlo replicates simulation runs with perturbed parameters
// and reduces them to per-month percentile bands.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vestsim/vestsim/sim"
	"github.com/vestsim/vestsim/sim/agents"
)

// Result is the reduced outcome of the trial ensemble. Never mutated after
// construction.
type Result struct {
	Trials     int           `json:"trials"`
	Excluded   int           `json:"excluded"` // NaN trials dropped from aggregation
	Bands      []MonthBand   `json:"bands"`
	Warnings   []string      `json:"warnings,omitempty"`
	Runs       []*sim.Run    `json:"-"`
	Elapsed    time.Duration `json:"-"`
	MasterSeed int64         `json:"master_seed"`
}

// Run executes the configured number of independent trials. Trial i derives
// its seed deterministically from the master seed plus i, so equal seeds
// reproduce byte-identical bands regardless of worker scheduling. Trials run
// in parallel under a semaphore of MaxWorkers; the caller's documented
// responsibility is to keep (queue workers x trial workers) within the
// host's budget.
func Run(ctx context.Context, base *sim.Config, progress sim.ProgressFn) (*Result, error) {
	mc := base.MonteCarlo
	if mc == nil || mc.NumTrials <= 0 {
		return nil, sim.NewConfigurationError("monte carlo requested without a trial count")
	}

	masterSeed := base.Seed
	if masterSeed == 0 {
		masterSeed = time.Now().UnixNano()
		logrus.Infof("no seed configured, using random master seed %d", masterSeed)
	}

	start := time.Now()
	runs := make([]*sim.Run, mc.NumTrials)
	sem := semaphore.NewWeighted(int64(mc.MaxWorkers))
	g, gctx := errgroup.WithContext(ctx)

	var completed atomic.Int64
	for i := 0; i < mc.NumTrials; i++ {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			trialCfg := perturbConfig(base, masterSeed, i, mc.VarianceLevel)
			engine, err := sim.NewEngine(trialCfg)
			if err != nil {
				return fmt.Errorf("trial %d: %w", i, err)
			}
			run, err := engine.Run(gctx, nil)
			if err != nil {
				return fmt.Errorf("trial %d: %w", i, err)
			}
			runs[i] = run
			if progress != nil {
				// Completion order is nondeterministic; the progress sink
				// is responsible for ignoring regressions.
				progress(int(completed.Add(1)), mc.NumTrials)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Trials that finished before the cancellation was observed don't make a
	// cancelled run a success; a cancelled ensemble yields no result.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := reduce(runs, base.HorizonMonths)
	res.MasterSeed = masterSeed
	res.Elapsed = time.Since(start)
	return res, nil
}

// perturbConfig clones the base configuration and jitters the designated
// parameters using the trial's own seeded generator: cliff +/-2 months, TGE
// +/-5pp, vesting duration +/-10%, sell-pressure mean +/-5pp, each scaled by
// the variance level. Trial 0 intentionally receives jitter too: the bands
// describe the perturbed ensemble, not the nominal path.
func perturbConfig(base *sim.Config, masterSeed int64, trial int, variance float64) *sim.Config {
	cfg := cloneConfig(base)
	trialSeed := masterSeed + int64(trial)
	cfg.Seed = trialSeed
	cfg.MonteCarlo = nil // each trial is a single engine run

	if variance <= 0 {
		return cfg
	}
	rng := sim.NewPartitionedRNG(sim.NewRunKey(trialSeed)).ForSubsystem(sim.SubsystemPerturb)

	for i := range cfg.Buckets {
		b := &cfg.Buckets[i]
		if b.CliffMonths > 0 {
			b.CliffMonths += int(math.Round(uniform(rng.Float64(), -2, 2) * variance))
			if b.CliffMonths < 0 {
				b.CliffMonths = 0
			}
		}
		b.TGEUnlockPct = clampRange(b.TGEUnlockPct+uniform(rng.Float64(), -5, 5)*variance, 0, 100)
		if b.VestingMonths > 0 {
			scale := 1 + uniform(rng.Float64(), -0.10, 0.10)*variance
			b.VestingMonths = int(math.Round(float64(b.VestingMonths) * scale))
			if b.VestingMonths < 0 {
				b.VestingMonths = 0
			}
		}
	}

	for name, profile := range cfg.Cohorts {
		profile.SellPressureMean = clampRange(profile.SellPressureMean+uniform(rng.Float64(), -0.05, 0.05)*variance, 0, 1)
		cfg.Cohorts[name] = profile
	}
	return cfg
}

// cloneConfig deep-copies the mutable parts of a config so trial
// perturbation never leaks into the base or into sibling trials.
func cloneConfig(base *sim.Config) *sim.Config {
	cfg := *base
	cfg.Buckets = append([]sim.BucketSchedule(nil), base.Buckets...)
	cfg.Cohorts = make(map[string]agents.CohortProfile, len(base.Cohorts))
	for k, v := range base.Cohorts {
		cfg.Cohorts[k] = v
	}
	if base.MonteCarlo != nil {
		mc := *base.MonteCarlo
		cfg.MonteCarlo = &mc
	}
	return &cfg
}

func uniform(u, lo, hi float64) float64 {
	return lo + u*(hi-lo)
}

func clampRange(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
