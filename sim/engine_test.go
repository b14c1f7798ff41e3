package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vestsim/vestsim/sim/agents"
)

func testCohort() agents.CohortProfile {
	return agents.CohortProfile{
		SellPressureMean: 0.15, SellPressureStd: 0.05,
		StakeProbAlpha: 2, StakeProbBeta: 3, StakeFraction: 0.5,
		RelockProbAlpha: 1, RelockProbBeta: 9, RelockFraction: 0.2, RelockMonths: 3,
		HoldTimeDist: "gamma", HoldTimeShape: 4, HoldTimeRate: 1,
		RiskToleranceAlpha: 2, RiskToleranceBeta: 2,
		PriceSensitivityMean: 1, PriceSensitivityStd: 0.3,
		CliffShockMean: 2, CliffShockStd: 0.3,
		TakeProfitMean: 0.8, TakeProfitStd: 0.2,
		StopLossMean: 0.5, StopLossStd: 0.1,
		ExtraSellPct: 0.3,
	}
}

func testEngineConfig(seed int64) *Config {
	return &Config{
		ProjectName:      "engine-test",
		TotalSupply:      1_000_000,
		InitialPrice:     1.0,
		HorizonMonths:    12,
		Seed:             seed,
		EstimatedHolders: 200,
		Buckets: []BucketSchedule{
			{Name: "team", Allocation: 0.3, TGEUnlockPct: 0, CliffMonths: 3, VestingMonths: 6, Cohort: "insiders"},
			{Name: "community", Allocation: 0.5, TGEUnlockPct: 10, CliffMonths: 0, VestingMonths: 12, Cohort: "retail"},
		},
		Cohorts: map[string]agents.CohortProfile{
			"insiders": testCohort(),
			"retail":   testCohort(),
		},
		Pricing: PricingConfig{Kind: PricingBondingCurve, K: 2e-6, N: 0.9, MinPrice: 1e-9},
		Staking: StakingConfig{
			Enabled: true, BaseAPY: 0.12, APYMultiplierAtEmpty: 1.5, APYMultiplierAtFull: 0.5,
			LockupMonths: 3, MaxCapacityPct: 0.5, RewardSource: RewardSourceEmission,
		},
		Treasury: TreasuryConfig{
			Enabled: true, SellFeePct: 0.01, HoldPct: 0.5, LiquidityPct: 0.3, BuybackPct: 0.2,
		},
	}
}

func mustRun(t *testing.T, cfg *Config) *Run {
	t.Helper()
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	run, err := engine.Run(context.Background(), nil)
	require.NoError(t, err)
	return run
}

func TestEngine_IdenticalSeedsReproduceExactly(t *testing.T) {
	run1 := mustRun(t, testEngineConfig(42))
	run2 := mustRun(t, testEngineConfig(42))

	require.Equal(t, len(run1.Months), len(run2.Months))
	for i := range run1.Months {
		m1, m2 := run1.Months[i], run2.Months[i]
		assert.Equal(t, m1.Price, m2.Price, "month %d price", i)
		assert.Equal(t, m1.CirculatingSupply, m2.CirculatingSupply, "month %d circulating", i)
		assert.Equal(t, m1.SellVolume, m2.SellVolume, "month %d sell volume", i)
		assert.Equal(t, m1.StakedTotal, m2.StakedTotal, "month %d staked", i)
		assert.Equal(t, m1.TreasuryTokens, m2.TreasuryTokens, "month %d treasury", i)
	}
	assert.Equal(t, run1.FinalPrice, run2.FinalPrice)
}

func TestEngine_DifferentSeedsDiverge(t *testing.T) {
	run1 := mustRun(t, testEngineConfig(1))
	run2 := mustRun(t, testEngineConfig(2))

	same := true
	for i := range run1.Months {
		if run1.Months[i].SellVolume != run2.Months[i].SellVolume {
			same = false
			break
		}
	}
	assert.False(t, same, "different seeds produced identical sell volumes")
}

func TestEngine_RunShape(t *testing.T) {
	cfg := testEngineConfig(7)
	run := mustRun(t, cfg)

	require.Len(t, run.Months, cfg.HorizonMonths)
	for i, m := range run.Months {
		assert.Equal(t, i, m.Month)
		assert.GreaterOrEqual(t, m.Price, cfg.Pricing.MinPrice)
		assert.GreaterOrEqual(t, m.CirculatingSupply, 0.0)
		assert.LessOrEqual(t, m.CirculatingSupply, m.TotalSupply)
		assert.Len(t, m.PerBucket, len(cfg.Buckets))
	}
	// 0.3 + 0.5 allocated, 20% of supply never vests.
	assert.InDelta(t, 200_000, run.Unallocated, 1e-6)
}

func TestEngine_FullTGESingleBucket(t *testing.T) {
	noRelock := testCohort()
	noRelock.RelockProbAlpha = 0
	cfg := &Config{
		TotalSupply:   1_000_000,
		InitialPrice:  1.0,
		HorizonMonths: 6,
		Seed:          42,
		Buckets: []BucketSchedule{
			{Name: "public", Allocation: 1.0, TGEUnlockPct: 100, Cohort: "retail"},
		},
		Cohorts: map[string]agents.CohortProfile{"retail": noRelock},
	}
	run := mustRun(t, cfg)

	assert.InDelta(t, 1_000_000, run.Months[0].UnlockedThisMonth, 1e-6, "everything unlocks at launch")
	assert.InDelta(t, 1_000_000, run.Months[0].CirculatingSupply, 1e-6)
	for _, m := range run.Months[1:] {
		assert.Zero(t, m.UnlockedThisMonth, "month %d must unlock nothing", m.Month)
		assert.InDelta(t, 1_000_000, m.CirculatingSupply, 1e-6, "month %d", m.Month)
		assert.InDelta(t, 1_000_000, m.CumulativeUnlocked, 1e-6)
	}
}

func TestEngine_ZeroSupplyWarnsAndRunsEmpty(t *testing.T) {
	cfg := &Config{
		TotalSupply:   0,
		InitialPrice:  1.0,
		HorizonMonths: 4,
		Buckets: []BucketSchedule{
			{Name: "team", Allocation: 0.5, Cohort: "retail", VestingMonths: 12},
		},
		Cohorts: map[string]agents.CohortProfile{"retail": testCohort()},
	}
	run := mustRun(t, cfg)

	found := false
	for _, w := range run.Warnings {
		if w.Category == WarnDegenerateInput {
			found = true
		}
	}
	assert.True(t, found, "zero total supply must surface a degenerate-input warning")
	for _, m := range run.Months {
		assert.Zero(t, m.CirculatingSupply)
		assert.Zero(t, m.SellVolume)
	}
}

func TestEngine_CancellationAtMonthBoundary(t *testing.T) {
	cfg := testEngineConfig(42)
	cfg.HorizonMonths = 36
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var monthsSeen int
	run, err := engine.Run(ctx, func(month, total int) {
		monthsSeen = month
		if month == 3 {
			cancel()
		}
	})

	assert.Nil(t, run, "a cancelled run yields no partial result")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, monthsSeen, "cancellation takes effect at the next month boundary")
}

func TestEngine_TreasuryBucketBypassesAgents(t *testing.T) {
	cfg := &Config{
		TotalSupply:   1_000_000,
		InitialPrice:  1.0,
		HorizonMonths: 6,
		Buckets: []BucketSchedule{
			{Name: "reserve", Allocation: 0.4, TGEUnlockPct: 0, VestingMonths: 4, Treasury: true},
		},
		Treasury: TreasuryConfig{Enabled: true, HoldPct: 1},
	}
	run := mustRun(t, cfg)

	for _, m := range run.Months {
		assert.Zero(t, m.SellVolume, "treasury buckets have no selling agents")
	}
	last := run.Months[len(run.Months)-1]
	assert.InDelta(t, 400_000, last.TreasuryTokens, 1e-6, "all unlocks accumulate in the treasury")
	assert.Zero(t, last.CirculatingSupply, "hold-only treasury keeps tokens out of circulation")
}

func TestEngine_StakingCapacityClipWarns(t *testing.T) {
	cfg := testEngineConfig(42)
	// All agents want to stake their full unlock; the pool only has room
	// for a sliver of circulating supply.
	cfg.Staking.MaxCapacityPct = 0.001
	eager := testCohort()
	eager.StakeProbAlpha = 1e6
	eager.StakeProbBeta = 1
	eager.StakeFraction = 1
	cfg.Cohorts["insiders"] = eager
	cfg.Cohorts["retail"] = eager

	run := mustRun(t, cfg)

	found := false
	for _, w := range run.Warnings {
		if w.Category == WarnCapacityExceeded {
			found = true
		}
	}
	assert.True(t, found, "over-subscribed pool must report clipped stakes")
	for _, m := range run.Months {
		// Capacity is evaluated against circulating supply before the new
		// stakes, fees, and rewards move it, so allow a little slack.
		bound := 0.001*(m.CirculatingSupply+m.NewlyStaked) + 1
		assert.LessOrEqual(t, m.StakedTotal, bound, "month %d", m.Month)
	}
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	cfg := testEngineConfig(1)
	cfg.Buckets[0].Cohort = "nobody"
	_, err := NewEngine(cfg)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
