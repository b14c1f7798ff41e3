package sim

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vestsim/vestsim/sim/agents"
)

// ProgressFn is invoked after each completed month. The engine only ever
// publishes through it; transport concerns live with the caller.
type ProgressFn func(month, totalMonths int)

// Engine runs one full simulation: monthly unlocks, agent decisions, staking
// and treasury settlement, and the price update, in that fixed order.
type Engine struct {
	cfg        *Config
	rng        *PartitionedRNG
	population []*agents.Agent
	pricing    *PricingModel
	pool       *StakingPool
	treasury   *TreasuryController
	buckets    map[string]BucketSchedule
	recorder   warningRecorder
}

// NewEngine validates the configuration and materializes the run's state,
// including the seeded agent population. A ConfigurationError here fails the
// job before any month executes.
func NewEngine(cfg *Config) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		rng:      NewPartitionedRNG(NewRunKey(cfg.Seed)),
		pricing:  NewPricingModel(cfg.Pricing, cfg.InitialPrice),
		pool:     NewStakingPool(cfg.Staking),
		treasury: NewTreasuryController(cfg.Treasury),
		buckets:  make(map[string]BucketSchedule, len(cfg.Buckets)),
	}
	for _, b := range cfg.Buckets {
		e.buckets[b.Name] = b
	}

	if cfg.TotalSupply <= 0 {
		e.recorder.warnf(WarnDegenerateInput, -1, "total supply is %v; all metrics will be zero", cfg.TotalSupply)
	}
	if len(cfg.Buckets) == 0 {
		e.recorder.warnf(WarnDegenerateInput, -1, "no allocation buckets configured; all metrics will be zero")
	}

	pop, err := agents.NewPopulation(e.populationSpec())
	if err != nil {
		return nil, NewConfigurationError("%v", err)
	}
	e.population = pop
	for _, a := range e.population {
		a.EntryPrice = cfg.InitialPrice
	}
	return e, nil
}

// populationSpec translates the config's bucket table into the sampler's
// input, splitting the estimated holder count across agent buckets by
// allocation weight. Treasury buckets get no agents.
func (e *Engine) populationSpec() agents.PopulationSpec {
	var agentTokens float64
	for _, b := range e.cfg.Buckets {
		if !b.Treasury {
			agentTokens += e.cfg.AllocationTokens(b)
		}
	}

	spec := agents.PopulationSpec{
		Granularity:     e.cfg.Granularity,
		AgentsPerCohort: e.cfg.AgentsPerCohort,
		Seed:            int64(e.rng.Key()),
		Profiles:        e.cfg.Cohorts,
	}
	for _, b := range e.cfg.Buckets {
		if b.Treasury {
			continue
		}
		tokens := e.cfg.AllocationTokens(b)
		holders := 1
		if agentTokens > 0 && e.cfg.EstimatedHolders > 0 {
			holders = int(math.Ceil(float64(e.cfg.EstimatedHolders) * tokens / agentTokens))
			if holders < 1 {
				holders = 1
			}
		}
		spec.Buckets = append(spec.Buckets, agents.BucketAllocation{
			Name:        b.Name,
			Cohort:      b.Cohort,
			Tokens:      tokens,
			HolderCount: holders,
		})
	}
	return spec
}

// Run executes the month loop. Cancellation is cooperative: ctx is checked
// once per month, never mid-month, and a cancelled run returns ctx.Err()
// with no partial results.
func (e *Engine) Run(ctx context.Context, progress ProgressFn) (*Run, error) {
	start := time.Now()
	horizon := e.cfg.HorizonMonths
	months := make([]MonthMetrics, 0, horizon)

	price := e.pricing.clamp(e.cfg.InitialPrice)
	totalSupply := e.cfg.TotalSupply
	circulating := 0.0
	cumulativeUnlocked := 0.0

	for month := 0; month < horizon; month++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var mm MonthMetrics
		mm.Month = month
		perBucket := e.newBucketRows()

		// (1) Vesting unlocks, plus matured relocks re-entering circulation.
		unlocked, relockReleased := e.applyUnlocks(month, perBucket)
		cumulativeUnlocked += unlocked
		circulating += unlocked + relockReleased
		mm.UnlockedThisMonth = unlocked

		// (2) Agent decisions.
		dec := e.decideMonth(month, price, perBucket)
		mm.SellVolume = dec.sold
		mm.RelockedThisMonth = dec.relocked
		circulating -= dec.relocked

		// (3) Staking settlement: maturities, new stakes, rewards.
		st := e.settleStaking(month, dec.stakeRequests, circulating)
		mm.NewlyStaked = st.newlyStaked
		mm.MaturedStakes = st.matured
		circulating += st.matured - st.newlyStaked
		reward, minted, shortfall := e.pool.AccrueRewards(circulating, e.treasury)
		if shortfall {
			e.recorder.warnf(WarnTreasuryShortfall, month, "treasury balance cannot fund staking rewards; reward skipped")
		}
		mm.StakingRewards = reward
		totalSupply += minted
		circulating += reward

		// (4) Treasury settlement.
		fee := dec.sold * e.treasury.SellFeePct()
		if fee > 0 {
			e.treasury.AddTokens(fee)
			circulating -= fee
		}
		dep := e.treasury.Deploy(price)
		circulating += dep.Liquidity + dep.SoldForFiat - dep.BoughtBack
		totalSupply -= dep.Burned
		mm.BurnedThisMonth = dep.Burned
		mm.BuyVolume = dep.BoughtBack + dep.Liquidity

		// Supply sanity: clamp before the price update reads it.
		if circulating < 0 {
			circulating = 0
		}
		if totalSupply < 0 {
			totalSupply = 0
		}
		if circulating > totalSupply {
			circulating = totalSupply
		}

		// (5) Price update.
		newPrice, warn := e.pricing.NextPrice(PricingInputs{
			Price:             price,
			CirculatingSupply: circulating,
			TotalSupply:       totalSupply,
			SellVolume:        mm.SellVolume,
			BuyVolume:         mm.BuyVolume,
		})
		if warn != "" {
			e.recorder.warnf(WarnNumericDegeneracy, month, "%s", warn)
		}
		price = newPrice

		// (6) Immutable snapshot.
		mm.Price = price
		mm.CirculatingSupply = circulating
		mm.TotalSupply = totalSupply
		mm.CumulativeUnlocked = cumulativeUnlocked
		mm.StakedTotal = e.pool.TotalStaked()
		mm.TreasuryTokens = e.treasury.TokenBalance()
		mm.TreasuryFiat = e.treasury.FiatBalance()
		mm.PerBucket = e.finishBucketRows(perBucket)
		months = append(months, mm)

		if err := e.checkInvariants(); err != nil {
			return nil, err
		}

		logrus.Debugf("[month %03d] price=%.6f circ=%.2f sold=%.2f staked=%.2f",
			month, price, circulating, mm.SellVolume, mm.StakedTotal)
		if progress != nil {
			progress(month+1, horizon)
		}
	}

	return &Run{
		Config:      e.cfg,
		Months:      months,
		Warnings:    e.recorder.warnings,
		Unallocated: e.cfg.UnallocatedTokens(),
		FinalPrice:  price,
		Elapsed:     time.Since(start),
	}, nil
}

// decisionOutcome aggregates the month's agent decision step.
type decisionOutcome struct {
	sold          float64
	relocked      float64
	stakeRequests []stakeRequest
}

type stakeRequest struct {
	agentIdx int
	amount   float64
}

// applyUnlocks credits each agent's vesting unlock for the month and routes
// treasury-bucket unlocks into the treasury controller. Returns the newly
// unlocked amount entering circulation and the matured relock amount
// re-entering it.
func (e *Engine) applyUnlocks(month int, perBucket map[string]*BucketMonthMetrics) (unlocked, relockReleased float64) {
	for _, b := range e.cfg.Buckets {
		monthly := e.cfg.MonthlyUnlock(b, month)
		if row := perBucket[b.Name]; row != nil {
			row.UnlockedThisMonth = monthly
			row.CumulativeUnlocked = e.cfg.UnlockedTokens(b, month)
		}
		if b.Treasury {
			e.treasury.AddTokens(monthly)
			continue
		}
		unlocked += monthly
	}

	// Per-agent crediting uses each agent's own allocation against its
	// bucket's schedule, so meta-agents and individuals unlock identically.
	for _, a := range e.population {
		b, ok := e.buckets[a.Bucket]
		if !ok {
			continue
		}
		frac := UnlockedFraction(b, month)
		prev := 0.0
		if month > 0 {
			prev = UnlockedFraction(b, month-1)
		}
		a.CreditUnlock(a.Allocation * (frac - prev))
		relockReleased += a.ReleaseRelocked(month)
	}
	return unlocked, relockReleased
}

// decideMonth runs every agent's sell/relock/stake decision against the
// prior month's price. Stake amounts are only requested here; admission is
// settled in the staking step so the capacity cap sees the whole month.
func (e *Engine) decideMonth(month int, price float64, perBucket map[string]*BucketMonthMetrics) decisionOutcome {
	rng := e.rng.ForSubsystem(SubsystemDecisions)
	var out decisionOutcome

	for i, a := range e.population {
		if a.Unlocked <= 0 {
			continue
		}
		b := a.Behavior
		bucket := e.buckets[a.Bucket]

		priceChange := 0.0
		if a.EntryPrice > 0 {
			priceChange = price/a.EntryPrice - 1
		}

		// Baseline monthly sell fraction, suppressed while the agent's
		// sampled hold time has not elapsed.
		sellFrac := 0.0
		if float64(month) >= b.HoldTimeMonths {
			sellFrac = clamp01(rng.NormFloat64()*b.SellPressureStd + b.SellPressureMean)
		}

		// Falling prices raise the sell fraction in proportion to the
		// agent's price sensitivity.
		if priceChange < 0 {
			trend := 1 + b.PriceSensitivity*(-priceChange)
			if trend > 3 {
				trend = 3
			}
			sellFrac *= trend
		}

		// Cliff shock: the first unlock month after a cliff.
		if bucket.CliffMonths > 0 && month == bucket.CliffMonths {
			sellFrac *= b.CliffShock
		}

		// Price triggers add an extra-sell addon on top of the baseline.
		if priceChange >= b.TakeProfit {
			sellFrac += b.ExtraSellPct
		}
		if priceChange <= -b.StopLoss {
			// Low risk tolerance amplifies panic selling.
			sellFrac += b.ExtraSellPct * (1 + (1 - b.RiskTolerance))
		}
		sellFrac = clamp01(sellFrac)

		sold := sellFrac * a.Unlocked
		a.Unlocked -= sold
		a.Sold += sold
		out.sold += sold
		if row := perBucket[a.Bucket]; row != nil {
			row.SellVolume += sold
		}

		// Relock: voluntary re-lock of just-unlocked tokens.
		if b.RelockProb > 0 && b.RelockMonths > 0 && rng.Float64() < b.RelockProb {
			amount := b.RelockFraction * a.Unlocked
			a.Relock(amount, month+b.RelockMonths)
			out.relocked += amount
		}

		// Stake request: settled (and possibly clipped) in the staking step.
		remainder := a.Unlocked
		if e.pool.Enabled() && b.StakeProb > 0 && rng.Float64() < b.StakeProb {
			want := b.StakeFraction * remainder
			if want > 0 {
				out.stakeRequests = append(out.stakeRequests, stakeRequest{agentIdx: i, amount: want})
				remainder -= want
			}
		}

		// Whatever is neither sold, relocked, nor pending a stake is held.
		a.Unlocked -= remainder
		a.Held += remainder
	}
	return out
}

// stakingOutcome aggregates the month's staking settlement.
type stakingOutcome struct {
	newlyStaked float64
	matured     float64
}

// settleStaking releases matured lockups, admits the month's stake requests
// against the capacity cap, and routes clipped remainders back to held
// balances with a CapacityExceeded warning.
func (e *Engine) settleStaking(month int, requests []stakeRequest, circulating float64) stakingOutcome {
	var out stakingOutcome
	if !e.pool.Enabled() {
		// No pool: any pending request amounts stay in held balances.
		for _, req := range requests {
			a := e.population[req.agentIdx]
			a.Unlocked -= req.amount
			a.Held += req.amount
		}
		return out
	}

	for _, rel := range e.pool.ReleaseMatured(month) {
		a := e.population[rel.AgentIdx]
		a.Staked -= rel.Amount
		a.Held += rel.Amount
		out.matured += rel.Amount
	}

	var clipped float64
	for _, req := range requests {
		a := e.population[req.agentIdx]
		accepted := e.pool.Stake(req.agentIdx, req.amount, month, circulating)
		a.Unlocked -= req.amount
		a.Staked += accepted
		a.Held += req.amount - accepted
		out.newlyStaked += accepted
		clipped += req.amount - accepted
	}
	if clipped > conservationEpsilon {
		e.recorder.warnf(WarnCapacityExceeded, month,
			"staking pool at capacity: %.2f tokens clipped and returned to sellable balance", clipped)
	}
	return out
}

// conservationEpsilon tolerates float drift in aggregate comparisons.
const conservationEpsilon = 1e-6

// checkInvariants asserts every agent's balance ledger still closes. A
// violation is a programmer error and fails the run fatally.
func (e *Engine) checkInvariants() error {
	for _, a := range e.population {
		if err := a.CheckConservation(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) newBucketRows() map[string]*BucketMonthMetrics {
	rows := make(map[string]*BucketMonthMetrics, len(e.cfg.Buckets))
	for _, b := range e.cfg.Buckets {
		rows[b.Name] = &BucketMonthMetrics{Bucket: b.Name}
	}
	return rows
}

// finishBucketRows freezes the per-bucket rows in config order so snapshots
// serialize deterministically.
func (e *Engine) finishBucketRows(rows map[string]*BucketMonthMetrics) []BucketMonthMetrics {
	out := make([]BucketMonthMetrics, 0, len(rows))
	for _, b := range e.cfg.Buckets {
		if row := rows[b.Name]; row != nil {
			out = append(out, *row)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
