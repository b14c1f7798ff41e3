package sim

import "math"

// stakeLot is one agent's staked principal awaiting lockup maturity.
type stakeLot struct {
	agentIdx     int
	amount       float64
	releaseMonth int
}

// StakingPool settles stakes, accrues rewards, and releases matured
// principal. Capacity is capped at MaxCapacityPct of circulating supply;
// over-capacity stake requests are clipped.
type StakingPool struct {
	cfg    StakingConfig
	staked float64
	lots   []stakeLot

	// RewardsPaid accumulates tokens paid out as staking rewards. Emission
	// rewards are newly minted; treasury rewards are transfers.
	RewardsPaid float64
}

// NewStakingPool builds a pool from config. A nil-equivalent (disabled)
// config yields a pool whose operations are all no-ops.
func NewStakingPool(cfg StakingConfig) *StakingPool {
	return &StakingPool{cfg: cfg}
}

// Enabled reports whether the pool participates in the run.
func (p *StakingPool) Enabled() bool { return p.cfg.Enabled }

// TotalStaked returns the currently staked principal.
func (p *StakingPool) TotalStaked() float64 { return p.staked }

// Capacity returns the maximum stakeable principal given the circulating
// supply.
func (p *StakingPool) Capacity(circulating float64) float64 {
	if !p.cfg.Enabled {
		return 0
	}
	return p.cfg.MaxCapacityPct * circulating
}

// Stake admits up to amount into the pool, clipped to remaining capacity.
// Returns the accepted amount; the caller routes the rejected remainder back
// into the sellable balance.
func (p *StakingPool) Stake(agentIdx int, amount float64, month int, circulating float64) float64 {
	if !p.cfg.Enabled || amount <= 0 {
		return 0
	}
	room := p.Capacity(circulating) - p.staked
	if room <= 0 {
		return 0
	}
	accepted := math.Min(amount, room)
	p.staked += accepted
	p.lots = append(p.lots, stakeLot{
		agentIdx:     agentIdx,
		amount:       accepted,
		releaseMonth: month + p.cfg.LockupMonths,
	})
	return accepted
}

// APY interpolates the annual reward rate between the empty and full
// utilization multipliers of the base APY.
func (p *StakingPool) APY(utilization float64) float64 {
	if utilization < 0 {
		utilization = 0
	} else if utilization > 1 {
		utilization = 1
	}
	lo := p.cfg.APYMultiplierAtEmpty * p.cfg.BaseAPY
	hi := p.cfg.APYMultiplierAtFull * p.cfg.BaseAPY
	return lo + (hi-lo)*utilization
}

// MaturedRelease is one agent's principal returned by ReleaseMatured.
type MaturedRelease struct {
	AgentIdx int
	Amount   float64
}

// ReleaseMatured returns principal whose lockup has elapsed by the given
// month, grouped per agent, and removes it from the pool.
func (p *StakingPool) ReleaseMatured(month int) []MaturedRelease {
	var out []MaturedRelease
	byAgent := map[int]float64{}
	remaining := p.lots[:0]
	for _, lot := range p.lots {
		if lot.releaseMonth <= month {
			byAgent[lot.agentIdx] += lot.amount
			p.staked -= lot.amount
		} else {
			remaining = append(remaining, lot)
		}
	}
	p.lots = remaining
	if p.staked < 0 {
		p.staked = 0
	}
	// Deterministic ordering: ascending agent index, not map iteration.
	seen := map[int]bool{}
	for _, lot := range p.lotsReleasedOrder(byAgent, month) {
		if seen[lot.AgentIdx] {
			continue
		}
		seen[lot.AgentIdx] = true
		out = append(out, lot)
	}
	return out
}

// lotsReleasedOrder rebuilds release entries in ascending agent index so the
// engine applies maturities in a stable order regardless of map iteration.
func (p *StakingPool) lotsReleasedOrder(byAgent map[int]float64, month int) []MaturedRelease {
	idxs := make([]int, 0, len(byAgent))
	for idx := range byAgent {
		idxs = append(idxs, idx)
	}
	// insertion sort; release sets are small
	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0 && idxs[j] < idxs[j-1]; j-- {
			idxs[j], idxs[j-1] = idxs[j-1], idxs[j]
		}
	}
	out := make([]MaturedRelease, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, MaturedRelease{AgentIdx: idx, Amount: byAgent[idx]})
	}
	return out
}

// AccrueRewards pays one month of rewards on the staked principal at the
// current utilization's APY. Emission rewards mint new supply (returned as
// minted > 0); treasury rewards draw down the treasury token balance and are
// skipped with a shortfall report when the balance is insufficient.
func (p *StakingPool) AccrueRewards(circulating float64, treasury *TreasuryController) (reward, minted float64, shortfall bool) {
	if !p.cfg.Enabled || p.staked <= 0 {
		return 0, 0, false
	}
	capacity := p.Capacity(circulating)
	utilization := 0.0
	if capacity > 0 {
		utilization = p.staked / capacity
	}
	monthlyRate := p.APY(utilization) / 12
	reward = p.staked * monthlyRate
	if reward <= 0 {
		return 0, 0, false
	}

	switch p.cfg.RewardSource {
	case RewardSourceTreasury:
		if treasury == nil || !treasury.DrawTokens(reward) {
			return 0, 0, true // fail soft: reward skipped this month
		}
	default: // emission
		minted = reward
	}
	p.RewardsPaid += reward
	return reward, minted, false
}
