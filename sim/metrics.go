package sim

import (
	"fmt"
	"time"
)

// BucketMonthMetrics is one bucket's slice of a monthly snapshot.
type BucketMonthMetrics struct {
	Bucket             string  `json:"bucket"`
	UnlockedThisMonth  float64 `json:"unlocked_this_month"`
	CumulativeUnlocked float64 `json:"cumulative_unlocked"`
	SellVolume         float64 `json:"sell_volume"`
}

// MonthMetrics is the immutable snapshot recorded at the end of each
// simulated month.
type MonthMetrics struct {
	Month              int     `json:"month"`
	Price              float64 `json:"price"`
	CirculatingSupply  float64 `json:"circulating_supply"`
	TotalSupply        float64 `json:"total_supply"`
	UnlockedThisMonth  float64 `json:"unlocked_this_month"`
	CumulativeUnlocked float64 `json:"cumulative_unlocked"`
	SellVolume         float64 `json:"sell_volume"`
	BuyVolume          float64 `json:"buy_volume"`
	NewlyStaked        float64 `json:"newly_staked"`
	MaturedStakes      float64 `json:"matured_stakes"`
	StakedTotal        float64 `json:"staked_total"`
	StakingRewards     float64 `json:"staking_rewards"`
	RelockedThisMonth  float64 `json:"relocked_this_month"`
	TreasuryTokens     float64 `json:"treasury_tokens"`
	TreasuryFiat       float64 `json:"treasury_fiat"`
	BurnedThisMonth    float64 `json:"burned_this_month"`

	PerBucket []BucketMonthMetrics `json:"per_bucket"`
}

// SellPressurePct returns monthly sell volume as a share of circulating
// supply, the headline stress metric.
func (m MonthMetrics) SellPressurePct() float64 {
	if m.CirculatingSupply <= 0 {
		return 0
	}
	return 100 * m.SellVolume / m.CirculatingSupply
}

// Run is the completed result of one simulation: the ordered monthly
// snapshots plus run-level bookkeeping. Immutable once the engine returns it.
type Run struct {
	Config      *Config        `json:"-"`
	Months      []MonthMetrics `json:"months"`
	Warnings    []Warning      `json:"warnings,omitempty"`
	Unallocated float64        `json:"unallocated"`
	FinalPrice  float64        `json:"final_price"`
	Elapsed     time.Duration  `json:"-"`
}

// Print writes a per-month summary table. Mirrors the reporting style of the
// CLI's other outputs: plain stdout, no log decoration.
func (r *Run) Print() {
	fmt.Println("=== Simulation Metrics ===")
	fmt.Printf("%-6s %12s %16s %14s %14s %12s\n", "month", "price", "circulating", "unlocked", "sold", "staked")
	for _, m := range r.Months {
		fmt.Printf("%-6d %12.6f %16.2f %14.2f %14.2f %12.2f\n",
			m.Month, m.Price, m.CirculatingSupply, m.UnlockedThisMonth, m.SellVolume, m.StakedTotal)
	}
	if r.Unallocated > 0 {
		fmt.Printf("Unallocated supply   : %.2f tokens\n", r.Unallocated)
	}
	for _, w := range r.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	fmt.Printf("Final price          : %.6f\n", r.FinalPrice)
	fmt.Printf("Simulated in         : %s\n", r.Elapsed)
}
