package sim

import (
	"fmt"
	"math"

	"github.com/vestsim/vestsim/sim/agents"
)

// Allocation modes for bucket sizing.
const (
	AllocationModePercent = "percent" // Allocation is a fraction of total supply in [0,1]
	AllocationModeTokens  = "tokens"  // Allocation is an absolute token amount
)

// Agent granularity strategies. See agents.NewPopulation for the selection logic.
const (
	GranularityFullIndividual = "full_individual"
	GranularityMetaAgents     = "meta_agents"
	GranularityAdaptive       = "adaptive"
)

// BucketSchedule describes one allocation bucket's unlock schedule.
// Immutable after job submission.
type BucketSchedule struct {
	Name          string  `yaml:"name" json:"name"`
	Allocation    float64 `yaml:"allocation" json:"allocation"` // fraction or tokens, per AllocationMode
	TGEUnlockPct  float64 `yaml:"tge_unlock_pct" json:"tge_unlock_pct"`
	CliffMonths   int     `yaml:"cliff_months" json:"cliff_months"`
	VestingMonths int     `yaml:"vesting_months" json:"vesting_months"`
	Cohort        string  `yaml:"cohort" json:"cohort"`
	// Treasury buckets bypass agent creation; their unlocks flow directly
	// into the treasury controller.
	Treasury bool `yaml:"treasury,omitempty" json:"treasury,omitempty"`
}

// PricingConfig selects and parameterizes the price-formation model.
type PricingConfig struct {
	Kind string `yaml:"kind" json:"kind"` // constant, bonding_curve, issuance_curve, equation_of_exchange

	// bonding_curve: price = K * circulating^N
	K float64 `yaml:"k,omitempty" json:"k,omitempty"`
	N float64 `yaml:"n,omitempty" json:"n,omitempty"`

	// issuance_curve: price = initial_price * (1 + circulating/total)^Alpha
	Alpha float64 `yaml:"alpha,omitempty" json:"alpha,omitempty"`

	// equation_of_exchange: price = demand / (circulating * velocity),
	// velocity = 1 / holding_time, EMA-smoothed.
	HoldingTimeMonths float64 `yaml:"holding_time_months,omitempty" json:"holding_time_months,omitempty"`
	SmoothingFactor   float64 `yaml:"smoothing_factor,omitempty" json:"smoothing_factor,omitempty"`

	// MinPrice is the strictly positive floor applied by every variant.
	MinPrice float64 `yaml:"min_price,omitempty" json:"min_price,omitempty"`
}

// Staking reward sources.
const (
	RewardSourceEmission = "emission"
	RewardSourceTreasury = "treasury"
)

// StakingConfig parameterizes the optional staking pool.
type StakingConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled"`
	BaseAPY              float64 `yaml:"base_apy" json:"base_apy"` // annual rate, e.g. 0.12
	APYMultiplierAtEmpty float64 `yaml:"apy_multiplier_at_empty" json:"apy_multiplier_at_empty"`
	APYMultiplierAtFull  float64 `yaml:"apy_multiplier_at_full" json:"apy_multiplier_at_full"`
	LockupMonths         int     `yaml:"lockup_months" json:"lockup_months"`
	MaxCapacityPct       float64 `yaml:"max_capacity_pct" json:"max_capacity_pct"` // of circulating supply
	RewardSource         string  `yaml:"reward_source" json:"reward_source"`
}

// TreasuryConfig parameterizes the optional treasury controller.
// HoldPct + LiquidityPct + BuybackPct must sum to 1.0 (validated upstream).
type TreasuryConfig struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	InitialFiat      float64 `yaml:"initial_fiat" json:"initial_fiat"`
	SellFeePct       float64 `yaml:"sell_fee_pct" json:"sell_fee_pct"` // token fee skimmed from monthly sell volume
	HoldPct          float64 `yaml:"hold_pct" json:"hold_pct"`
	LiquidityPct     float64 `yaml:"liquidity_pct" json:"liquidity_pct"`
	BuybackPct       float64 `yaml:"buyback_pct" json:"buyback_pct"`
	BurnBoughtTokens bool    `yaml:"burn_bought_tokens" json:"burn_bought_tokens"`
}

// MonteCarloConfig enables replicated execution with parameter perturbation.
type MonteCarloConfig struct {
	NumTrials     int     `yaml:"num_trials" json:"num_trials"`
	VarianceLevel float64 `yaml:"variance_level" json:"variance_level"` // 0 disables perturbation, 1 is nominal
	MaxWorkers    int     `yaml:"max_workers" json:"max_workers"`
}

// Config is the normalized simulation configuration. Structural validation
// (ranges, non-negative months, split percentages) happens in the upstream
// validation layer; Validate covers only the invariants the core owns.
type Config struct {
	ProjectName      string  `yaml:"project_name" json:"project_name"`
	TotalSupply      float64 `yaml:"total_supply" json:"total_supply"`
	InitialPrice     float64 `yaml:"initial_price" json:"initial_price"`
	HorizonMonths    int     `yaml:"horizon_months" json:"horizon_months"`
	AllocationMode   string  `yaml:"allocation_mode" json:"allocation_mode"`
	Seed             int64   `yaml:"seed" json:"seed"`
	Granularity      string  `yaml:"granularity" json:"granularity"`
	EstimatedHolders int     `yaml:"estimated_holders" json:"estimated_holders"`
	AgentsPerCohort  int     `yaml:"agents_per_cohort" json:"agents_per_cohort"`

	Buckets  []BucketSchedule                `yaml:"buckets" json:"buckets"`
	Cohorts  map[string]agents.CohortProfile `yaml:"cohorts" json:"cohorts"`
	Pricing  PricingConfig                   `yaml:"pricing" json:"pricing"`
	Staking  StakingConfig                   `yaml:"staking" json:"staking"`
	Treasury TreasuryConfig                  `yaml:"treasury" json:"treasury"`

	MonteCarlo *MonteCarloConfig `yaml:"monte_carlo,omitempty" json:"monte_carlo,omitempty"`
}

// ConfigurationError is fatal: the job fails immediately, no partial results.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

// NewConfigurationError builds a ConfigurationError with Sprintf semantics.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// defaultAgentsPerCohort bounds meta-agent populations per cohort.
const defaultAgentsPerCohort = 100

// ApplyDefaults fills zero-valued fields the engine depends on. It mirrors
// what the upstream normalization stage does, so a hand-written YAML scenario
// behaves the same as an API-submitted one.
func (c *Config) ApplyDefaults() {
	if c.HorizonMonths <= 0 {
		c.HorizonMonths = 36
	}
	if c.AllocationMode == "" {
		c.AllocationMode = AllocationModePercent
	}
	if c.Granularity == "" {
		c.Granularity = GranularityAdaptive
	}
	if c.AgentsPerCohort <= 0 {
		c.AgentsPerCohort = defaultAgentsPerCohort
	}
	if c.Pricing.Kind == "" {
		c.Pricing.Kind = PricingConstant
	}
	if c.Pricing.MinPrice <= 0 {
		c.Pricing.MinPrice = 1e-9
	}
	if c.Pricing.SmoothingFactor <= 0 || c.Pricing.SmoothingFactor > 1 {
		c.Pricing.SmoothingFactor = 0.3
	}
	if c.Pricing.HoldingTimeMonths <= 0 {
		c.Pricing.HoldingTimeMonths = 6
	}
	if c.Staking.Enabled && c.Staking.RewardSource == "" {
		c.Staking.RewardSource = RewardSourceEmission
	}
	if c.MonteCarlo != nil && c.MonteCarlo.MaxWorkers <= 0 {
		c.MonteCarlo.MaxWorkers = 4
	}
}

// Validate checks the invariants this core owns: bucket-to-cohort references
// must resolve, and the allocation sum must not exceed the budget. Everything
// else is the upstream validator's concern.
func (c *Config) Validate() error {
	var allocSum float64
	for _, b := range c.Buckets {
		if b.Allocation < 0 || math.IsNaN(b.Allocation) {
			return NewConfigurationError("bucket %q has invalid allocation %v", b.Name, b.Allocation)
		}
		allocSum += b.Allocation
		if b.Treasury {
			continue
		}
		if b.Cohort == "" {
			return NewConfigurationError("bucket %q references no cohort profile", b.Name)
		}
		if _, ok := c.Cohorts[b.Cohort]; !ok {
			return NewConfigurationError("bucket %q references undefined cohort %q", b.Name, b.Cohort)
		}
	}
	switch c.AllocationMode {
	case AllocationModePercent:
		if allocSum > 1.0+1e-9 {
			return NewConfigurationError("bucket allocations sum to %.4f of supply, exceeding 1.0", allocSum)
		}
	case AllocationModeTokens:
		if allocSum > c.TotalSupply+1e-9 {
			return NewConfigurationError("bucket allocations sum to %.2f tokens, exceeding total supply %.2f", allocSum, c.TotalSupply)
		}
	default:
		return NewConfigurationError("unknown allocation mode %q", c.AllocationMode)
	}
	return nil
}

// AllocationTokens resolves a bucket's allocation into absolute tokens.
func (c *Config) AllocationTokens(b BucketSchedule) float64 {
	if c.AllocationMode == AllocationModeTokens {
		return b.Allocation
	}
	return b.Allocation * c.TotalSupply
}

// UnallocatedTokens returns the token remainder not covered by any bucket.
// Under-allocation is legal; the remainder is reported on results so that
// circulating-supply percentages stay honest, but it never unlocks.
func (c *Config) UnallocatedTokens() float64 {
	var allocSum float64
	for _, b := range c.Buckets {
		allocSum += c.AllocationTokens(b)
	}
	rem := c.TotalSupply - allocSum
	if rem < 0 {
		return 0
	}
	return rem
}
