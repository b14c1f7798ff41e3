// Package agents materializes holder populations from cohort behavior
// profiles. It is a leaf package: the engine feeds it bucket allocations and
// a seeded source, and it hands back agents with sampled parameters.
package agents

// CohortProfile holds the behavior distributions for one cohort class
// (e.g. "high_stake", "mercenary"). Probabilities are Beta-distributed,
// hold time Gamma or LogNormal, thresholds Normal clipped to their domain.
type CohortProfile struct {
	// Clipped Normal for each agent's baseline monthly sell fraction.
	SellPressureMean float64 `yaml:"sell_pressure_mean" json:"sell_pressure_mean"`
	SellPressureStd  float64 `yaml:"sell_pressure_std" json:"sell_pressure_std"`

	// Beta(alpha, beta) for per-agent stake probability.
	StakeProbAlpha float64 `yaml:"stake_prob_alpha" json:"stake_prob_alpha"`
	StakeProbBeta  float64 `yaml:"stake_prob_beta" json:"stake_prob_beta"`
	StakeFraction  float64 `yaml:"stake_fraction" json:"stake_fraction"` // share of held balance staked when staking fires

	// Beta(alpha, beta) for per-agent relock probability; relocked tokens
	// return to the locked balance for RelockMonths.
	RelockProbAlpha float64 `yaml:"relock_prob_alpha" json:"relock_prob_alpha"`
	RelockProbBeta  float64 `yaml:"relock_prob_beta" json:"relock_prob_beta"`
	RelockFraction  float64 `yaml:"relock_fraction" json:"relock_fraction"`
	RelockMonths    int     `yaml:"relock_months" json:"relock_months"`

	// Hold time in months. Dist is "gamma" (shape/rate) or "lognormal" (mu/sigma).
	HoldTimeDist  string  `yaml:"hold_time_dist" json:"hold_time_dist"`
	HoldTimeShape float64 `yaml:"hold_time_shape" json:"hold_time_shape"`
	HoldTimeRate  float64 `yaml:"hold_time_rate" json:"hold_time_rate"`
	HoldTimeMu    float64 `yaml:"hold_time_mu" json:"hold_time_mu"`
	HoldTimeSigma float64 `yaml:"hold_time_sigma" json:"hold_time_sigma"`

	// Risk tolerance in [0,1], Beta distributed. Low tolerance amplifies
	// stop-loss selling, high tolerance damps it.
	RiskToleranceAlpha float64 `yaml:"risk_tolerance_alpha" json:"risk_tolerance_alpha"`
	RiskToleranceBeta  float64 `yaml:"risk_tolerance_beta" json:"risk_tolerance_beta"`

	// Price sensitivity scales how strongly the price trend shifts the
	// monthly sell fraction. Normal clipped to [0, 2].
	PriceSensitivityMean float64 `yaml:"price_sensitivity_mean" json:"price_sensitivity_mean"`
	PriceSensitivityStd  float64 `yaml:"price_sensitivity_std" json:"price_sensitivity_std"`

	// Cliff shock multiplies effective sell pressure in the first unlock
	// month after a cliff. Normal clipped to [1, 10].
	CliffShockMean float64 `yaml:"cliff_shock_mean" json:"cliff_shock_mean"`
	CliffShockStd  float64 `yaml:"cliff_shock_std" json:"cliff_shock_std"`

	// Take-profit / stop-loss thresholds on cumulative price change vs the
	// agent's entry price, e.g. 0.5 fires at +50% / -50%. Normal clipped
	// to (0, 10].
	TakeProfitMean float64 `yaml:"take_profit_mean" json:"take_profit_mean"`
	TakeProfitStd  float64 `yaml:"take_profit_std" json:"take_profit_std"`
	StopLossMean   float64 `yaml:"stop_loss_mean" json:"stop_loss_mean"`
	StopLossStd    float64 `yaml:"stop_loss_std" json:"stop_loss_std"`

	// ExtraSellPct is the addon sell fraction applied when a take-profit or
	// stop-loss trigger fires.
	ExtraSellPct float64 `yaml:"extra_sell_pct" json:"extra_sell_pct"`
}

// Behavior is one agent's sampled parameter set. Drawn once at month 0,
// constant for the life of the run.
type Behavior struct {
	SellPressureMean float64
	SellPressureStd  float64
	StakeProb        float64
	StakeFraction    float64
	RelockProb       float64
	RelockFraction   float64
	RelockMonths     int
	HoldTimeMonths   float64
	RiskTolerance    float64
	PriceSensitivity float64
	CliffShock       float64
	TakeProfit       float64
	StopLoss         float64
	ExtraSellPct     float64
}
