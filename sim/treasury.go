package sim

import "math"

// TreasuryDeployment summarizes one month's treasury settlement.
type TreasuryDeployment struct {
	Held        float64 // tokens retained in the treasury, out of circulation
	Liquidity   float64 // tokens deployed into circulating supply
	SoldForFiat float64 // buyback-share tokens sold OTC to fund the buyback
	BoughtBack  float64 // tokens bought back from the market
	Burned      float64 // subset of BoughtBack permanently removed from total supply
}

// TreasuryController accumulates token inflow (treasury-bucket unlocks and
// sell fees) and deploys it monthly by the configured hold/liquidity/buyback
// split.
type TreasuryController struct {
	cfg TreasuryConfig

	pendingInflow float64
	tokens        float64 // token balance held out of circulation
	fiat          float64
}

// NewTreasuryController builds a controller from config.
func NewTreasuryController(cfg TreasuryConfig) *TreasuryController {
	return &TreasuryController{cfg: cfg, fiat: cfg.InitialFiat}
}

// Enabled reports whether the controller participates in the run.
func (t *TreasuryController) Enabled() bool { return t.cfg.Enabled }

// TokenBalance returns the treasury's token holdings.
func (t *TreasuryController) TokenBalance() float64 { return t.tokens }

// FiatBalance returns the treasury's fiat holdings.
func (t *TreasuryController) FiatBalance() float64 { return t.fiat }

// SellFeePct returns the token fee rate skimmed from monthly sell volume.
func (t *TreasuryController) SellFeePct() float64 {
	if !t.cfg.Enabled {
		return 0
	}
	return t.cfg.SellFeePct
}

// AddTokens queues token inflow for the next Deploy.
func (t *TreasuryController) AddTokens(amount float64) {
	if amount > 0 {
		t.pendingInflow += amount
	}
}

// DrawTokens withdraws amount from the treasury token balance, reporting
// whether the balance was sufficient. Used to fund treasury-sourced staking
// rewards.
func (t *TreasuryController) DrawTokens(amount float64) bool {
	if amount <= 0 {
		return true
	}
	if t.tokens < amount {
		return false
	}
	t.tokens -= amount
	return true
}

// Deploy settles the month's queued inflow at the given price:
//
//   - hold share: retained in the treasury token balance, out of circulation
//   - liquidity share: released into circulating supply (counts toward the
//     month's buy-side volume estimate)
//   - buyback share: converted to fiat at the month's price, then spent
//     buying tokens back from the market; bought tokens are burned when
//     configured, otherwise join the treasury token balance
//
// The split percentages are validated upstream to sum to 1.0.
func (t *TreasuryController) Deploy(price float64) TreasuryDeployment {
	if !t.cfg.Enabled || t.pendingInflow <= 0 {
		return TreasuryDeployment{}
	}
	inflow := t.pendingInflow
	t.pendingInflow = 0

	d := TreasuryDeployment{
		Held:      t.cfg.HoldPct * inflow,
		Liquidity: t.cfg.LiquidityPct * inflow,
	}
	t.tokens += d.Held

	buybackTokens := t.cfg.BuybackPct * inflow
	if buybackTokens > 0 && price > 0 && !math.IsNaN(price) && !math.IsInf(price, 0) {
		d.SoldForFiat = buybackTokens
		t.fiat += buybackTokens * price
		spend := t.fiat
		t.fiat = 0
		d.BoughtBack = spend / price
		if t.cfg.BurnBoughtTokens {
			d.Burned = d.BoughtBack
		} else {
			t.tokens += d.BoughtBack
		}
	} else if buybackTokens > 0 {
		// Degenerate price: keep the tokens rather than destroy value.
		t.tokens += buybackTokens
	}
	return d
}
