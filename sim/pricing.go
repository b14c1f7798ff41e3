package sim

import (
	"math"
)

// Pricing model kinds. Represented as a tagged variant plus one switch so the
// month loop stays exhaustive and each formula is testable in isolation.
const (
	PricingConstant           = "constant"
	PricingBondingCurve       = "bonding_curve"
	PricingIssuanceCurve      = "issuance_curve"
	PricingEquationOfExchange = "equation_of_exchange"
)

// PricingInputs carries the aggregate supply/demand signals for one month's
// price update.
type PricingInputs struct {
	Price             float64 // prior month's price
	CirculatingSupply float64
	TotalSupply       float64
	SellVolume        float64 // tokens sold into the market this month
	BuyVolume         float64 // tokens bought this month (treasury buybacks, liquidity)
}

// PricingModel computes next-month prices for one run. It is stateless per
// call except for the EOE demand EMA, which it owns.
type PricingModel struct {
	cfg          PricingConfig
	initialPrice float64
	ema          float64
	emaPrimed    bool
}

// NewPricingModel builds a PricingModel. Parameters outside sane bounds are
// not rejected here (validation is upstream); the model guards every formula
// against producing NaN/Inf instead.
func NewPricingModel(cfg PricingConfig, initialPrice float64) *PricingModel {
	return &PricingModel{cfg: cfg, initialPrice: initialPrice}
}

// NextPrice computes the new price from the updated supply and volume
// signals. A NaN/Inf result is replaced by the prior month's price and
// reported via the returned warning message (empty when clean). All variants
// clamp to the configured strictly positive floor.
func (m *PricingModel) NextPrice(in PricingInputs) (price float64, warning string) {
	var raw float64
	switch m.cfg.Kind {
	case PricingBondingCurve:
		raw = m.cfg.K * math.Pow(in.CirculatingSupply, m.cfg.N)
	case PricingIssuanceCurve:
		if in.TotalSupply <= 0 {
			raw = m.initialPrice
		} else {
			raw = m.initialPrice * math.Pow(1+in.CirculatingSupply/in.TotalSupply, m.cfg.Alpha)
		}
	case PricingEquationOfExchange:
		raw = m.equationOfExchange(in)
	default: // constant
		raw = in.Price
	}

	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return m.clamp(in.Price), "price update produced NaN/Inf, holding prior price"
	}
	return m.clamp(raw), ""
}

// equationOfExchange computes price = demand / (circulating * velocity),
// where velocity = 1/holding_time and demand is the fiat value of the
// month's buy-side flow, EMA-smoothed to damp month-to-month noise.
func (m *PricingModel) equationOfExchange(in PricingInputs) float64 {
	demand := in.BuyVolume * in.Price
	if demand <= 0 {
		// No measured buy flow yet: hold the prior market cap as demand so
		// the first months do not collapse to the floor.
		demand = in.CirculatingSupply * in.Price
	}
	sf := m.cfg.SmoothingFactor
	if !m.emaPrimed {
		m.ema = demand
		m.emaPrimed = true
	} else {
		m.ema = sf*demand + (1-sf)*m.ema
	}

	velocity := 1 / m.cfg.HoldingTimeMonths
	denom := in.CirculatingSupply * velocity
	if denom <= 0 {
		return in.Price
	}
	return m.ema / denom
}

// clamp enforces the strictly positive floor that keeps later months free of
// divide-by-zero propagation.
func (m *PricingModel) clamp(p float64) float64 {
	floor := m.cfg.MinPrice
	if floor <= 0 {
		floor = 1e-9
	}
	if p < floor || math.IsNaN(p) {
		return floor
	}
	return p
}
