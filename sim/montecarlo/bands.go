package montecarlo

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/vestsim/vestsim/sim"
)

// Band is one metric's P10/P50/P90 spread across trials at a given month.
type Band struct {
	P10 float64 `json:"p10"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
}

// MonthBand carries the percentile bands for every aggregated metric in one
// month.
type MonthBand struct {
	Month             int  `json:"month"`
	Price             Band `json:"price"`
	CirculatingSupply Band `json:"circulating_supply"`
	SellVolume        Band `json:"sell_volume"`
	UnlockedThisMonth Band `json:"unlocked_this_month"`
	StakedTotal       Band `json:"staked_total"`
}

// reduce aggregates trial runs into per-month percentile bands. Trials whose
// metrics contain NaN are excluded from aggregation and counted in a
// warning; they do not void the ensemble.
func reduce(runs []*sim.Run, horizon int) *Result {
	res := &Result{}
	var clean []*sim.Run
	for _, r := range runs {
		if r == nil {
			continue
		}
		if runHasNaN(r) {
			res.Excluded++
			continue
		}
		clean = append(clean, r)
	}
	res.Trials = len(clean)
	res.Runs = clean
	if res.Excluded > 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%d trial(s) produced NaN metrics and were excluded from aggregation", res.Excluded))
	}
	if len(clean) == 0 {
		return res
	}

	res.Bands = make([]MonthBand, 0, horizon)
	for month := 0; month < horizon; month++ {
		mb := MonthBand{Month: month}
		mb.Price = bandAt(clean, month, func(m sim.MonthMetrics) float64 { return m.Price })
		mb.CirculatingSupply = bandAt(clean, month, func(m sim.MonthMetrics) float64 { return m.CirculatingSupply })
		mb.SellVolume = bandAt(clean, month, func(m sim.MonthMetrics) float64 { return m.SellVolume })
		mb.UnlockedThisMonth = bandAt(clean, month, func(m sim.MonthMetrics) float64 { return m.UnlockedThisMonth })
		mb.StakedTotal = bandAt(clean, month, func(m sim.MonthMetrics) float64 { return m.StakedTotal })
		res.Bands = append(res.Bands, mb)
	}
	return res
}

// bandAt computes one metric's percentile band at one month via linear
// quantile interpolation over the sorted trial values.
func bandAt(runs []*sim.Run, month int, metric func(sim.MonthMetrics) float64) Band {
	xs := make([]float64, 0, len(runs))
	for _, r := range runs {
		if month < len(r.Months) {
			xs = append(xs, metric(r.Months[month]))
		}
	}
	if len(xs) == 0 {
		return Band{}
	}
	sort.Float64s(xs)
	return Band{
		P10: stat.Quantile(0.10, stat.LinInterp, xs, nil),
		P50: stat.Quantile(0.50, stat.LinInterp, xs, nil),
		P90: stat.Quantile(0.90, stat.LinInterp, xs, nil),
	}
}

func runHasNaN(r *sim.Run) bool {
	for _, m := range r.Months {
		if math.IsNaN(m.Price) || math.IsNaN(m.CirculatingSupply) ||
			math.IsNaN(m.SellVolume) || math.IsNaN(m.UnlockedThisMonth) {
			return true
		}
	}
	return false
}

// Print writes the band table to stdout.
func (r *Result) Print() {
	fmt.Println("=== Monte Carlo Percentile Bands ===")
	fmt.Printf("trials=%d excluded=%d seed=%d\n", r.Trials, r.Excluded, r.MasterSeed)
	fmt.Printf("%-6s %12s %12s %12s %14s %14s %14s\n",
		"month", "price p10", "price p50", "price p90", "sell p10", "sell p50", "sell p90")
	for _, b := range r.Bands {
		fmt.Printf("%-6d %12.6f %12.6f %12.6f %14.2f %14.2f %14.2f\n",
			b.Month, b.Price.P10, b.Price.P50, b.Price.P90,
			b.SellVolume.P10, b.SellVolume.P50, b.SellVolume.P90)
	}
	for _, w := range r.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	fmt.Printf("Aggregated in      : %s\n", r.Elapsed)
}
