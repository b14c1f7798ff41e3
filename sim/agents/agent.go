package agents

import (
	"fmt"
	"math"
)

// relockLot tracks voluntarily re-locked tokens until their release month.
type relockLot struct {
	Amount       float64
	ReleaseMonth int
}

// Agent represents one holder, or a scaled slice of the holder population
// when meta-agent granularity is in effect. Created once per run at month 0,
// mutated monthly by the engine, never shared across runs.
type Agent struct {
	ID     string
	Bucket string
	Cohort string

	// HoldersRepresented is 1 for full-individual agents and >1 for
	// meta-agents; metrics already include it because balances are
	// denominated in tokens, not per-holder units.
	HoldersRepresented float64

	// Balances, all in tokens. The ledger closes at every month:
	// Locked + Unlocked + Staked + Held + Sold == Allocation.
	// Unlocked is the transient decision buffer: credited by vesting at the
	// top of the month, emptied into Sold/Staked/Held/Locked by the
	// decision step.
	Allocation float64
	Locked     float64
	Unlocked   float64
	Staked     float64
	Held       float64
	Sold       float64

	// EntryPrice anchors take-profit and stop-loss triggers. Set by the
	// engine at month 0.
	EntryPrice float64

	Behavior Behavior

	relocks []relockLot
}

// CreditUnlock moves amount from Locked into the Unlocked decision buffer.
func (a *Agent) CreditUnlock(amount float64) {
	if amount <= 0 {
		return
	}
	if amount > a.Locked {
		amount = a.Locked
	}
	a.Locked -= amount
	a.Unlocked += amount
}

// Relock moves amount from Unlocked back into Locked until releaseMonth.
func (a *Agent) Relock(amount float64, releaseMonth int) {
	if amount <= 0 {
		return
	}
	if amount > a.Unlocked {
		amount = a.Unlocked
	}
	a.Unlocked -= amount
	a.Locked += amount
	a.relocks = append(a.relocks, relockLot{Amount: amount, ReleaseMonth: releaseMonth})
}

// ReleaseRelocked moves matured relock lots from Locked back into Unlocked
// and returns the total released amount.
func (a *Agent) ReleaseRelocked(month int) float64 {
	var released float64
	remaining := a.relocks[:0]
	for _, lot := range a.relocks {
		if lot.ReleaseMonth <= month {
			released += lot.Amount
		} else {
			remaining = append(remaining, lot)
		}
	}
	a.relocks = remaining
	if released > 0 {
		if released > a.Locked {
			released = a.Locked
		}
		a.Locked -= released
		a.Unlocked += released
	}
	return released
}

// conservationTolerance absorbs float drift across a multi-year horizon.
const conservationTolerance = 1e-6

// CheckConservation verifies the balance ledger closes against the agent's
// allocation. A violation is a programmer error, not a data error.
func (a *Agent) CheckConservation() error {
	sum := a.Locked + a.Unlocked + a.Staked + a.Held + a.Sold
	scale := math.Max(1, a.Allocation)
	if math.Abs(sum-a.Allocation) > conservationTolerance*scale {
		return fmt.Errorf("agent %s balance ledger broken: locked=%g unlocked=%g staked=%g held=%g sold=%g sum=%g allocation=%g",
			a.ID, a.Locked, a.Unlocked, a.Staked, a.Held, a.Sold, sum, a.Allocation)
	}
	if a.Locked < -conservationTolerance || a.Unlocked < -conservationTolerance ||
		a.Staked < -conservationTolerance || a.Held < -conservationTolerance {
		return fmt.Errorf("agent %s has a negative balance: locked=%g unlocked=%g staked=%g held=%g",
			a.ID, a.Locked, a.Unlocked, a.Staked, a.Held)
	}
	return nil
}
