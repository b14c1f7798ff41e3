package sim

// UnlockedFraction returns the fraction of a bucket's allocation unlocked at
// the given month, in [0,1]. Monotone non-decreasing in month:
//
//   - month 0 through the cliff: TGE fraction only
//   - cliff < month < cliff+vesting: TGE + linear share of the remainder
//   - month >= cliff+vesting: exactly 1
//
// A zero vesting duration unlocks the whole remainder the month the cliff
// ends (step function); zero cliff and zero vesting collapse to pure TGE
// behavior at month 0 and full unlock from month 0 onward.
// Pure function, safe to memoize.
func UnlockedFraction(b BucketSchedule, month int) float64 {
	if month < 0 {
		return 0
	}
	tge := b.TGEUnlockPct / 100
	if tge < 0 {
		tge = 0
	} else if tge > 1 {
		tge = 1
	}
	if month >= b.CliffMonths+b.VestingMonths {
		return 1
	}
	if month < b.CliffMonths || b.VestingMonths == 0 {
		// Inside the cliff, or a step schedule whose step month has not
		// arrived (the month >= cliff+vesting case above handles the step).
		return tge
	}
	elapsed := float64(month-b.CliffMonths) / float64(b.VestingMonths)
	return tge + (1-tge)*elapsed
}

// UnlockedTokens returns the cumulative unlocked token amount for a bucket.
func (c *Config) UnlockedTokens(b BucketSchedule, month int) float64 {
	return c.AllocationTokens(b) * UnlockedFraction(b, month)
}

// MonthlyUnlock returns the tokens newly unlocked in the given month, i.e.
// the difference between the cumulative schedules of month and month-1.
func (c *Config) MonthlyUnlock(b BucketSchedule, month int) float64 {
	if month == 0 {
		return c.UnlockedTokens(b, 0)
	}
	delta := c.UnlockedTokens(b, month) - c.UnlockedTokens(b, month-1)
	if delta < 0 {
		return 0
	}
	return delta
}
