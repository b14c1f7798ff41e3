package agents

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Granularity strategies, mirrored from the engine's config vocabulary.
const (
	GranularityFullIndividual = "full_individual"
	GranularityMetaAgents     = "meta_agents"
	GranularityAdaptive       = "adaptive"
)

// AdaptiveHolderThreshold is the estimated holder count at or above which
// adaptive granularity switches a bucket to meta-agents.
const AdaptiveHolderThreshold = 10000

// BucketAllocation is the engine's view of one bucket, resolved to tokens.
type BucketAllocation struct {
	Name        string
	Cohort      string
	Tokens      float64
	HolderCount int // estimated real holders behind this bucket
}

// PopulationSpec describes the population to materialize.
type PopulationSpec struct {
	Granularity     string
	AgentsPerCohort int // meta-agent count per bucket
	Seed            int64
	Buckets         []BucketAllocation
	Profiles        map[string]CohortProfile
}

// NewPopulation materializes the agent population. Pure function of the
// spec: the same spec (including seed) always produces an identical
// population. Each bucket derives an independent sub-stream from the seed
// and its index, so adding a bucket does not disturb earlier buckets' draws.
// Note: reordering buckets changes their index-derived seeds.
func NewPopulation(spec PopulationSpec) ([]*Agent, error) {
	var population []*Agent
	for i, bucket := range spec.Buckets {
		profile, ok := spec.Profiles[bucket.Cohort]
		if !ok {
			return nil, fmt.Errorf("bucket %q references undefined cohort %q", bucket.Name, bucket.Cohort)
		}
		if bucket.Tokens <= 0 {
			continue
		}

		// Knuth multiplicative hash spreads entropy across bucket indices
		// without the XOR collision (seed=1^2 == seed=2^1) hazard.
		bucketSeed := uint64(spec.Seed)*2654435761 + uint64(i)
		src := rand.NewPCG(bucketSeed, bucketSeed^0x9E3779B97F4A7C15)

		n := agentCount(spec, bucket)
		perAgentTokens := bucket.Tokens / float64(n)
		holdersPerAgent := math.Max(1, float64(bucket.HolderCount)/float64(n))

		for j := 0; j < n; j++ {
			a := &Agent{
				ID:                 fmt.Sprintf("%s-%d", bucket.Name, j),
				Bucket:             bucket.Name,
				Cohort:             bucket.Cohort,
				HoldersRepresented: holdersPerAgent,
				Allocation:         perAgentTokens,
				Locked:             perAgentTokens,
				Behavior:           sampleBehavior(profile, src),
			}
			population = append(population, a)
		}
	}
	return population, nil
}

// agentCount resolves the granularity strategy for one bucket.
func agentCount(spec PopulationSpec, bucket BucketAllocation) int {
	holders := bucket.HolderCount
	if holders < 1 {
		holders = 1
	}
	switch spec.Granularity {
	case GranularityFullIndividual:
		return holders
	case GranularityMetaAgents:
		return min(spec.AgentsPerCohort, holders)
	default: // adaptive
		if holders >= AdaptiveHolderThreshold {
			return min(spec.AgentsPerCohort, holders)
		}
		return holders
	}
}

// sampleBehavior draws one agent's parameter set. Draw order is fixed;
// changing it breaks seed reproducibility.
func sampleBehavior(p CohortProfile, src rand.Source) Behavior {
	return Behavior{
		SellPressureMean: clippedNormal(p.SellPressureMean, p.SellPressureStd, 0, 1, src),
		SellPressureStd:  p.SellPressureStd,
		StakeProb:        betaDraw(p.StakeProbAlpha, p.StakeProbBeta, src),
		StakeFraction:    clamp01(p.StakeFraction),
		RelockProb:       betaDraw(p.RelockProbAlpha, p.RelockProbBeta, src),
		RelockFraction:   clamp01(p.RelockFraction),
		RelockMonths:     p.RelockMonths,
		HoldTimeMonths:   holdTimeDraw(p, src),
		RiskTolerance:    betaDraw(p.RiskToleranceAlpha, p.RiskToleranceBeta, src),
		PriceSensitivity: clippedNormal(p.PriceSensitivityMean, p.PriceSensitivityStd, 0, 2, src),
		CliffShock:       clippedNormal(p.CliffShockMean, p.CliffShockStd, 1, 10, src),
		TakeProfit:       clippedNormal(p.TakeProfitMean, p.TakeProfitStd, 1e-3, 10, src),
		StopLoss:         clippedNormal(p.StopLossMean, p.StopLossStd, 1e-3, 10, src),
		ExtraSellPct:     clamp01(p.ExtraSellPct),
	}
}

// betaDraw samples Beta(alpha, beta), degrading to the distribution mean
// when the parameters are degenerate. Profile parameters are not re-validated
// here, so a bad profile must not panic the sampler.
func betaDraw(alpha, beta float64, src rand.Source) float64 {
	if alpha <= 0 || beta <= 0 {
		if alpha <= 0 && beta <= 0 {
			return 0
		}
		return clamp01(alpha / (alpha + beta))
	}
	d := distuv.Beta{Alpha: alpha, Beta: beta, Src: src}
	return clamp01(d.Rand())
}

// holdTimeDraw samples the hold time from the profile's configured family.
func holdTimeDraw(p CohortProfile, src rand.Source) float64 {
	switch p.HoldTimeDist {
	case "lognormal":
		if p.HoldTimeSigma <= 0 {
			return math.Exp(p.HoldTimeMu)
		}
		d := distuv.LogNormal{Mu: p.HoldTimeMu, Sigma: p.HoldTimeSigma, Src: src}
		return sanitizePositive(d.Rand())
	default: // gamma
		if p.HoldTimeShape <= 0 || p.HoldTimeRate <= 0 {
			return 1
		}
		d := distuv.Gamma{Alpha: p.HoldTimeShape, Beta: p.HoldTimeRate, Src: src}
		return sanitizePositive(d.Rand())
	}
}

// clippedNormal samples Normal(mu, sigma) clipped to [lo, hi].
func clippedNormal(mu, sigma, lo, hi float64, src rand.Source) float64 {
	if sigma <= 0 {
		return math.Min(hi, math.Max(lo, mu))
	}
	d := distuv.Normal{Mu: mu, Sigma: sigma, Src: src}
	v := d.Rand()
	if math.IsNaN(v) {
		v = mu
	}
	return math.Min(hi, math.Max(lo, v))
}

func sanitizePositive(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 1e-6 {
		return 1e-6
	}
	return v
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
