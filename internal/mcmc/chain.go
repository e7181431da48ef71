// Package mcmc implements the per-subject eta sampler (spec §4.5): an
// isotropic random-walk Metropolis-Hastings chain with adaptive step size,
// used by the SAEM E-step to draw eta_i | theta, Omega, sigma2, y_i.
//
// Grounded on the pack's gonum/optimize CMA-ES sampler
// (other_examples/gonum-gonum cmaes.go), which seeds gonum-compatible
// sampling from a golang.org/x/exp/rand.Source rather than math/rand —
// the same Source type gonum/stat/distuv and distmv expect. Proposals are
// drawn via distuv.Normal (the teacher's own distuv.F used the same
// stat/distuv package for its F-distribution work) rather than a
// hand-rolled Box-Muller or raw NormFloat64 call.
package mcmc

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"poppk/internal/integrate"
	"poppk/internal/likelihood"
	"poppk/internal/modelspec"
	"poppk/internal/predict"

	"poppk/internal/data"
)

// adaptEvery is the number of proposals between step-size adaptations.
const adaptEvery = 50

// targetLow/targetHigh bound the acceptance-rate band spec §4.5 adapts
// toward: step shrinks below targetLow, grows above targetHigh.
const targetLow, targetHigh = 0.30, 0.45

const stepMin, stepMax = 1e-4, 10.0

// Seed derives a deterministic per-subject, per-chain RNG seed from the
// run's master seed, spec §5's "(masterSeed, subjectID, chainIndex)" rule.
// The mixing constants are arbitrary odd 64-bit multipliers chosen only to
// decorrelate adjacent subject/chain indices; they carry no statistical
// meaning beyond that.
func Seed(masterSeed int64, subjectID, chainIndex int) uint64 {
	h := uint64(masterSeed)
	h = h*6364136223846793005 + uint64(subjectID)*0x9E3779B97F4A7C15
	h = h*6364136223846793005 + uint64(chainIndex)*0xD1B54A32D192ED03
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

// Chain runs an adaptive random-walk Metropolis sampler for a single
// subject's eta vector.
type Chain struct {
	ig     integrate.Integrator
	model  modelspec.Model
	subj   *data.Subject
	theta  []float64
	omega  likelihood.OmegaSnapshot
	sigma2 float64

	rng      *rand.Rand
	proposal distuv.Normal // Mu always 0; Sigma tracks step, re-centered per draw
	step     float64

	current    []float64
	currentLL  float64
	proposed   int
	accepted   int
	sinceAdapt int
}

// New builds a Chain at the given starting eta (typically the subject's
// current SAEM/FOCE estimate, or zero on the first iteration).
func New(ig integrate.Integrator, model modelspec.Model, subj *data.Subject, theta []float64, omega likelihood.OmegaSnapshot, sigma2 float64, start []float64, seed uint64) *Chain {
	rng := rand.New(rand.NewSource(seed))
	c := &Chain{
		ig:       ig,
		model:    model,
		subj:     subj,
		theta:    theta,
		omega:    omega,
		sigma2:   sigma2,
		rng:      rng,
		proposal: distuv.Normal{Mu: 0, Sigma: 0.1, Src: rng},
		step:     0.1,
		current:  append([]float64(nil), start...),
	}
	c.currentLL = c.logDensity(c.current)
	return c
}

func (c *Chain) logDensity(eta []float64) float64 {
	res := predict.Predict(c.ig, c.model, c.subj, c.theta, eta)
	if res.Failed {
		return math.Inf(-1)
	}
	return likelihood.SubjectLogDensity(res, eta, c.omega, c.sigma2)
}

// Step draws one Metropolis-Hastings proposal and returns the chain's state
// (accepted or not) after the update, adapting the step size every
// adaptEvery proposals.
func (c *Chain) Step() []float64 {
	p := len(c.current)
	next := make([]float64, p)
	for i := range next {
		next[i] = c.current[i] + c.proposal.Rand()
	}
	proposedLL := c.logDensity(next)

	c.proposed++
	logAlpha := proposedLL - c.currentLL
	if logAlpha >= 0 || math.Log(c.rng.Float64()) < logAlpha {
		c.current = next
		c.currentLL = proposedLL
		c.accepted++
	}

	c.sinceAdapt++
	if c.sinceAdapt >= adaptEvery {
		rate := float64(c.accepted) / float64(c.proposed)
		switch {
		case rate < targetLow:
			c.step *= 0.9
		case rate > targetHigh:
			c.step *= 1.1
		}
		if c.step < stepMin {
			c.step = stepMin
		}
		if c.step > stepMax {
			c.step = stepMax
		}
		c.proposal.Sigma = c.step
		c.sinceAdapt = 0
		c.proposed = 0
		c.accepted = 0
	}

	return c.current
}

// Reconfigure updates the chain's target distribution after an M-step
// changes theta/Omega/sigma2, recomputing the log-density at the chain's
// current state so the next proposal's acceptance ratio is consistent.
func (c *Chain) Reconfigure(theta []float64, omega likelihood.OmegaSnapshot, sigma2 float64) {
	c.theta = theta
	c.omega = omega
	c.sigma2 = sigma2
	c.currentLL = c.logDensity(c.current)
}

// Current returns the chain's current eta without advancing it.
func (c *Chain) Current() []float64 { return c.current }

// CurrentLogDensity returns the log-density at the chain's current state.
func (c *Chain) CurrentLogDensity() float64 { return c.currentLL }

// StepSize returns the chain's current proposal standard deviation, mainly
// for diagnostics/logging.
func (c *Chain) StepSize() float64 { return c.step }

// Run advances the chain n steps (burn-in or sampling) and returns the eta
// at every step, in order.
func (c *Chain) Run(n int) [][]float64 {
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = append([]float64(nil), c.Step()...)
	}
	return out
}
