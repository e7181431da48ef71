// Package likelihood implements the Likelihood Core (spec §4.4): a
// proportional log-normal residual error model combined with the eta prior
// N(0, Omega), yielding per-subject conditional log-density.
//
// Grounded on the teacher's use of gonum.org/v1/gonum/stat/distuv
// (ADGArrio's functions.go, distuv.F for the Granger F-test) for
// distribution objects rather than hand-rolled density formulas: the
// residual term here is a distuv.Normal per observation, and the eta prior
// is a distmv.Normal built from the same Cholesky factor PrecomputeOmega
// already computes for FOCE's analytic gradients.
package likelihood

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"poppk/internal/perr"
	"poppk/internal/predict"
)

// minPred is the clip floor from spec §9: log(yhat) is clipped at
// yhat < 1e-12 rather than let it diverge to -Inf.
const minPred = 1e-12

// nonPositivePenalty is the heavy, finite penalty spec §4.4 assigns to an
// observation whose prediction is non-positive, so the optimizer/sampler
// can escape without NaN propagation.
const nonPositivePenalty = -1e6

// OmegaSnapshot holds Omega^-1, log|Omega| and a ready-to-evaluate eta prior
// distribution, recomputed once per M-step or outer-loop iteration (spec
// §5) and passed by value into every per-subject parallel task so none of
// them repeat the decomposition. Inv/LogDet/QuadForm stay exposed for
// FOCE's analytic gradient/Hessian (internal/foce/inner.go) and OFV formula
// (internal/foce/outer.go), which differentiate the prior term directly
// rather than through a density object.
type OmegaSnapshot struct {
	Inv    *mat.Dense // p x p
	LogDet float64
	P      int
	prior  *distmv.Normal // N(0, Omega), built from the same Cholesky factor
	chol   *mat.Cholesky  // retained so SampleEta can build a seeded draw
}

// PrecomputeOmega factors Omega once via Cholesky for its inverse,
// log-determinant, and a distmv.Normal eta prior built from that same
// factor (no second decomposition).
func PrecomputeOmega(omega *mat.SymDense) (OmegaSnapshot, error) {
	p, _ := omega.Dims()
	var chol mat.Cholesky
	if !chol.Factorize(omega) {
		return OmegaSnapshot{}, &perr.NumericalBreakdownError{Reason: "Omega is not positive definite"}
	}
	var inv mat.Dense
	if err := chol.InverseTo(&inv); err != nil {
		return OmegaSnapshot{}, &perr.NumericalBreakdownError{Reason: "Omega inverse failed: " + err.Error()}
	}
	prior := distmv.NewNormalChol(make([]float64, p), &chol, nil)
	return OmegaSnapshot{Inv: &inv, LogDet: chol.LogDet(), P: p, prior: prior, chol: &chol}, nil
}

// SampleEta draws a starting eta from N(0, Omega) using src as the
// deterministic RNG, grounded on the same distmv.Normal/Cholesky pairing
// PrecomputeOmega builds for prior density evaluation (spec §5: SAEM chains
// should start from a draw of the eta prior rather than all-zero).
func (s OmegaSnapshot) SampleEta(src rand.Source) []float64 {
	dist := distmv.NewNormalChol(make([]float64, s.P), s.chol, src)
	return dist.Rand(nil)
}

// QuadForm returns eta^T Omega^-1 eta.
func (s OmegaSnapshot) QuadForm(eta []float64) float64 {
	v := mat.NewVecDense(s.P, eta)
	var tmp mat.VecDense
	tmp.MulVec(s.Inv, v)
	return mat.Dot(v, &tmp)
}

// PriorLogProb returns the eta prior's log-density at eta, log N(eta; 0,
// Omega), via the distmv.Normal built in PrecomputeOmega.
func (s OmegaSnapshot) PriorLogProb(eta []float64) float64 {
	return s.prior.LogProb(eta)
}

// ResidualLogDensity returns the sum of per-observation log N(log DV; log
// yhat, sigma2) terms via distuv.Normal, over present observations in res,
// clipping the prediction log at minPred and penalizing non-positive
// predictions per spec §4.4/§9.
func ResidualLogDensity(res predict.Result, sigma2 float64) float64 {
	sd := math.Sqrt(sigma2)
	ll := 0.0
	for _, p := range res.Predictions {
		if !p.ObservedPresent {
			continue
		}
		yhat := p.PredictedConc
		if yhat <= 0 {
			ll += nonPositivePenalty
			continue
		}
		logYhat := math.Log(yhat)
		if yhat < minPred {
			logYhat = math.Log(minPred)
		}
		dist := distuv.Normal{Mu: logYhat, Sigma: sd}
		ll += dist.LogProb(math.Log(p.ObservedValue))
	}
	return ll
}

// SubjectLogDensity computes ell_i(eta_i | theta, Omega, sigma2), spec §4.4:
// the residual term (likelihood of the data given eta) plus the eta prior
// log N(eta; 0, Omega).
func SubjectLogDensity(res predict.Result, eta []float64, omega OmegaSnapshot, sigma2 float64) float64 {
	return ResidualLogDensity(res, sigma2) + omega.PriorLogProb(eta)
}
