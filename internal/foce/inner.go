// Package foce implements the FOCE / FOCE-I driver (spec §4.7): a per-
// subject empirical-Bayes mode search (damped Gauss-Newton) feeding a
// population-level BFGS outer loop over (theta, chol(Omega), log sigma2).
package foce

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"poppk/internal/data"
	"poppk/internal/integrate"
	"poppk/internal/likelihood"
	"poppk/internal/modelspec"
	"poppk/internal/predict"
)

// InnerResult is one subject's empirical-Bayes mode search outcome.
type InnerResult struct {
	Eta        []float64
	H          *mat.Dense // Gauss-Newton Hessian of -ell_i at the mode: residual information plus Omega^-1
	Resid      []float64  // log DV - log yhat at the mode, present observations only
	NObs       int
	Failed     bool
	FailReason string
}

const (
	innerMaxIter  = 50
	innerGradTol  = 1e-6
	innerStepTol  = 1e-8
	innerLambda0  = 1e-3
)

// InnerOptimize finds eta_hat_i = argmin_eta [-ell_i(eta | theta, Omega,
// sigma2)] via damped Gauss-Newton with a Levenberg-style damping schedule
// (lambda *10 on a rejected step, /10 on an accepted one), spec §4.7.
// interaction selects whether the FOCE-I variance-derivative term is added
// to H.
func InnerOptimize(ig integrate.Integrator, model modelspec.Model, subj *data.Subject, theta []float64, omega likelihood.OmegaSnapshot, sigma2 float64, interaction bool, start []float64) InnerResult {
	p := len(theta)
	eta := append([]float64(nil), start...)
	lambda := innerLambda0

	obj := func(e []float64) (float64, predict.Result) {
		res := predict.Predict(ig, model, subj, theta, e)
		if res.Failed {
			return math.Inf(1), res
		}
		return -likelihood.SubjectLogDensity(res, e, omega, sigma2), res
	}

	curF, _ := obj(eta)
	if math.IsInf(curF, 1) {
		return InnerResult{Failed: true, FailReason: "initial eta produced a failed prediction"}
	}

	for iter := 0; iter < innerMaxIter; iter++ {
		logJ, resid, _, ok := logJacobian(ig, model, subj, theta, eta)
		if !ok {
			return InnerResult{Failed: true, FailReason: "Jacobian evaluation failed"}
		}

		grad, H := gaussNewton(logJ, resid, eta, omega, sigma2, interaction)

		gradNorm := infNorm(grad)
		if gradNorm < innerGradTol {
			break
		}

		damped := mat.NewDense(p, p, nil)
		damped.Copy(H)
		for i := 0; i < p; i++ {
			damped.Set(i, i, damped.At(i, i)*(1+lambda))
		}

		var chol mat.Cholesky
		var delta []float64
		if chol.Factorize(mat.NewSymDense(p, flatten(damped, p))) {
			gv := mat.NewVecDense(p, grad)
			var sol mat.VecDense
			if err := chol.SolveVecTo(&sol, gv); err == nil {
				delta = make([]float64, p)
				for i := 0; i < p; i++ {
					delta[i] = -sol.AtVec(i)
				}
			}
		}
		if delta == nil {
			lambda *= 10
			continue
		}

		trial := make([]float64, p)
		for i := range trial {
			trial[i] = eta[i] + delta[i]
		}
		trialF, _ := obj(trial)
		if trialF < curF {
			eta = trial
			curF = trialF
			lambda /= 10
			if lambda < 1e-12 {
				lambda = 1e-12
			}
			if infNorm(delta) < innerStepTol {
				break
			}
		} else {
			lambda *= 10
			if lambda > 1e8 {
				break
			}
		}
	}

	logJ, resid, nObs, ok := logJacobian(ig, model, subj, theta, eta)
	if !ok {
		return InnerResult{Failed: true, FailReason: "final Jacobian evaluation failed"}
	}
	_, H := gaussNewton(logJ, resid, eta, omega, sigma2, interaction)

	return InnerResult{Eta: eta, H: H, Resid: resid, NObs: nObs}
}

// logJacobian returns the n_obs x p Jacobian of log(yhat) w.r.t. eta via
// central finite differences with h = 1e-5*max(1,|eta|) (spec §4.7), along
// with the residual vector log(DV) - log(yhat) at eta and the number of
// present observations.
func logJacobian(ig integrate.Integrator, model modelspec.Model, subj *data.Subject, theta, eta []float64) (J *mat.Dense, resid []float64, nObs int, ok bool) {
	base := predict.Predict(ig, model, subj, theta, eta)
	if base.Failed {
		return nil, nil, 0, false
	}
	logY0 := make([]float64, 0, len(base.Predictions))
	resid = make([]float64, 0, len(base.Predictions))
	for _, pr := range base.Predictions {
		if !pr.ObservedPresent || pr.PredictedConc <= 0 {
			continue
		}
		logY0 = append(logY0, math.Log(pr.PredictedConc))
		resid = append(resid, math.Log(pr.ObservedValue)-math.Log(pr.PredictedConc))
	}
	nObs = len(logY0)
	if nObs == 0 {
		return mat.NewDense(0, len(eta), nil), resid, 0, true
	}

	p := len(eta)
	J = mat.NewDense(nObs, p, nil)
	for k := 0; k < p; k++ {
		h := 1e-5 * math.Max(1, math.Abs(eta[k]))
		ePlus := append([]float64(nil), eta...)
		ePlus[k] += h
		eMinus := append([]float64(nil), eta...)
		eMinus[k] -= h

		plus := predict.Predict(ig, model, subj, theta, ePlus)
		minus := predict.Predict(ig, model, subj, theta, eMinus)
		if plus.Failed || minus.Failed {
			return nil, nil, 0, false
		}
		idx := 0
		for _, pr := range plus.Predictions {
			if !pr.ObservedPresent {
				continue
			}
			var minusConc float64
			for _, mp := range minus.Predictions {
				if mp.Time == pr.Time {
					minusConc = mp.PredictedConc
					break
				}
			}
			if pr.PredictedConc <= 0 || minusConc <= 0 {
				J.Set(idx, k, 0)
				idx++
				continue
			}
			dlog := (math.Log(pr.PredictedConc) - math.Log(minusConc)) / (2 * h)
			J.Set(idx, k, dlog)
			idx++
		}
	}
	return J, resid, nObs, true
}

// gaussNewton builds the Gauss-Newton gradient and Hessian of
// -ell_i(eta) from the log-Jacobian and residuals: the residual part
// contributes (-J'r/sigma2, J'J/sigma2), the eta prior contributes
// (Omega^-1 eta, Omega^-1). FOCE-I adds the interaction term
// (1/sigma2)*J' diag(2*resid) J to H, following the Lindstrom-Bates
// convention (positive sign) recorded as an Open Question decision.
func gaussNewton(J *mat.Dense, resid, eta []float64, omega likelihood.OmegaSnapshot, sigma2 float64, interaction bool) (grad []float64, H *mat.Dense) {
	n, p := J.Dims()
	grad = make([]float64, p)
	H = mat.NewDense(p, p, nil)

	for k := 0; k < p; k++ {
		g := 0.0
		for j := 0; j < n; j++ {
			g += -J.At(j, k) * resid[j] / sigma2
		}
		for b := 0; b < p; b++ {
			g += omega.Inv.At(k, b) * eta[b]
		}
		grad[k] = g
	}

	var JT mat.Dense
	JT.Mul(J.T(), J)
	for a := 0; a < p; a++ {
		for b := 0; b < p; b++ {
			H.Set(a, b, JT.At(a, b)/sigma2)
		}
	}

	if interaction && n > 0 {
		weighted := mat.NewDense(n, p, nil)
		for j := 0; j < n; j++ {
			for k := 0; k < p; k++ {
				weighted.Set(j, k, J.At(j, k)*2*resid[j])
			}
		}
		var interTerm mat.Dense
		interTerm.Mul(J.T(), weighted)
		for a := 0; a < p; a++ {
			for b := 0; b < p; b++ {
				H.Set(a, b, H.At(a, b)+interTerm.At(a, b)/sigma2)
			}
		}
	}

	// Add eta prior contribution (already folded into grad above; here H).
	for a := 0; a < p; a++ {
		for b := 0; b < p; b++ {
			H.Set(a, b, H.At(a, b)+omega.Inv.At(a, b))
		}
	}
	return grad, H
}

func infNorm(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		if math.Abs(x) > m {
			m = math.Abs(x)
		}
	}
	return m
}

func flatten(d *mat.Dense, p int) []float64 {
	out := make([]float64, p*p)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			out[i*p+j] = d.At(i, j)
		}
	}
	return out
}
