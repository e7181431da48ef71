package foce

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"poppk/internal/data"
	"poppk/internal/integrate"
	"poppk/internal/likelihood"
	"poppk/internal/modelspec"
	"poppk/internal/perr"
)

// packedDims returns the flat-vector length for p structural parameters:
// theta (p) + lower-triangular chol(Omega) entries (p*(p+1)/2) + log
// sigma2 (1), spec §4.7's outer optimizer variables.
func packedDims(p int) int { return p + p*(p+1)/2 + 1 }

// unpack splits the outer optimizer's flat vector into theta, the
// Cholesky factor L of Omega (diagonal exponentiated to guarantee
// positivity), and sigma2.
func unpack(x []float64, p int) (theta []float64, L *mat.Dense, sigma2 float64) {
	theta = append([]float64(nil), x[:p]...)
	L = mat.NewDense(p, p, nil)
	idx := p
	for i := 0; i < p; i++ {
		for j := 0; j <= i; j++ {
			v := x[idx]
			idx++
			if i == j {
				v = math.Exp(v)
			}
			L.Set(i, j, v)
		}
	}
	sigma2 = math.Exp(x[idx])
	return theta, L, sigma2
}

// pack is unpack's inverse, used to build the initial optimizer vector.
func pack(theta []float64, L *mat.Dense, sigma2 float64) []float64 {
	p := len(theta)
	x := make([]float64, packedDims(p))
	copy(x, theta)
	idx := p
	for i := 0; i < p; i++ {
		for j := 0; j <= i; j++ {
			v := L.At(i, j)
			if i == j {
				v = math.Log(v)
			}
			x[idx] = v
			idx++
		}
	}
	x[idx] = math.Log(sigma2)
	return x
}

func omegaFromL(L *mat.Dense, p int) *mat.SymDense {
	var full mat.Dense
	full.Mul(L, L.T())
	out := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			out.SetSym(i, j, full.At(i, j))
		}
	}
	return out
}

// subjectOFV returns OFVi per spec §4.7's formula:
//   log|Omega| + etaHat'Omega^-1 etaHat + Nobs*log(2pi) + log|Hi + Omega^-1|
//   + sum_j[log sigma2 + resid_j^2/sigma2]
// The first two terms are read off the eta prior's distmv.Normal log-density
// (log|Omega| + quad = -2*PriorLogProb - p*log(2pi)) rather than
// recomputed, reusing the same Cholesky factor PrecomputeOmega built.
// inner.H already holds Hi + Omega^-1 (see gaussNewton), so it is used as is.
func subjectOFV(inner InnerResult, omega likelihood.OmegaSnapshot, sigma2 float64) float64 {
	if inner.Failed {
		return math.Inf(1)
	}
	p := len(inner.Eta)
	quadPlusLogDet := -2*omega.PriorLogProb(inner.Eta) - float64(p)*math.Log(2*math.Pi)

	combined := mat.NewDense(p, p, nil)
	combined.Copy(inner.H)
	var chol mat.Cholesky
	sym := mat.NewSymDense(p, flatten(combined, p))
	if !chol.Factorize(sym) {
		return math.Inf(1)
	}
	logDetCombined := chol.LogDet()

	sumResid := 0.0
	for _, r := range inner.Resid {
		sumResid += math.Log(sigma2) + r*r/sigma2
	}

	return quadPlusLogDet + float64(inner.NObs)*math.Log(2*math.Pi) + logDetCombined + sumResid
}

// objective evaluates the total outer objective sum_i OFVi for one flat
// parameter vector, running the inner per-subject searches in parallel
// (spec §5: "FOCE inner-mode search — one task per subject"; outer
// objective evaluation waits for all to complete before combining).
func objective(ig integrate.Integrator, model modelspec.Model, subjects []*data.Subject, interaction bool, warmStart [][]float64) func(x []float64) float64 {
	p := model.NParams()
	return func(x []float64) float64 {
		theta, L, sigma2 := unpack(x, p)
		if sigma2 <= 0 || math.IsNaN(sigma2) || math.IsInf(sigma2, 0) {
			return math.Inf(1)
		}
		omegaSym := omegaFromL(L, p)
		snap, err := likelihood.PrecomputeOmega(omegaSym)
		if err != nil {
			return math.Inf(1)
		}

		results := make([]InnerResult, len(subjects))
		var wg sync.WaitGroup
		for i, subj := range subjects {
			wg.Add(1)
			go func(i int, subj *data.Subject) {
				defer wg.Done()
				start := warmStart[i]
				results[i] = InnerOptimize(ig, model, subj, theta, snap, sigma2, interaction, start)
				if !results[i].Failed {
					warmStart[i] = results[i].Eta
				}
			}(i, subj)
		}
		wg.Wait()

		total := 0.0
		for _, r := range results {
			v := subjectOFV(r, snap, sigma2)
			if math.IsInf(v, 1) || math.IsNaN(v) {
				return math.Inf(1)
			}
			total += v
		}
		return total
	}
}

// numericalGradient returns a central finite-difference gradient of f at x.
func numericalGradient(f func([]float64) float64, x []float64) []float64 {
	n := len(x)
	grad := make([]float64, n)
	for i := 0; i < n; i++ {
		h := 1e-5 * math.Max(1, math.Abs(x[i]))
		xp := append([]float64(nil), x...)
		xp[i] += h
		xm := append([]float64(nil), x...)
		xm[i] -= h
		fp, fm := f(xp), f(xm)
		if math.IsInf(fp, 1) || math.IsInf(fm, 1) {
			grad[i] = 0
			continue
		}
		grad[i] = (fp - fm) / (2 * h)
	}
	return grad
}

// numericalHessian finite-differences the gradient for the outer Hessian
// at the optimum (spec §4.7).
func numericalHessian(f func([]float64) float64, x []float64) *mat.Dense {
	n := len(x)
	H := mat.NewDense(n, n, nil)
	g0 := numericalGradient(f, x)
	for i := 0; i < n; i++ {
		h := 1e-5 * math.Max(1, math.Abs(x[i]))
		xp := append([]float64(nil), x...)
		xp[i] += h
		gp := numericalGradient(f, xp)
		for j := 0; j < n; j++ {
			H.Set(i, j, (gp[j]-g0[j])/h)
		}
	}
	// symmetrize
	sym := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sym.Set(i, j, 0.5*(H.At(i, j)+H.At(j, i)))
		}
	}
	return sym
}

// outerResult bundles the raw optimizer output with what the driver needs
// to assemble an EstimationResult.
type outerResult struct {
	Theta      []float64
	Omega      *mat.SymDense
	Sigma2     float64
	Etas       [][]float64
	OFV        float64
	Iterations int
}

// runOuter drives gonum/optimize's BFGS over the packed vector, falling
// back to Nelder-Mead if BFGS fails or returns a non-finite result (spec
// §4.7: "BFGS ... or Nelder-Mead fallback").
func runOuter(ig integrate.Integrator, model modelspec.Model, subjects []*data.Subject, interaction bool, kOuter int, x0 []float64) (outerResult, *mat.Dense, error) {
	p := model.NParams()
	warmStart := make([][]float64, len(subjects))
	for i := range warmStart {
		warmStart[i] = make([]float64, p)
	}

	obj := objective(ig, model, subjects, interaction, warmStart)

	problem := optimize.Problem{
		Func: obj,
		Grad: func(grad, x []float64) {
			g := numericalGradient(obj, x)
			copy(grad, g)
		},
	}

	settings := &optimize.Settings{
		MajorIterations: kOuter,
		GradientThreshold: 1e-4,
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if err != nil || result == nil || math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		result, err = optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
		if err != nil {
			return outerResult{}, nil, &perr.ModelConfigurationError{Reason: "outer optimization failed under both BFGS and Nelder-Mead: " + err.Error()}
		}
	}

	xOpt := result.X
	theta, L, sigma2 := unpack(xOpt, p)
	omegaSym := omegaFromL(L, p)

	hess := numericalHessian(obj, xOpt)

	snap, err := likelihood.PrecomputeOmega(omegaSym)
	if err != nil {
		return outerResult{}, nil, err
	}
	etas := make([][]float64, len(subjects))
	for i, subj := range subjects {
		inner := InnerOptimize(ig, model, subj, theta, snap, sigma2, interaction, warmStart[i])
		etas[i] = inner.Eta
	}

	return outerResult{
		Theta:      theta,
		Omega:      omegaSym,
		Sigma2:     sigma2,
		Etas:       etas,
		OFV:        result.F,
		Iterations: result.Stats.MajorIterations,
	}, hess, nil
}
