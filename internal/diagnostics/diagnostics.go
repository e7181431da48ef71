// Package diagnostics implements the Diagnostics Producer (spec §4.8): a
// set of deterministic, post-fit functions over an EstimationResult —
// AIC/BIC, RMSE/R² on the log-concentration scale, %RSE, random-effects
// shrinkage, and parameter-trajectory stability.
//
// The vector arithmetic (sums, centered dot products) goes through
// gonum.org/v1/gonum/floats rather than hand-rolled loops, following
// soypat-godesim's algorithms.go use of floats.Sub/floats.Max for its own
// numerical bookkeeping.
package diagnostics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"poppk/internal/data"
	"poppk/internal/estimation"
	"poppk/internal/integrate"
	"poppk/internal/modelspec"
	"poppk/internal/predict"
)

// Report is the full diagnostics bundle for one fit.
type Report struct {
	AIC                 float64
	BIC                 float64
	K                    int // free-parameter count
	RMSEIndividual       float64
	R2Individual         float64
	RMSEPopulation       float64
	R2Population         float64
	RSE                  []float64 // percent, one per theta component; nil if no SEs
	Shrinkage            []float64 // one per eta component
	ParameterStability   []float64 // one per theta component; nil unless a trajectory was recorded
}

// FreeParameterCount returns k = len(theta) + free entries of Omega
// (upper-triangular, p*(p+1)/2) + 1 (sigma2), spec §4.8's AIC/BIC term.
func FreeParameterCount(p int) int {
	return p + p*(p+1)/2 + 1
}

// Compute builds the full diagnostics Report for a completed fit.
func Compute(ig integrate.Integrator, model modelspec.Model, dataset *data.Dataset, result *estimation.EstimationResult) Report {
	p := len(result.Theta)
	k := FreeParameterCount(p)
	nObs := dataset.NumObservations()

	rep := Report{
		AIC: -2*result.LogLik + 2*float64(k),
		BIC: -2*result.LogLik + float64(k)*math.Log(float64(nObs)),
		K:   k,
	}

	rmseI, r2I := logScaleFit(result.Predictions)
	rep.RMSEIndividual, rep.R2Individual = rmseI, r2I

	popPreds := populationPredictions(ig, model, dataset, result.Theta)
	rmseP, r2P := logScaleFit(popPreds)
	rep.RMSEPopulation, rep.R2Population = rmseP, r2P

	if len(result.StdErrors) >= p {
		rep.RSE = make([]float64, p)
		for j := 0; j < p; j++ {
			denom := math.Max(1e-12, math.Abs(result.Theta[j]))
			rep.RSE[j] = 100 * result.StdErrors[j] / denom
		}
	}

	rep.Shrinkage = shrinkage(result.Omega, result.Etas, p)

	if len(result.Trajectory) > 0 {
		rep.ParameterStability = parameterStability(result.Trajectory, p)
	}

	return rep
}

// logScaleFit pools RMSE/R² across every subject's predicted/observed pair
// on the log-concentration scale (spec §4.8), using gonum/floats for the
// vector arithmetic (grounded on soypat-godesim's algorithms.go, which
// drives its step-doubling error control through floats.Sub/floats.Max
// rather than hand-rolled loops).
func logScaleFit(preds []estimation.SubjectPrediction) (rmse, r2 float64) {
	var logObs, logPred []float64
	for _, sp := range preds {
		for i := range sp.Predicted {
			if !sp.HasObserved[i] || sp.Predicted[i] <= 0 || sp.Observed[i] <= 0 {
				continue
			}
			logPred = append(logPred, math.Log(sp.Predicted[i]))
			logObs = append(logObs, math.Log(sp.Observed[i]))
		}
	}
	n := len(logObs)
	if n == 0 {
		return 0, 0
	}
	diff := append([]float64(nil), logObs...)
	floats.Sub(diff, logPred) // diff = logObs - logPred, elementwise
	sumSq := floats.Dot(diff, diff)
	rmse = math.Sqrt(sumSq / float64(n))

	meanObs := floats.Sum(logObs) / float64(n)
	centered := append([]float64(nil), logObs...)
	floats.AddConst(-meanObs, centered)
	totalVar := floats.Dot(centered, centered) / float64(n)
	if totalVar <= 0 {
		return rmse, 0
	}
	r2 = 1 - (sumSq/float64(n))/totalVar
	return rmse, r2
}

// PopulationPredictions exposes populationPredictions (the fixed-effects
// eta=0 curve) for callers that need the PRED series directly, such as
// cmd/poppk when writing predictions.csv alongside the per-subject IPRED
// series (spec §6/glossary: PRED is the population prediction at theta
// alone, never equal to IPRED except by coincidence).
func PopulationPredictions(ig integrate.Integrator, model modelspec.Model, dataset *data.Dataset, theta []float64) []estimation.SubjectPrediction {
	return populationPredictions(ig, model, dataset, theta)
}

// populationPredictions recomputes predictions with eta = 0 for every
// subject, i.e. the fixed-effects-only (PRED) curve.
func populationPredictions(ig integrate.Integrator, model modelspec.Model, dataset *data.Dataset, theta []float64) []estimation.SubjectPrediction {
	zero := make([]float64, len(theta))
	out := make([]estimation.SubjectPrediction, 0, len(dataset.Order))
	for _, subj := range dataset.SubjectsInOrder() {
		res := predict.Predict(ig, model, subj, theta, zero)
		sp := estimation.SubjectPrediction{SubjectID: subj.ID}
		for _, pr := range res.Predictions {
			sp.Time = append(sp.Time, pr.Time)
			sp.Predicted = append(sp.Predicted, pr.PredictedConc)
			sp.Observed = append(sp.Observed, pr.ObservedValue)
			sp.HasObserved = append(sp.HasObserved, pr.ObservedPresent)
		}
		out = append(out, sp)
	}
	return out
}

// shrinkage returns 1 - sd(etaHat_j)/sqrt(Omega_jj) for each of the p
// components (spec §4.8).
func shrinkage(omega *mat.SymDense, etas []estimation.IndividualParameters, p int) []float64 {
	out := make([]float64, p)
	for j := 0; j < p; j++ {
		vals := make([]float64, 0, len(etas))
		for _, e := range etas {
			if j < len(e.Eta) {
				vals = append(vals, e.Eta[j])
			}
		}
		sdEta := sampleSD(vals)
		sdOmega := math.Sqrt(math.Max(0, omega.At(j, j)))
		if sdOmega <= 0 {
			out[j] = 0
			continue
		}
		out[j] = clamp01(1 - sdEta/sdOmega)
	}
	return out
}

// clamp01 keeps shrinkage in [0,1] (spec §4.8): sampling noise in etaHat can
// otherwise push the raw ratio a hair outside the theoretical bound.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sampleSD(vals []float64) float64 {
	n := float64(len(vals))
	if n == 0 {
		return 0
	}
	mean := floats.Sum(vals) / n
	centered := append([]float64(nil), vals...)
	floats.AddConst(-mean, centered)
	return math.Sqrt(floats.Dot(centered, centered) / n)
}

// parameterStability returns, per theta component, sd over the last 10% of
// recorded trajectory points divided by the mean over the same window
// (spec §4.8).
func parameterStability(traj []estimation.TrajectoryPoint, p int) []float64 {
	n := len(traj)
	windowStart := n - n/10
	if windowStart < 0 {
		windowStart = 0
	}
	window := traj[windowStart:]
	out := make([]float64, p)
	for j := 0; j < p; j++ {
		vals := make([]float64, len(window))
		for i, pt := range window {
			vals[i] = pt.Theta[j]
		}
		mean := floats.Sum(vals) / float64(len(vals))
		sd := sampleSD(vals)
		if mean == 0 {
			out[j] = 0
			continue
		}
		out[j] = sd / math.Abs(mean)
	}
	return out
}
