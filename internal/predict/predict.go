// Package predict implements the Subject Predictor (spec §4.3): given a
// subject, a structural model, fixed effects theta and an individual
// deviation eta, it produces the predicted concentration at every
// observation time via phi = exp(theta+eta) and the ODE integrator.
package predict

import (
	"math"

	"poppk/internal/data"
	"poppk/internal/integrate"
	"poppk/internal/modelspec"
)

// Result holds the per-observation predictions for one subject and whether
// any integration step inside the walk failed.
type Result struct {
	Predictions []integrate.Prediction
	Failed      bool
	FailReason  string
}

// Phi computes the absolute-scale parameter vector phi = exp(theta+eta).
func Phi(theta, eta []float64) []float64 {
	phi := make([]float64, len(theta))
	for i := range theta {
		phi[i] = math.Exp(theta[i] + eta[i])
	}
	return phi
}

// Predict walks subj's timeline under the given structural model and
// candidate eta, returning predicted concentrations at each observation.
// Integration failures are reported via Result.Failed rather than a Go
// error: callers in mcmc/foce treat them as proposal/step rejections, not
// fatal conditions (spec §4.6/§4.7 failure semantics).
func Predict(ig integrate.Integrator, model modelspec.Model, subj *data.Subject, theta, eta []float64) Result {
	phi := Phi(theta, eta)
	if err := integrate.Validate(phi); err != nil {
		return Result{Failed: true, FailReason: err.Error()}
	}
	preds, err := ig.RunTimeline(model, phi, subj.Events, subj.ID)
	if err != nil {
		return Result{Failed: true, FailReason: err.Error()}
	}
	return Result{Predictions: preds}
}
