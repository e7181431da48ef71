package foce

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"poppk/internal/data"
	"poppk/internal/estimation"
	"poppk/internal/integrate"
	"poppk/internal/modelspec"
	"poppk/internal/perr"
	"poppk/internal/predict"
)

// Config holds the FOCE run parameters from spec §6.
type Config struct {
	KOuter      int
	Interaction bool // false = FOCE, true = FOCE-I
}

// DefaultConfig returns spec §6's FOCE default (100 outer iterations).
func DefaultConfig() Config {
	return Config{KOuter: 100, Interaction: false}
}

// Driver runs the FOCE/FOCE-I two-level optimizer for one structural model
// against one dataset.
type Driver struct {
	ig      integrate.Integrator
	model   modelspec.Model
	dataset *data.Dataset
	cfg     Config
}

// New builds a Driver.
func New(model modelspec.Model, dataset *data.Dataset, cfg Config) *Driver {
	return &Driver{ig: integrate.New(), model: model, dataset: dataset, cfg: cfg}
}

// Fit runs the inner/outer FOCE optimization to completion.
func (d *Driver) Fit(ctx context.Context, dataset *data.Dataset) (*estimation.EstimationResult, error) {
	if dataset != d.dataset {
		return nil, &perr.ModelConfigurationError{Reason: "foce: Fit called with a different dataset than the driver was constructed with"}
	}
	subjects := dataset.SubjectsInOrder()
	if len(subjects) == 0 || dataset.NumObservations() == 0 {
		return nil, &perr.DataValidationError{Reason: "dataset has no subjects/observations to fit"}
	}

	p := d.model.NParams()
	theta0 := make([]float64, p)
	for i, v := range d.model.Defaults {
		theta0[i] = math.Log(v)
	}
	L0 := mat.NewDense(p, p, nil)
	for i := 0; i < p; i++ {
		L0.Set(i, i, 0.3)
	}
	x0 := pack(theta0, L0, 0.1)

	select {
	case <-ctx.Done():
		return &estimation.EstimationResult{
			Method:    d.methodName(),
			ModelKind: d.model.Kind.String(),
			Converged: false,
			Warning:   (&perr.DidNotConvergeError{Reason: "cancelled before the outer optimization started"}).Error(),
		}, nil
	default:
	}

	out, hess, err := runOuter(d.ig, d.model, subjects, d.cfg.Interaction, d.cfg.KOuter, x0)
	if err != nil {
		return nil, err
	}

	result := &estimation.EstimationResult{
		Method:     d.methodName(),
		ModelKind:  d.model.Kind.String(),
		Theta:      out.Theta,
		Omega:      out.Omega,
		Sigma2:     out.Sigma2,
		OFV:        out.OFV,
		LogLik:     -0.5 * out.OFV,
		Iterations: out.Iterations,
		Converged:  out.Iterations < d.cfg.KOuter,
	}
	if !result.Converged {
		result.Warning = (&perr.DidNotConvergeError{Reason: "outer optimization reached the iteration cap"}).Error()
	}

	stdErr, cov, covErr := covarianceFromHessian(hess)
	if covErr != nil {
		result.Warning = covErr.Error()
	} else {
		result.StdErrors = stdErr
		result.Covariance = cov
	}

	for i, subj := range subjects {
		result.Etas = append(result.Etas, estimation.IndividualParameters{SubjectID: subj.ID, Eta: out.Etas[i]})
		res := predict.Predict(d.ig, d.model, subj, out.Theta, out.Etas[i])
		result.Predictions = append(result.Predictions, toSubjectPrediction(subj.ID, res))
	}
	return result, nil
}

func (d *Driver) methodName() string {
	if d.cfg.Interaction {
		return "foce-i"
	}
	return "foce"
}

// covarianceFromHessian inverts the outer Hessian to recover the
// covariance matrix, returning NonPDHessianError (standard errors omitted
// per spec §4.7) if the Hessian is not positive definite.
func covarianceFromHessian(hess *mat.Dense) ([]float64, *mat.Dense, error) {
	n, _ := hess.Dims()
	sym := mat.NewSymDense(n, flatten(hess, n))
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, nil, &perr.NonPDHessianError{Reason: "outer Hessian at the optimum is not positive definite"}
	}
	var cov mat.Dense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, nil, &perr.NonPDHessianError{Reason: "outer Hessian inversion failed: " + err.Error()}
	}
	se := make([]float64, n)
	for i := 0; i < n; i++ {
		v := cov.At(i, i)
		if v < 0 {
			return nil, nil, &perr.NonPDHessianError{Reason: "negative variance on the covariance diagonal"}
		}
		se[i] = math.Sqrt(v)
	}
	return se, &cov, nil
}

func toSubjectPrediction(subjectID int, res predict.Result) estimation.SubjectPrediction {
	sp := estimation.SubjectPrediction{SubjectID: subjectID}
	for _, pr := range res.Predictions {
		sp.Time = append(sp.Time, pr.Time)
		sp.Predicted = append(sp.Predicted, pr.PredictedConc)
		sp.Observed = append(sp.Observed, pr.ObservedValue)
		sp.HasObserved = append(sp.HasObserved, pr.ObservedPresent)
	}
	return sp
}
