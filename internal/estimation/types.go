// Package estimation holds the shared result/parameter types and the
// common Estimator contract both SAEM and FOCE implement (spec §3, §9
// "Polymorphism over estimators": a shared fit(Dataset) -> EstimationResult
// surface, no unification of their internal loops).
package estimation

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"poppk/internal/data"
)

// PopulationParameters is the fixed-effects state updated each M-step
// (SAEM) or outer-loop iteration (FOCE): theta on the log scale, Omega the
// symmetric PD inter-individual covariance, sigma2 the residual variance.
type PopulationParameters struct {
	Theta  []float64
	Omega  *mat.SymDense
	Sigma2 float64
}

// IndividualParameters is one subject's eta vector, on the log scale.
type IndividualParameters struct {
	SubjectID int
	Eta       []float64
}

// SubjectPrediction carries one subject's final predicted/observed pairs,
// for report writing and diagnostics.
type SubjectPrediction struct {
	SubjectID   int
	Time        []float64
	Predicted   []float64
	Observed    []float64
	HasObserved []bool
}

// TrajectoryPoint is one recorded iteration of theta/logL for
// parameter_trajectory.csv (SAEM only).
type TrajectoryPoint struct {
	Iteration int
	Theta     []float64
	LogLik    float64
}

// EstimationResult is the terminal artifact of a fit: population
// parameters, per-subject etas and predictions, diagnostics inputs, and
// convergence/uncertainty metadata (spec §3).
type EstimationResult struct {
	Method     string // "saem", "foce", "foce-i"
	ModelKind  string
	Theta      []float64
	Omega      *mat.SymDense
	Sigma2     float64
	Converged  bool
	LogLik     float64
	OFV        float64
	Etas       []IndividualParameters
	Predictions []SubjectPrediction
	StdErrors   []float64  // nil if the outer Hessian was not PD
	Covariance  *mat.Dense // nil if the outer Hessian was not PD
	Iterations  int
	Trajectory  []TrajectoryPoint // SAEM only; nil for FOCE
	Warning     string            // non-empty on DidNotConverge / NonPDHessian
}

// Estimator is the common surface SAEM and FOCE both satisfy: spec §9
// "Polymorphism over estimators" — a shared fit(Dataset) -> EstimationResult
// contract, internal loops left unshared.
type Estimator interface {
	Fit(ctx context.Context, dataset *data.Dataset) (*EstimationResult, error)
}
