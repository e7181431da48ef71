package likelihood

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"poppk/internal/integrate"
	"poppk/internal/predict"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestPrecomputeOmega_DiagonalMatchesClosedForm(t *testing.T) {
	omega := mat.NewSymDense(2, []float64{0.09, 0, 0, 0.04})
	snap, err := PrecomputeOmega(omega)
	if err != nil {
		t.Fatalf("PrecomputeOmega: %v", err)
	}
	wantLogDet := math.Log(0.09) + math.Log(0.04)
	if !almostEqual(snap.LogDet, wantLogDet, 1e-9) {
		t.Errorf("LogDet = %v, want %v", snap.LogDet, wantLogDet)
	}
	eta := []float64{0.3, 0.2}
	wantQ := eta[0]*eta[0]/0.09 + eta[1]*eta[1]/0.04
	if !almostEqual(snap.QuadForm(eta), wantQ, 1e-6) {
		t.Errorf("QuadForm = %v, want %v", snap.QuadForm(eta), wantQ)
	}
}

func TestPrecomputeOmega_RejectsNonPositiveDefinite(t *testing.T) {
	omega := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	if _, err := PrecomputeOmega(omega); err == nil {
		t.Fatal("expected an error for a non-PD Omega")
	}
}

func TestResidualLogDensity_PerfectFitBeatsOffsetFit(t *testing.T) {
	perfect := predict.Result{Predictions: []integrate.Prediction{
		{Time: 1, PredictedConc: 5.0, ObservedValue: 5.0, ObservedPresent: true},
		{Time: 2, PredictedConc: 3.0, ObservedValue: 3.0, ObservedPresent: true},
	}}
	offset := predict.Result{Predictions: []integrate.Prediction{
		{Time: 1, PredictedConc: 5.0, ObservedValue: 8.0, ObservedPresent: true},
		{Time: 2, PredictedConc: 3.0, ObservedValue: 1.0, ObservedPresent: true},
	}}
	sigma2 := 0.05
	if ResidualLogDensity(perfect, sigma2) <= ResidualLogDensity(offset, sigma2) {
		t.Error("a perfectly matched prediction should have higher log-density than an offset one")
	}
}

func TestResidualLogDensity_SkipsAbsentObservations(t *testing.T) {
	res := predict.Result{Predictions: []integrate.Prediction{
		{Time: 1, PredictedConc: 5.0, ObservedPresent: false},
	}}
	if ll := ResidualLogDensity(res, 0.05); ll != 0 {
		t.Errorf("expected 0 contribution from an absent observation, got %v", ll)
	}
}

func TestResidualLogDensity_NonPositivePredictionPenalized(t *testing.T) {
	bad := predict.Result{Predictions: []integrate.Prediction{
		{Time: 1, PredictedConc: -1.0, ObservedValue: 5.0, ObservedPresent: true},
	}}
	good := predict.Result{Predictions: []integrate.Prediction{
		{Time: 1, PredictedConc: 5.0, ObservedValue: 5.0, ObservedPresent: true},
	}}
	if ResidualLogDensity(bad, 0.05) >= ResidualLogDensity(good, 0.05) {
		t.Error("a non-positive prediction should be penalized far below a well-matched one")
	}
}

func TestPriorLogProb_MatchesQuadFormAndLogDet(t *testing.T) {
	omega := mat.NewSymDense(2, []float64{0.09, 0, 0, 0.04})
	snap, err := PrecomputeOmega(omega)
	if err != nil {
		t.Fatalf("PrecomputeOmega: %v", err)
	}
	eta := []float64{0.2, -0.1}
	want := -0.5 * (float64(snap.P)*math.Log(2*math.Pi) + snap.LogDet + snap.QuadForm(eta))
	if got := snap.PriorLogProb(eta); !almostEqual(got, want, 1e-9) {
		t.Errorf("PriorLogProb = %v, want %v (from QuadForm/LogDet)", got, want)
	}
}

func TestSubjectLogDensity_ZeroEtaAtModeBeatsNonzero(t *testing.T) {
	omega := mat.NewSymDense(1, []float64{0.09})
	snap, err := PrecomputeOmega(omega)
	if err != nil {
		t.Fatalf("PrecomputeOmega: %v", err)
	}
	res := predict.Result{}
	atZero := SubjectLogDensity(res, []float64{0}, snap, 0.01)
	atNonzero := SubjectLogDensity(res, []float64{0.5}, snap, 0.01)
	if atZero <= atNonzero {
		t.Errorf("expected eta=0 to have higher prior density than eta=0.5: %v vs %v", atZero, atNonzero)
	}
}
