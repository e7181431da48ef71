package predict

import (
	"math"
	"testing"

	"poppk/internal/data"
	"poppk/internal/integrate"
	"poppk/internal/modelspec"
)

func TestPhi_LogScaleTransform(t *testing.T) {
	theta := []float64{math.Log(2), math.Log(20)}
	eta := []float64{0, 0}
	phi := Phi(theta, eta)
	if math.Abs(phi[0]-2) > 1e-9 || math.Abs(phi[1]-20) > 1e-9 {
		t.Errorf("Phi = %v, want [2, 20]", phi)
	}
}

func TestPredict_RecoversAnalyticDecay(t *testing.T) {
	ig := integrate.New()
	m, _ := modelspec.ByKind(modelspec.OneCompartment)
	theta := []float64{math.Log(2), math.Log(20)}
	eta := []float64{0, 0}

	dose := data.DoseEvent{Time: 0, Amount: 100, Compartment: 1}
	events := []data.Event{{Time: 0, Dose: &dose}}
	for _, tm := range []float64{1, 4, 8} {
		obs := data.Observation{Time: tm, HasValue: true}
		events = append(events, data.Event{Time: tm, Obs: &obs})
	}
	subj := &data.Subject{ID: 1, Events: events}

	res := Predict(ig, m, subj, theta, eta)
	if res.Failed {
		t.Fatalf("predict failed: %s", res.FailReason)
	}
	k := 2.0 / 20.0
	for _, p := range res.Predictions {
		want := (100.0 / 20.0) * math.Exp(-k*p.Time)
		if math.Abs(p.PredictedConc-want) > 1e-3 {
			t.Errorf("t=%v conc=%v want %v", p.Time, p.PredictedConc, want)
		}
	}
}

func TestPredict_NonPositivePhiFailsWithoutPanic(t *testing.T) {
	ig := integrate.New()
	m, _ := modelspec.ByKind(modelspec.OneCompartment)
	theta := []float64{math.Log(2), math.Log(20)}
	eta := []float64{0, math.Inf(1)} // drives phi[1] to +Inf, still "positive" so test NaN instead
	eta2 := []float64{math.NaN(), 0}
	_ = eta

	subj := &data.Subject{ID: 1, Events: []data.Event{
		{Time: 0, Dose: &data.DoseEvent{Time: 0, Amount: 100, Compartment: 1}},
	}}
	res := Predict(ig, m, subj, theta, eta2)
	if !res.Failed {
		t.Fatal("expected Predict to report failure for non-finite eta")
	}
}
