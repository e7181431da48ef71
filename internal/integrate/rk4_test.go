package integrate

import (
	"math"
	"testing"

	"poppk/internal/data"
	"poppk/internal/modelspec"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestIntegrate_OneCompartmentDecay(t *testing.T) {
	ig := New()
	phi := []float64{2.0, 20.0} // CL=2, V=20 -> k=0.1
	rhs := func(t float64, y []float64) []float64 {
		return []float64{-(phi[0] / phi[1]) * y[0]}
	}
	y, err := ig.Integrate(rhs, []float64{100}, 0, 5, 1)
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	want := 100 * math.Exp(-0.1*5)
	if !almostEqual(y[0], want, 1e-3) {
		t.Errorf("y(5) = %v, want %v", y[0], want)
	}
}

func TestIntegrate_MassConservedAtZeroClearance(t *testing.T) {
	ig := New()
	m, _ := modelspec.ByKind(modelspec.TwoCompartment)
	phi := []float64{0, 10, 2, 40} // CL=0
	rhs := func(t float64, y []float64) []float64 { return m.RHS(t, y, phi) }
	y, err := ig.Integrate(rhs, []float64{100, 0}, 0, 24, 1)
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	total := y[0] + y[1]
	if !almostEqual(total, 100, ig.Atol+ig.Rtol*100) {
		t.Errorf("total mass = %v, want ~100 (CL=0 conserves mass)", total)
	}
	if y[0] < 0 || y[1] < 0 {
		t.Errorf("state went negative: %v", y)
	}
}

func TestIntegrate_DivergesOnNaNRHS(t *testing.T) {
	ig := New()
	rhs := func(t float64, y []float64) []float64 {
		return []float64{math.NaN()}
	}
	_, err := ig.Integrate(rhs, []float64{1}, 0, 1, 7)
	if err == nil {
		t.Fatal("expected IntegrationDivergedError")
	}
}

func TestRunTimeline_BolusThenObservations(t *testing.T) {
	ig := New()
	m, _ := modelspec.ByKind(modelspec.OneCompartment)
	phi := []float64{2.0, 20.0}
	dose := data.DoseEvent{Time: 0, Amount: 100, Compartment: 1}
	events := []data.Event{
		{Time: 0, Dose: &dose},
	}
	for _, tm := range []float64{0.5, 1, 2, 4, 8} {
		obs := data.Observation{Time: tm, HasValue: true, Compartment: 1}
		events = append(events, data.Event{Time: tm, Obs: &obs})
	}
	preds, err := ig.RunTimeline(m, phi, events, 1)
	if err != nil {
		t.Fatalf("RunTimeline: %v", err)
	}
	if len(preds) != 5 {
		t.Fatalf("want 5 predictions, got %d", len(preds))
	}
	k := phi[0] / phi[1]
	for _, p := range preds {
		want := (100.0 / phi[1]) * math.Exp(-k*p.Time)
		if !almostEqual(p.PredictedConc, want, 1e-3) {
			t.Errorf("t=%v: conc=%v, want %v", p.Time, p.PredictedConc, want)
		}
	}
}

// S5 — steady-state dosing, 1-compartment analytic check.
func TestRunTimeline_SteadyStateMatchesAnalyticFormula(t *testing.T) {
	ig := New()
	m, _ := modelspec.ByKind(modelspec.OneCompartment)
	cl, v := 1.0, 10.0
	phi := []float64{cl, v}
	ii := 24.0
	amt := 50.0
	dose := data.DoseEvent{Time: 0, Amount: amt, Compartment: 1, II: ii, SS: true}
	events := []data.Event{{Time: 0, Dose: &dose}}
	obsTimes := []float64{0.5, 4, 8, 12, 20}
	for _, tm := range obsTimes {
		obs := data.Observation{Time: tm, HasValue: true, Compartment: 1}
		events = append(events, data.Event{Time: tm, Obs: &obs})
	}

	preds, err := ig.RunTimeline(m, phi, events, 1)
	if err != nil {
		t.Fatalf("RunTimeline: %v", err)
	}
	k := cl / v
	for _, p := range preds {
		want := (amt / v) * math.Exp(-k*p.Time) / (1 - math.Exp(-k*ii))
		if !almostEqual(p.PredictedConc, want, want*1e-5+1e-9) {
			t.Errorf("t=%v: conc=%v, want %v (analytic SS)", p.Time, p.PredictedConc, want)
		}
	}
}
