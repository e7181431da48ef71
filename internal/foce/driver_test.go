package foce

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"poppk/internal/data"
	"poppk/internal/modelspec"
)

func syntheticDataset(n int) *data.Dataset {
	ds := &data.Dataset{Subjects: map[int]*data.Subject{}}
	cl, v := 2.0, 20.0
	k := cl / v
	obsTimes := []float64{0.5, 1, 2, 4, 8, 12, 24}
	for id := 1; id <= n; id++ {
		dose := data.DoseEvent{Time: 0, Amount: 100, Compartment: 1}
		events := []data.Event{{Time: 0, Dose: &dose}}
		for _, tm := range obsTimes {
			conc := (100.0 / v) * math.Exp(-k*tm)
			events = append(events, data.Event{Time: tm, Obs: &data.Observation{
				Time: tm, HasValue: true, Value: conc, Compartment: 1,
			}})
		}
		ds.Subjects[id] = &data.Subject{ID: id, Events: events}
		ds.Order = append(ds.Order, id)
	}
	return ds
}

func TestPackUnpack_RoundTrips(t *testing.T) {
	theta := []float64{0.5, -1.2}
	Ldense := mat.NewDense(2, 2, []float64{0.3, 0, 0.1, 0.4})
	x := pack(theta, Ldense, 0.05)
	gotTheta, gotL, gotSigma2 := unpack(x, 2)
	for i := range theta {
		if math.Abs(gotTheta[i]-theta[i]) > 1e-9 {
			t.Errorf("theta[%d] = %v, want %v", i, gotTheta[i], theta[i])
		}
	}
	if math.Abs(gotSigma2-0.05) > 1e-9 {
		t.Errorf("sigma2 = %v, want 0.05", gotSigma2)
	}
	if math.Abs(gotL.At(0, 0)-0.3) > 1e-9 || math.Abs(gotL.At(1, 1)-0.4) > 1e-9 {
		t.Errorf("L diagonal mismatch: %v %v", gotL.At(0, 0), gotL.At(1, 1))
	}
}

func TestFOCE_RecoversThetaOnNoiselessData(t *testing.T) {
	if testing.Short() {
		t.Skip("FOCE outer optimization is slow; skip in -short")
	}
	ds := syntheticDataset(15)
	m, _ := modelspec.ByKind(modelspec.OneCompartment)
	drv := New(m, ds, Config{KOuter: 30, Interaction: false})

	result, err := drv.Fit(context.Background(), ds)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	wantTheta := []float64{math.Log(2), math.Log(20)}
	for i, want := range wantTheta {
		if math.Abs(result.Theta[i]-want)/math.Abs(want) > 0.2 {
			t.Errorf("theta[%d] = %v, want ~%v", i, result.Theta[i], want)
		}
	}
}

func TestFOCE_RejectsMismatchedDataset(t *testing.T) {
	ds := syntheticDataset(3)
	other := syntheticDataset(3)
	m, _ := modelspec.ByKind(modelspec.OneCompartment)
	drv := New(m, ds, DefaultConfig())
	if _, err := drv.Fit(context.Background(), other); err == nil {
		t.Fatal("expected an error for a mismatched dataset")
	}
}

func TestFOCEI_IsDistinctMethodName(t *testing.T) {
	ds := syntheticDataset(3)
	m, _ := modelspec.ByKind(modelspec.OneCompartment)
	drv := New(m, ds, Config{KOuter: 5, Interaction: true})
	if name := drv.methodName(); name != "foce-i" {
		t.Errorf("methodName() = %q, want foce-i", name)
	}
}
