package integrate

import (
	"math"

	"poppk/internal/data"
	"poppk/internal/modelspec"
	"poppk/internal/perr"
)

// Prediction pairs an observation time with the predicted concentration.
type Prediction struct {
	Time            float64
	PredictedConc   float64
	ObservedValue   float64
	ObservedPresent bool
}

// RunTimeline walks a subject's merged dose/observation events in time
// order, integrating the structural model's RHS piecewise between events
// (spec §4.1 "Dose handling"), and returns the predicted concentration at
// every observation. Bolus doses increment the dosed compartment's amount
// instantaneously; infusions (Rate>0) add a constant rate to that
// compartment's RHS for amount/rate hours; SS=1 doses replace the running
// state with the steady-state state for that dosing regimen before
// proceeding.
func (ig Integrator) RunTimeline(model modelspec.Model, phi []float64, events []data.Event, subject int) ([]Prediction, error) {
	if err := Validate(phi); err != nil {
		return nil, &perr.IntegrationDivergedError{Subject: subject, Reason: err.Error()}
	}

	y := make([]float64, model.NState)
	t := 0.0
	if len(events) > 0 {
		t = events[0].Time
	}

	var preds []Prediction

	for _, ev := range events {
		if ev.Time > t {
			base := func(tt float64, yy []float64) []float64 { return model.RHS(tt, yy, phi) }
			next, err := ig.Integrate(base, y, t, ev.Time, subject)
			if err != nil {
				return nil, err
			}
			y = next
			t = ev.Time
		}

		switch {
		case ev.Dose != nil:
			d := *ev.Dose
			if d.SS {
				ss, err := ig.steadyState(model, phi, d, subject)
				if err != nil {
					return nil, err
				}
				y = ss
				continue
			}
			if d.Rate > 0 {
				duration := d.Amount / d.Rate
				infuse := func(tt float64, yy []float64) []float64 {
					dy := model.RHS(tt, yy, phi)
					dy[d.Compartment-1] += d.Rate
					return dy
				}
				next, err := ig.Integrate(infuse, y, t, t+duration, subject)
				if err != nil {
					return nil, err
				}
				y = next
				t += duration
			} else {
				y[d.Compartment-1] += d.Amount
			}

		case ev.Obs != nil:
			conc := model.Observation(y, phi)
			preds = append(preds, Prediction{
				Time:            ev.Obs.Time,
				PredictedConc:   conc,
				ObservedValue:   ev.Obs.Value,
				ObservedPresent: ev.Obs.HasValue,
			})
		}
	}
	return preds, nil
}

// steadyState resolves an SS=1 dosing row to the post-dose state of the
// repeated regimen it describes: analytic superposition for 1C (matching
// the closed form C(t) = (D/V)e^{-(CL/V)t} / (1-e^{-(CL/V)II}) of spec
// scenario S5), or iteration to <1e-6 relative change for 2C/3C.
func (ig Integrator) steadyState(model modelspec.Model, phi []float64, d data.DoseEvent, subject int) ([]float64, error) {
	if d.II <= 0 {
		y := make([]float64, model.NState)
		y[d.Compartment-1] += d.Amount
		return y, nil
	}

	if model.Kind == modelspec.OneCompartment {
		cl, v := phi[0], phi[1]
		k := cl / v
		denom := 1 - math.Exp(-k*d.II)
		if denom <= 0 {
			denom = 1e-12
		}
		ampPostDose := d.Amount / denom
		return []float64{ampPostDose}, nil
	}

	y := make([]float64, model.NState)
	base := func(tt float64, yy []float64) []float64 { return model.RHS(tt, yy, phi) }
	const maxIter = 1000
	var prevPost []float64
	for iter := 0; iter < maxIter; iter++ {
		post := append([]float64(nil), y...)
		post[d.Compartment-1] += d.Amount

		if prevPost != nil && relChange(post, prevPost) < 1e-6 {
			return post, nil
		}
		prevPost = post

		next, err := ig.Integrate(base, post, 0, d.II, subject)
		if err != nil {
			return nil, err
		}
		y = next
	}
	post := append([]float64(nil), y...)
	post[d.Compartment-1] += d.Amount
	return post, nil
}

func relChange(a, b []float64) float64 {
	maxRel := 0.0
	for i := range a {
		denom := math.Max(1e-12, math.Abs(b[i]))
		r := math.Abs(a[i]-b[i]) / denom
		if r > maxRel {
			maxRel = r
		}
	}
	return maxRel
}
