// Package integrate implements the adaptive ODE integrator (spec §4.1) that
// every structural model is driven through, plus the piecewise dosing-event
// timeline walk (bolus, infusion, and steady-state superposition/iteration)
// described in the same section.
//
// Grounded on the pack's adaptive Runge-Kutta family (soypat/godesim
// RKF45Solver/DormandPrinceSolver: step-size grown on acceptance, halved on
// rejection, bounded by Step.Min/Step.Max) but using plain RK4 with a
// step-doubling error estimate rather than an embedded higher-order pair,
// since spec §4.1 names step-doubling explicitly as the error estimator.
package integrate

import (
	"fmt"
	"math"

	"poppk/internal/perr"
)

// RHS is the right-hand side of the ODE system: dy/dt = RHS(t, y).
type RHS func(t float64, y []float64) []float64

// Integrator holds the tolerances and step bounds from spec §4.1.
type Integrator struct {
	Atol float64
	Rtol float64
	HMin float64
}

// New returns an Integrator configured with the spec's default tolerances.
func New() Integrator {
	return Integrator{Atol: 1e-6, Rtol: 1e-4, HMin: 1e-10}
}

// Integrate advances y0 from tStart to tStop under rhs, returning y(tStop).
// subject is only used to decorate a returned IntegrationDivergedError; it
// carries no other meaning here.
func (ig Integrator) Integrate(rhs RHS, y0 []float64, tStart, tStop float64, subject int) ([]float64, error) {
	if tStop <= tStart {
		out := make([]float64, len(y0))
		copy(out, y0)
		return out, nil
	}
	hMax := tStop - tStart
	h := hMax
	t := tStart
	y := append([]float64(nil), y0...)

	for t < tStop-1e-14 {
		if h > tStop-t {
			h = tStop - t
		}

		big := rk4Step(rhs, t, y, h)
		half := rk4Step(rhs, t, y, h/2)
		half = rk4Step(rhs, t+h/2, half, h/2)

		if anyNaN(big) || anyNaN(half) {
			return nil, &perr.IntegrationDivergedError{Subject: subject, Time: t, Reason: "non-finite state component"}
		}

		errRatio := stepError(big, half, ig.Atol, ig.Rtol)
		if errRatio <= 1.0 {
			t += h
			y = clampSmallNegative(half)
			growth := 1.5
			if errRatio > 1e-12 {
				growth = math.Min(1.5, 0.9*math.Pow(errRatio, -0.2))
				if growth < 0.2 {
					growth = 0.2
				}
			}
			h = math.Min(h*growth, hMax)
		} else {
			h = h / 2
			if h < ig.HMin {
				return nil, &perr.IntegrationDivergedError{Subject: subject, Time: t, Reason: "step shrank below h_min"}
			}
		}
	}
	return y, nil
}

func rk4Step(rhs RHS, t float64, y []float64, h float64) []float64 {
	n := len(y)
	k1 := rhs(t, y)
	y2 := addScaled(y, k1, h/2)
	k2 := rhs(t+h/2, y2)
	y3 := addScaled(y, k2, h/2)
	k3 := rhs(t+h/2, y3)
	y4 := addScaled(y, k3, h)
	k4 := rhs(t+h, y4)

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = y[i] + (h/6.0)*(k1[i]+2*k2[i]+2*k3[i]+k4[i])
	}
	return out
}

func addScaled(y, dy []float64, h float64) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		out[i] = y[i] + h*dy[i]
	}
	return out
}

// stepError is max_i |big_i - small_i| / (atol + rtol*|small_i|), the
// acceptance criterion of spec §4.1.
func stepError(big, small []float64, atol, rtol float64) float64 {
	maxErr := 0.0
	for i := range big {
		denom := atol + rtol*math.Abs(small[i])
		if denom <= 0 {
			denom = atol
		}
		e := math.Abs(big[i]-small[i]) / denom
		if e > maxErr {
			maxErr = e
		}
	}
	return maxErr
}

func anyNaN(y []float64) bool {
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// clampSmallNegative zeroes amounts that dipped below zero only by floating
// point noise; a genuinely diverging negative is caught by anyNaN upstream
// long before it reaches here in the mass-balance systems this package
// drives.
func clampSmallNegative(y []float64) []float64 {
	out := make([]float64, len(y))
	for i, v := range y {
		if v < 0 && v > -1e-9 {
			v = 0
		}
		out[i] = v
	}
	return out
}

// Validate returns an error if phi contains a non-finite or non-positive
// component; callers (predict.Predict) use this as the "auxiliary flag"
// gate spec §4.3 describes before integration begins.
func Validate(phi []float64) error {
	for i, v := range phi {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("integrate: phi[%d]=%v is not finite and positive", i, v)
		}
	}
	return nil
}
