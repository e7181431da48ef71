// Package modelspec defines the three compartmental structural models
// (spec §4.2). A Model is a tagged capability struct — parameter names,
// defaults, and RHS/observation closures — never an inheritance hierarchy:
// the estimator layers (predict, likelihood, saem, foce) are written against
// this one shape regardless of which variant is in play.
package modelspec

import "fmt"

// Kind tags which of the three compartmental structures a Model implements.
type Kind int

const (
	OneCompartment Kind = iota
	TwoCompartment
	ThreeCompartment
)

func (k Kind) String() string {
	switch k {
	case OneCompartment:
		return "1comp"
	case TwoCompartment:
		return "2comp"
	case ThreeCompartment:
		return "3comp"
	default:
		return "unknown"
	}
}

// Model is the structural-model capability set described in spec §4.2 and
// design note §9 ("a tagged variant plus a small vtable of closures").
// It never sees theta/eta — only the absolute parameter vector phi — which
// keeps it orthogonal to whichever estimation method drives it.
type Model struct {
	Kind       Kind
	Names      []string  // parameter names, fixed order
	Defaults   []float64 // default absolute-scale values, same order
	NState     int
	// RHS returns dy/dt given current time, state, and absolute parameters.
	RHS func(t float64, y, phi []float64) []float64
	// Observation maps integrator state + absolute parameters to the
	// predicted concentration in the observation compartment.
	Observation func(y, phi []float64) float64
}

// ByKind constructs the Model for one of the three tabled structures.
func ByKind(k Kind) (Model, error) {
	switch k {
	case OneCompartment:
		return oneCompartment(), nil
	case TwoCompartment:
		return twoCompartment(), nil
	case ThreeCompartment:
		return threeCompartment(), nil
	default:
		return Model{}, fmt.Errorf("modelspec: unknown kind %d", k)
	}
}

// ParseKind maps the CLI --model token to a Kind ("1comp"/"2comp"/"3comp").
func ParseKind(s string) (Kind, error) {
	switch s {
	case "1comp":
		return OneCompartment, nil
	case "2comp":
		return TwoCompartment, nil
	case "3comp":
		return ThreeCompartment, nil
	default:
		return 0, fmt.Errorf("modelspec: unrecognized model token %q", s)
	}
}

// oneCompartment: state y = [amount in central]. Parameters CL, V.
// dy/dt = -(CL/V) * y.  Observed concentration = y / V.
func oneCompartment() Model {
	return Model{
		Kind:     OneCompartment,
		Names:    []string{"CL", "V"},
		Defaults: []float64{2.0, 20.0},
		NState:   1,
		RHS: func(t float64, y, phi []float64) []float64 {
			cl, v := phi[0], phi[1]
			return []float64{-(cl / v) * y[0]}
		},
		Observation: func(y, phi []float64) float64 {
			return y[0] / phi[1]
		},
	}
}

// twoCompartment: state y = [central, peripheral]. Parameters CL, V1, Q, V2.
func twoCompartment() Model {
	return Model{
		Kind:     TwoCompartment,
		Names:    []string{"CL", "V1", "Q", "V2"},
		Defaults: []float64{1.0, 10.0, 2.0, 40.0},
		NState:   2,
		RHS: func(t float64, y, phi []float64) []float64 {
			cl, v1, q, v2 := phi[0], phi[1], phi[2], phi[3]
			c1, c2 := y[0]/v1, y[1]/v2
			transfer := q * (c1 - c2)
			return []float64{
				-(cl/v1)*y[0] - transfer,
				transfer,
			}
		},
		Observation: func(y, phi []float64) float64 {
			return y[0] / phi[1]
		},
	}
}

// threeCompartment: state y = [central, peripheral1, peripheral2].
// Parameters CL, V1, Q2, V2, Q3, V3.
func threeCompartment() Model {
	return Model{
		Kind:     ThreeCompartment,
		Names:    []string{"CL", "V1", "Q2", "V2", "Q3", "V3"},
		Defaults: []float64{1.0, 10.0, 2.0, 40.0, 1.0, 100.0},
		NState:   3,
		RHS: func(t float64, y, phi []float64) []float64 {
			cl, v1, q2, v2, q3, v3 := phi[0], phi[1], phi[2], phi[3], phi[4], phi[5]
			c1 := y[0] / v1
			transfer2 := q2 * (c1 - y[1]/v2)
			transfer3 := q3 * (c1 - y[2]/v3)
			return []float64{
				-(cl/v1)*y[0] - transfer2 - transfer3,
				transfer2,
				transfer3,
			}
		},
		Observation: func(y, phi []float64) float64 {
			return y[0] / phi[1]
		},
	}
}

// NParams returns the number of estimable parameters (= len(Names)).
func (m Model) NParams() int { return len(m.Names) }
