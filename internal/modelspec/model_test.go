package modelspec

import "testing"

func TestByKind_ParamCountMatchesType(t *testing.T) {
	cases := []struct {
		kind Kind
		n    int
	}{
		{OneCompartment, 2},
		{TwoCompartment, 4},
		{ThreeCompartment, 6},
	}
	for _, c := range cases {
		m, err := ByKind(c.kind)
		if err != nil {
			t.Fatalf("ByKind(%v): %v", c.kind, err)
		}
		if m.NParams() != c.n {
			t.Errorf("%v: NParams() = %d, want %d", c.kind, m.NParams(), c.n)
		}
		if len(m.Defaults) != c.n {
			t.Errorf("%v: len(Defaults) = %d, want %d", c.kind, len(m.Defaults), c.n)
		}
		if m.NState <= 0 {
			t.Errorf("%v: NState = %d, want > 0", c.kind, m.NState)
		}
	}
}

func TestOneCompartment_MassConservationAtZeroClearance(t *testing.T) {
	m := oneCompartment()
	phi := []float64{0, 20} // CL=0
	dy := m.RHS(0, []float64{100}, phi)
	if dy[0] != 0 {
		t.Errorf("dy/dt = %v at CL=0, want 0 (mass conserved)", dy[0])
	}
}

func TestTwoCompartment_TotalMassConservedAtZeroClearance(t *testing.T) {
	m := twoCompartment()
	phi := []float64{0, 10, 2, 40} // CL=0
	dy := m.RHS(0, []float64{50, 10}, phi)
	sum := dy[0] + dy[1]
	if sum < -1e-9 || sum > 1e-9 {
		t.Errorf("sum(dy/dt) = %v at CL=0, want ~0", sum)
	}
}

func TestParseKind(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"1comp", OneCompartment, true},
		{"2comp", TwoCompartment, true},
		{"3comp", ThreeCompartment, true},
		{"4comp", 0, false},
	} {
		got, err := ParseKind(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParseKind(%q) error: %v", tc.in, err)
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tc.in, got, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseKind(%q): expected error", tc.in)
		}
	}
}
