// Package data holds the subject/dataset model that every estimator borrows
// read-only: observations and dose events merged into a single per-subject
// timeline, plus the covariate map carried alongside each subject.
package data

// Observation is a single concentration measurement. Value is meaningless
// when HasValue is false (missing DV, still a valid row per spec).
type Observation struct {
	Time        float64
	Value       float64
	HasValue    bool
	Compartment int
}

// DoseEvent is a bolus or constant-rate infusion into Compartment. Rate == 0
// means bolus. SS marks a steady-state dosing row; II/ADDL carry the source
// row's interdose interval and additional-dose count, and are 0 on the
// extra doses generated from them.
type DoseEvent struct {
	Time        float64
	Amount      float64
	Compartment int
	Rate        float64
	II          float64
	ADDL        int
	SS          bool
}

// Event is one row of a subject's merged, time-ordered timeline. Exactly one
// of Dose/Obs is non-nil.
type Event struct {
	Time float64
	Dose *DoseEvent
	Obs  *Observation
}

// Subject owns its event timeline and covariate map. Subjects are read-only
// for the duration of a fit; estimators never mutate them.
type Subject struct {
	ID         int
	Events     []Event
	Covariates map[string]float64
}

// Observations returns the subject's observation events in time order.
func (s *Subject) Observations() []Observation {
	out := make([]Observation, 0, len(s.Events))
	for _, e := range s.Events {
		if e.Obs != nil {
			out = append(out, *e.Obs)
		}
	}
	return out
}

// Doses returns the subject's dose events in time order.
func (s *Subject) Doses() []DoseEvent {
	out := make([]DoseEvent, 0, len(s.Events))
	for _, e := range s.Events {
		if e.Dose != nil {
			out = append(out, *e.Dose)
		}
	}
	return out
}

// NumObservations counts observation rows with a finite, present value.
func (s *Subject) NumObservations() int {
	n := 0
	for _, e := range s.Events {
		if e.Obs != nil && e.Obs.HasValue {
			n++
		}
	}
	return n
}

// Dataset owns every Subject and is borrowed immutably by all estimators.
type Dataset struct {
	Subjects map[int]*Subject
	// Order preserves first-seen subject order from the source file so
	// reports and trajectories are reproducible regardless of map iteration.
	Order []int
	// ColumnNames lists every covariate column captured beyond the
	// required/optional schema columns.
	ColumnNames []string
}

// NumObservations sums observation counts across all subjects.
func (d *Dataset) NumObservations() int {
	n := 0
	for _, id := range d.Order {
		n += d.Subjects[id].NumObservations()
	}
	return n
}

// SubjectsInOrder returns subjects in deterministic (first-seen) order.
func (d *Dataset) SubjectsInOrder() []*Subject {
	out := make([]*Subject, len(d.Order))
	for i, id := range d.Order {
		out[i] = d.Subjects[id]
	}
	return out
}
