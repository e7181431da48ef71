package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"poppk/internal/perr"
)

// required schema columns; everything else not in optional/schema below is
// captured as a covariate.
var requiredCols = []string{"ID", "TIME", "DV", "AMT", "EVID"}

var optionalDefaults = map[string]float64{
	"CMT":  1,
	"RATE": 0,
	"II":   0,
	"ADDL": 0,
	"SS":   0,
}

// LoadCSV reads a dosing/observation dataset per the column contract in
// spec §6: ID,TIME,DV,AMT,EVID required; CMT,RATE,II,ADDL,SS optional with
// defaults; any other numeric column becomes a per-subject covariate.
//
// Mirrors the teacher's LoadCSVToTimeSeries shape (header-first read, one
// strconv.ParseFloat per cell, row/column-indexed errors) generalized from
// a fixed numeric matrix to named, optional and covariate columns, and
// followed by event-timeline assembly and II/ADDL dose-train expansion.
func LoadCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &perr.DataValidationError{Reason: fmt.Sprintf("open %s: %v", path, err)}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, &perr.DataValidationError{Reason: fmt.Sprintf("read header: %v", err)}
	}
	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[strings.ToUpper(strings.TrimSpace(h))] = i
	}
	for _, req := range requiredCols {
		if _, ok := colIdx[req]; !ok {
			return nil, &perr.DataValidationError{Reason: fmt.Sprintf("missing required column %q", req)}
		}
	}

	schemaCols := map[string]bool{}
	for _, c := range requiredCols {
		schemaCols[c] = true
	}
	for c := range optionalDefaults {
		schemaCols[c] = true
	}
	var covarNames []string
	for h := range colIdx {
		if !schemaCols[h] {
			covarNames = append(covarNames, h)
		}
	}
	sort.Strings(covarNames)

	rows := map[int][]rawRow{}
	order := []int{}
	seen := map[int]bool{}

	rowNum := 1 // header was row 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			return nil, &perr.DataValidationError{Row: rowNum, Reason: fmt.Sprintf("read row: %v", err)}
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}

		get := func(col string) (float64, bool, error) {
			idx, ok := colIdx[col]
			if !ok {
				return 0, false, nil
			}
			s := strings.TrimSpace(record[idx])
			if s == "" || strings.EqualFold(s, "NA") || strings.EqualFold(s, ".") {
				return 0, false, nil
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, false, fmt.Errorf("parse float in column %s (%q): %w", col, s, err)
			}
			return v, true, nil
		}

		idF, _, err := get("ID")
		if err != nil {
			return nil, &perr.DataValidationError{Row: rowNum, Reason: err.Error()}
		}
		id := int(idF)

		rr := rawRow{row: rowNum}
		if rr.time, _, err = get("TIME"); err != nil {
			return nil, &perr.DataValidationError{Row: rowNum, Subject: id, Reason: err.Error()}
		}
		if rr.dv, rr.hasDV, err = get("DV"); err != nil {
			return nil, &perr.DataValidationError{Row: rowNum, Subject: id, Reason: err.Error()}
		}
		if rr.amt, _, err = get("AMT"); err != nil {
			return nil, &perr.DataValidationError{Row: rowNum, Subject: id, Reason: err.Error()}
		}
		evidF, _, err := get("EVID")
		if err != nil {
			return nil, &perr.DataValidationError{Row: rowNum, Subject: id, Reason: err.Error()}
		}
		rr.evid = int(evidF)

		cmt, ok, err := get("CMT")
		if err != nil {
			return nil, &perr.DataValidationError{Row: rowNum, Subject: id, Reason: err.Error()}
		}
		if !ok {
			cmt = optionalDefaults["CMT"]
		}
		rr.cmt = int(cmt)

		for _, opt := range []string{"RATE", "II", "SS"} {
			v, ok, err := get(opt)
			if err != nil {
				return nil, &perr.DataValidationError{Row: rowNum, Subject: id, Reason: err.Error()}
			}
			if !ok {
				v = optionalDefaults[opt]
			}
			switch opt {
			case "RATE":
				rr.rate = v
			case "II":
				rr.ii = v
			case "SS":
				rr.ss = v != 0
			}
		}
		addl, ok, err := get("ADDL")
		if err != nil {
			return nil, &perr.DataValidationError{Row: rowNum, Subject: id, Reason: err.Error()}
		}
		if ok {
			rr.addl = int(addl)
		}

		rr.covariates = map[string]float64{}
		for _, cv := range covarNames {
			v, ok, err := get(cv)
			if err != nil {
				return nil, &perr.DataValidationError{Row: rowNum, Subject: id, Reason: err.Error()}
			}
			if ok {
				rr.covariates[cv] = v
			}
		}

		if err := validateRow(rr, id); err != nil {
			return nil, err
		}

		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
		rows[id] = append(rows[id], rr)
	}

	if len(order) == 0 {
		return nil, &perr.DataValidationError{Reason: "no data rows"}
	}

	ds := &Dataset{Subjects: map[int]*Subject{}, Order: order, ColumnNames: covarNames}
	for _, id := range order {
		subj, err := buildSubject(id, rows[id])
		if err != nil {
			return nil, err
		}
		ds.Subjects[id] = subj
	}
	return ds, nil
}

type rawRow struct {
	row        int
	time       float64
	dv         float64
	hasDV      bool
	amt        float64
	evid       int
	cmt        int
	rate       float64
	ii         float64
	addl       int
	ss         bool
	covariates map[string]float64
}

func validateRow(rr rawRow, id int) error {
	if rr.evid == 1 && rr.amt <= 0 {
		return &perr.DataValidationError{Row: rr.row, Subject: id, Reason: "EVID=1 requires AMT>0"}
	}
	if rr.evid == 0 {
		if rr.hasDV && (rrIsNaN(rr.dv) || math.IsInf(rr.dv, 0) || rr.dv < 0) {
			return &perr.DataValidationError{Row: rr.row, Subject: id, Reason: "EVID=0 requires finite, non-negative DV (or missing)"}
		}
	}
	if rr.time < 0 {
		return &perr.DataValidationError{Row: rr.row, Subject: id, Reason: "TIME must be >= 0"}
	}
	return nil
}

func rrIsNaN(v float64) bool { return v != v }

// buildSubject merges a subject's raw rows into a time-ordered event
// timeline, expanding II/ADDL dose rows into explicit dose trains, then
// checks the non-decreasing-time invariant.
func buildSubject(id int, rows []rawRow) (*Subject, error) {
	covars := map[string]float64{}
	var events []Event
	lastTime := -1.0
	hasFiniteObs := false
	hasDose := false

	for _, rr := range rows {
		for k, v := range rr.covariates {
			covars[k] = v
		}
		if rr.time+1e-9 < lastTime {
			return nil, &perr.DataValidationError{Row: rr.row, Subject: id, Reason: "TIME must be non-decreasing within a subject"}
		}
		lastTime = rr.time

		if rr.evid == 1 {
			hasDose = true
			base := DoseEvent{
				Time: rr.time, Amount: rr.amt, Compartment: rr.cmt,
				Rate: rr.rate, II: rr.ii, ADDL: rr.addl, SS: rr.ss,
			}
			d := base
			events = append(events, Event{Time: d.Time, Dose: &d})
			if rr.addl > 0 && rr.ii > 0 {
				for k := 1; k <= rr.addl; k++ {
					train := base
					train.Time = rr.time + float64(k)*rr.ii
					train.II = 0
					train.ADDL = 0
					events = append(events, Event{Time: train.Time, Dose: &train})
				}
			}
		} else {
			obs := Observation{Time: rr.time, Value: rr.dv, HasValue: rr.hasDV, Compartment: rr.cmt}
			if rr.hasDV {
				hasFiniteObs = true
			}
			events = append(events, Event{Time: obs.Time, Obs: &obs})
		}
	}

	if !hasDose {
		return nil, &perr.DataValidationError{Subject: id, Reason: "subject has no dose event"}
	}
	if !hasFiniteObs {
		return nil, &perr.DataValidationError{Subject: id, Reason: "subject has no observation with a finite value"}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Time < events[j].Time })

	return &Subject{ID: id, Events: events, Covariates: covars}, nil
}
