package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"poppk/internal/diagnostics"
	"poppk/internal/estimation"
)

func sampleResult() *estimation.EstimationResult {
	return &estimation.EstimationResult{
		Method:    "saem",
		ModelKind: "1comp",
		Theta:     []float64{0.693, 2.996},
		Omega:     mat.NewSymDense(2, []float64{0.09, 0, 0, 0.04}),
		Sigma2:    0.01,
		Converged: true,
		LogLik:    -120.5,
		OFV:       241.0,
		Predictions: []estimation.SubjectPrediction{
			{SubjectID: 1, Time: []float64{1, 2}, Predicted: []float64{4.5, 3.0}, Observed: []float64{4.6, 2.9}, HasObserved: []bool{true, true}},
		},
	}
}

func TestWriteParameterEstimates_ChoosesFilenameByMethod(t *testing.T) {
	dir := t.TempDir()
	result := sampleResult()
	if err := WriteParameterEstimates(dir, result, diagnostics.Report{}); err != nil {
		t.Fatalf("WriteParameterEstimates: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "parameter_estimates.json")); err != nil {
		t.Errorf("expected parameter_estimates.json for saem: %v", err)
	}

	result.Method = "foce-i"
	if err := WriteParameterEstimates(dir, result, diagnostics.Report{}); err != nil {
		t.Fatalf("WriteParameterEstimates: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "foce_results.json")); err != nil {
		t.Errorf("expected foce_results.json for foce-i: %v", err)
	}
}

func TestWritePredictions_HeaderAndRowCount(t *testing.T) {
	dir := t.TempDir()
	result := sampleResult()
	if err := WritePredictions(dir, result.Predictions, result.Predictions); err != nil {
		t.Fatalf("WritePredictions: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "predictions.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "ID,TIME,DV,IPRED,PRED" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 3 {
		t.Errorf("want 1 header + 2 data rows, got %d lines", len(lines))
	}
}

func TestWriteModelComparison_RanksByAICAscending(t *testing.T) {
	dir := t.TempDir()
	fits := []FitSummary{
		{ModelKind: "2comp", Method: "foce", AIC: 300, BIC: 310, LogLik: -140, Converged: true},
		{ModelKind: "1comp", Method: "saem", AIC: 250, BIC: 260, LogLik: -120, Converged: true},
	}
	if err := WriteModelComparison(dir, fits); err != nil {
		t.Fatalf("WriteModelComparison: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "model_comparison.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if !strings.Contains(lines[1], "1comp") {
		t.Errorf("expected the lowest-AIC fit (1comp) ranked first, got %q", lines[1])
	}
}

func TestWriteSummaryReport_WritesKeyFields(t *testing.T) {
	dir := t.TempDir()
	result := sampleResult()
	rep := diagnostics.Report{AIC: 241.0, BIC: 250.0, RSE: []float64{5.1, 3.2}, Shrinkage: []float64{0.1, 0.2}}
	if err := WriteSummaryReport(dir, result, rep, []string{"CL", "V"}); err != nil {
		t.Fatalf("WriteSummaryReport: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "summary_report.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "CL") || !strings.Contains(string(data), "saem") {
		t.Errorf("summary report missing expected fields:\n%s", data)
	}
}
