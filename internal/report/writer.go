// Package report writes the per-fit and cross-fit output artifacts (spec
// §6). Grounded on the teacher's CSV writer shape
// (ADGArrio-Influenza_Causality_AR_Project/functions.go
// OutputForecastsToCSV / OutputIRFAnalysisToCSV: os.Create, csv.NewWriter,
// write header then rows) generalized to this package's own JSON and
// tabwriter artifacts.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"poppk/internal/diagnostics"
	"poppk/internal/estimation"
)

// FitDir returns <output>/<model>_<method>.
func FitDir(output, modelKind, method string) string {
	return filepath.Join(output, modelKind+"_"+method)
}

// parameterEstimatesDoc is the JSON shape written to
// parameter_estimates.json / foce_results.json.
type parameterEstimatesDoc struct {
	Method     string      `json:"method"`
	ModelKind  string      `json:"model_kind"`
	Theta      []float64   `json:"theta"`
	Omega      [][]float64 `json:"omega"`
	Sigma2     float64     `json:"sigma2"`
	LogLik     float64     `json:"log_likelihood"`
	OFV        float64     `json:"ofv"`
	StdErrors  []float64   `json:"standard_errors,omitempty"`
	RSE        []float64   `json:"percent_rse,omitempty"`
	Converged  bool        `json:"converged"`
	Iterations int         `json:"iterations"`
	Warning    string      `json:"warning,omitempty"`
}

// WriteParameterEstimates writes parameter_estimates.json (SAEM) or
// foce_results.json (FOCE family), choosing the filename by method.
func WriteParameterEstimates(dir string, result *estimation.EstimationResult, rep diagnostics.Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := "parameter_estimates.json"
	if result.Method == "foce" || result.Method == "foce-i" {
		name = "foce_results.json"
	}

	p, _ := result.Omega.Dims()
	omega := make([][]float64, p)
	for i := 0; i < p; i++ {
		omega[i] = make([]float64, p)
		for j := 0; j < p; j++ {
			omega[i][j] = result.Omega.At(i, j)
		}
	}

	doc := parameterEstimatesDoc{
		Method:     result.Method,
		ModelKind:  result.ModelKind,
		Theta:      result.Theta,
		Omega:      omega,
		Sigma2:     result.Sigma2,
		LogLik:     result.LogLik,
		OFV:        result.OFV,
		StdErrors:  result.StdErrors,
		RSE:        rep.RSE,
		Converged:  result.Converged,
		Iterations: result.Iterations,
		Warning:    result.Warning,
	}
	return writeJSON(filepath.Join(dir, name), doc)
}

// WritePredictions writes predictions.csv: ID,TIME,DV,IPRED,PRED.
func WritePredictions(dir string, ipred, pred []estimation.SubjectPrediction) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(dir, "predictions.csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	if err := w.Write([]string{"ID", "TIME", "DV", "IPRED", "PRED"}); err != nil {
		return err
	}

	predBySubject := make(map[int]estimation.SubjectPrediction, len(pred))
	for _, sp := range pred {
		predBySubject[sp.SubjectID] = sp
	}

	for _, sp := range ipred {
		popSp := predBySubject[sp.SubjectID]
		for i := range sp.Time {
			dv := ""
			if sp.HasObserved[i] {
				dv = fmt.Sprintf("%g", sp.Observed[i])
			}
			popPred := ""
			if i < len(popSp.Predicted) {
				popPred = fmt.Sprintf("%g", popSp.Predicted[i])
			}
			record := []string{
				fmt.Sprintf("%d", sp.SubjectID),
				fmt.Sprintf("%g", sp.Time[i]),
				dv,
				fmt.Sprintf("%g", sp.Predicted[i]),
				popPred,
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
	}
	return w.Error()
}

// diagnosticsDoc is the JSON shape written to diagnostics.json.
type diagnosticsDoc struct {
	AIC                float64   `json:"aic"`
	BIC                float64   `json:"bic"`
	K                  int       `json:"free_parameter_count"`
	RMSEIndividual     float64   `json:"rmse_individual"`
	R2Individual       float64   `json:"r2_individual"`
	RMSEPopulation     float64   `json:"rmse_population"`
	R2Population       float64   `json:"r2_population"`
	Shrinkage          []float64 `json:"shrinkage"`
	ParameterStability []float64 `json:"parameter_stability,omitempty"`
}

// WriteDiagnostics writes diagnostics.json.
func WriteDiagnostics(dir string, rep diagnostics.Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	doc := diagnosticsDoc{
		AIC: rep.AIC, BIC: rep.BIC, K: rep.K,
		RMSEIndividual: rep.RMSEIndividual, R2Individual: rep.R2Individual,
		RMSEPopulation: rep.RMSEPopulation, R2Population: rep.R2Population,
		Shrinkage: rep.Shrinkage, ParameterStability: rep.ParameterStability,
	}
	return writeJSON(filepath.Join(dir, "diagnostics.json"), doc)
}

// WriteParameterTrajectory writes parameter_trajectory.csv (SAEM only):
// iteration-indexed theta and logL.
func WriteParameterTrajectory(dir string, traj []estimation.TrajectoryPoint) error {
	if len(traj) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(dir, "parameter_trajectory.csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	p := len(traj[0].Theta)
	header := []string{"iteration"}
	for j := 0; j < p; j++ {
		header = append(header, fmt.Sprintf("theta_%d", j))
	}
	header = append(header, "logL")
	if err := w.Write(header); err != nil {
		return err
	}

	for _, pt := range traj {
		record := []string{fmt.Sprintf("%d", pt.Iteration)}
		for _, v := range pt.Theta {
			record = append(record, fmt.Sprintf("%g", v))
		}
		record = append(record, fmt.Sprintf("%g", pt.LogLik))
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return w.Error()
}

// WriteSummaryReport writes summary_report.txt: a NONMEM-style fixed-width
// tabular summary via text/tabwriter.
func WriteSummaryReport(dir string, result *estimation.EstimationResult, rep diagnostics.Report, paramNames []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(dir, "summary_report.txt"))
	if err != nil {
		return err
	}
	defer file.Close()

	tw := tabwriter.NewWriter(file, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Method\t%s\n", result.Method)
	fmt.Fprintf(tw, "Model\t%s\n", result.ModelKind)
	fmt.Fprintf(tw, "Converged\t%v\n", result.Converged)
	fmt.Fprintf(tw, "Iterations\t%d\n", result.Iterations)
	fmt.Fprintf(tw, "LogLikelihood\t%g\n", result.LogLik)
	fmt.Fprintf(tw, "OFV\t%g\n", result.OFV)
	fmt.Fprintf(tw, "AIC\t%g\n", rep.AIC)
	fmt.Fprintf(tw, "BIC\t%g\n", rep.BIC)
	fmt.Fprintln(tw, "---")
	fmt.Fprintf(tw, "Parameter\tEstimate\tSE\t%%RSE\tShrinkage\n")
	for j, theta := range result.Theta {
		name := fmt.Sprintf("theta_%d", j)
		if j < len(paramNames) {
			name = paramNames[j]
		}
		se, rse, shrink := "-", "-", "-"
		if j < len(result.StdErrors) {
			se = fmt.Sprintf("%g", result.StdErrors[j])
		}
		if j < len(rep.RSE) {
			rse = fmt.Sprintf("%.2f", rep.RSE[j])
		}
		if j < len(rep.Shrinkage) {
			shrink = fmt.Sprintf("%.3f", rep.Shrinkage[j])
		}
		fmt.Fprintf(tw, "%s\t%g\t%s\t%s\t%s\n", name, theta, se, rse, shrink)
	}
	if result.Warning != "" {
		fmt.Fprintf(tw, "Warning\t%s\n", result.Warning)
	}
	return tw.Flush()
}

// FitSummary is one fit's comparison-row inputs.
type FitSummary struct {
	ModelKind string
	Method    string
	AIC       float64
	BIC       float64
	LogLik    float64
	Converged bool
}

// WriteModelComparison writes the top-level model_comparison_report.txt
// and model_comparison.csv, ranked by AIC ascending (spec §6).
func WriteModelComparison(output string, fits []FitSummary) error {
	if err := os.MkdirAll(output, 0o755); err != nil {
		return err
	}
	sorted := append([]FitSummary(nil), fits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AIC < sorted[j].AIC })

	txtFile, err := os.Create(filepath.Join(output, "model_comparison_report.txt"))
	if err != nil {
		return err
	}
	defer txtFile.Close()
	tw := tabwriter.NewWriter(txtFile, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Rank\tModel\tMethod\tAIC\tBIC\tLogLik\tConverged\n")
	for i, f := range sorted {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%g\t%g\t%g\t%v\n", i+1, f.ModelKind, f.Method, f.AIC, f.BIC, f.LogLik, f.Converged)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	csvFile, err := os.Create(filepath.Join(output, "model_comparison.csv"))
	if err != nil {
		return err
	}
	defer csvFile.Close()
	w := csv.NewWriter(csvFile)
	defer w.Flush()
	if err := w.Write([]string{"rank", "model", "method", "aic", "bic", "loglik", "converged"}); err != nil {
		return err
	}
	for i, f := range sorted {
		record := []string{
			fmt.Sprintf("%d", i+1), f.ModelKind, f.Method,
			fmt.Sprintf("%g", f.AIC), fmt.Sprintf("%g", f.BIC), fmt.Sprintf("%g", f.LogLik),
			fmt.Sprintf("%v", f.Converged),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return w.Error()
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
