// Package main wires the cobra CLI surface (spec §6): dataset/model/method
// selection, per-fit output artifacts, and exit codes mapped from the
// internal/perr error taxonomy. Grounded on inference-sim/cmd/root.go's
// flag and logging shape, adapted from a single simulation run to a
// multi-model/multi-method fit-and-compare sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"poppk/internal/data"
	"poppk/internal/diagnostics"
	"poppk/internal/estimation"
	"poppk/internal/foce"
	"poppk/internal/integrate"
	"poppk/internal/modelspec"
	"poppk/internal/obslog"
	"poppk/internal/perr"
	"poppk/internal/report"
	"poppk/internal/saem"
)

var (
	datasetPath  string
	modelTokens  []string
	methodTokens []string
	outputDir    string
	iterations   int
	burnIn       int
	chains       int
	forceCompare bool
	configPath   string
)

var rootCmd = &cobra.Command{
	Use:   "poppk",
	Short: "Population pharmacokinetic NLME estimation (SAEM / FOCE / FOCE-I)",
	RunE:  runFit,
}

func init() {
	rootCmd.Flags().StringVar(&datasetPath, "dataset", "", "path to the dosing/observation CSV dataset (required)")
	rootCmd.Flags().StringSliceVar(&modelTokens, "model", []string{"1comp"}, "structural model(s): 1comp, 2comp, 3comp, all (repeatable)")
	rootCmd.Flags().StringSliceVar(&methodTokens, "method", []string{"saem"}, "estimation method(s): saem, foce, foce-i, all (repeatable)")
	rootCmd.Flags().StringVar(&outputDir, "output", "./output", "output directory")
	rootCmd.Flags().IntVar(&iterations, "iterations", 0, "SAEM total iterations or FOCE outer cap (0 = method default)")
	rootCmd.Flags().IntVar(&burnIn, "burn-in", 200, "SAEM burn-in iterations")
	rootCmd.Flags().IntVar(&chains, "chains", 4, "SAEM replicate chain count")
	rootCmd.Flags().BoolVar(&forceCompare, "compare", false, "force a comparison report even with a single fit")
	rootCmd.Flags().StringVar(&configPath, "config", "", "optional YAML file mirroring these flags, for batch runs; explicit flags take precedence")
}

// Execute runs the root command and maps the returned error to spec §6's
// exit codes.
func Execute() {
	obslog.Init()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case *perr.DataValidationError:
		return 2
	case *perr.ModelConfigurationError:
		return 3
	case *perr.IntegrationDivergedError, *perr.SubjectIntegrationFailureError:
		return 4
	case noConvergedModelError:
		return 5
	default:
		return 1
	}
}

type noConvergedModelError struct{}

func (noConvergedModelError) Error() string { return "no model/method combination converged" }

func expandModelTokens(tokens []string) ([]modelspec.Kind, error) {
	set := map[modelspec.Kind]bool{}
	var order []modelspec.Kind
	add := func(k modelspec.Kind) {
		if !set[k] {
			set[k] = true
			order = append(order, k)
		}
	}
	for _, tok := range tokens {
		if strings.EqualFold(tok, "all") {
			add(modelspec.OneCompartment)
			add(modelspec.TwoCompartment)
			add(modelspec.ThreeCompartment)
			continue
		}
		k, err := modelspec.ParseKind(tok)
		if err != nil {
			return nil, &perr.ModelConfigurationError{Reason: err.Error()}
		}
		add(k)
	}
	return order, nil
}

func expandMethodTokens(tokens []string) ([]string, error) {
	set := map[string]bool{}
	var order []string
	add := func(m string) {
		if !set[m] {
			set[m] = true
			order = append(order, m)
		}
	}
	for _, tok := range tokens {
		switch strings.ToLower(tok) {
		case "all":
			add("saem")
			add("foce")
			add("foce-i")
		case "saem", "foce", "foce-i":
			add(strings.ToLower(tok))
		default:
			return nil, &perr.ModelConfigurationError{Reason: fmt.Sprintf("unrecognized --method %q", tok)}
		}
	}
	return order, nil
}

func runFit(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		fileCfg, err := loadFileConfig(configPath)
		if err != nil {
			return err
		}
		applyFileConfig(cmd.Flags(), fileCfg)
	}
	if datasetPath == "" {
		return &perr.ModelConfigurationError{Reason: "--dataset is required, either as a flag or in the --config file"}
	}

	ds, err := data.LoadCSV(datasetPath)
	if err != nil {
		return err
	}

	modelKinds, err := expandModelTokens(modelTokens)
	if err != nil {
		return err
	}
	methods, err := expandMethodTokens(methodTokens)
	if err != nil {
		return err
	}

	var summaries []report.FitSummary
	anyConverged := false

	for _, kind := range modelKinds {
		model, err := modelspec.ByKind(kind)
		if err != nil {
			return &perr.ModelConfigurationError{Reason: err.Error()}
		}
		for _, method := range methods {
			logrus.Infof("fitting model=%s method=%s", model.Kind, method)
			result, err := fitOne(model, ds, method)
			if err != nil {
				return err
			}
			if result.Converged {
				anyConverged = true
			}

			dir := report.FitDir(outputDir, model.Kind.String(), method)
			ig := integrate.New()
			rep := diagnostics.Compute(ig, model, ds, result)
			pred := diagnostics.PopulationPredictions(ig, model, ds, result.Theta)
			if err := writeArtifacts(dir, model, result, rep, pred); err != nil {
				return err
			}
			summaries = append(summaries, report.FitSummary{
				ModelKind: model.Kind.String(), Method: method,
				AIC: rep.AIC, BIC: rep.BIC, LogLik: result.LogLik, Converged: result.Converged,
			})
		}
	}

	if len(summaries) > 1 || forceCompare {
		if err := report.WriteModelComparison(outputDir, summaries); err != nil {
			return err
		}
	}

	if !anyConverged {
		return noConvergedModelError{}
	}
	return nil
}

func fitOne(model modelspec.Model, ds *data.Dataset, method string) (*estimation.EstimationResult, error) {
	ctx := context.Background()
	switch method {
	case "saem":
		cfg := saem.DefaultConfig()
		if iterations > 0 {
			cfg.KTotal = iterations
		}
		cfg.KBurn = burnIn
		cfg.NChains = chains
		return saem.New(model, ds, cfg).Fit(ctx, ds)
	case "foce", "foce-i":
		cfg := foce.DefaultConfig()
		if iterations > 0 {
			cfg.KOuter = iterations
		}
		cfg.Interaction = method == "foce-i"
		return foce.New(model, ds, cfg).Fit(ctx, ds)
	default:
		return nil, &perr.ModelConfigurationError{Reason: fmt.Sprintf("unrecognized method %q", method)}
	}
}

func writeArtifacts(dir string, model modelspec.Model, result *estimation.EstimationResult, rep diagnostics.Report, pred []estimation.SubjectPrediction) error {
	if err := report.WriteParameterEstimates(dir, result, rep); err != nil {
		return err
	}
	if err := report.WritePredictions(dir, result.Predictions, pred); err != nil {
		return err
	}
	if err := report.WriteDiagnostics(dir, rep); err != nil {
		return err
	}
	if err := report.WriteParameterTrajectory(dir, result.Trajectory); err != nil {
		return err
	}
	if err := report.WriteSummaryReport(dir, result, rep, model.Names); err != nil {
		return err
	}
	return nil
}
