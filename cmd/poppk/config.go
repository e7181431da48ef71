package main

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	"poppk/internal/perr"
)

// FileConfig mirrors the root command's flags for batch runs driven by a
// YAML file instead of (or alongside) the command line, spec §6's optional
// --config surface. Grounded on inference-sim's cmd/default_config.go,
// which decodes its own YAML config with strict field checking so a typo'd
// key fails loudly rather than silently being ignored.
type FileConfig struct {
	Dataset    string   `yaml:"dataset"`
	Models     []string `yaml:"models"`
	Methods    []string `yaml:"methods"`
	Output     string   `yaml:"output"`
	Iterations int      `yaml:"iterations"`
	BurnIn     int      `yaml:"burn_in"`
	Chains     int      `yaml:"chains"`
	Compare    bool     `yaml:"compare"`
}

// loadFileConfig reads and strictly decodes path into a FileConfig,
// rejecting unknown keys (inference-sim's R10 pattern) so a misspelled
// field is reported rather than ignored.
func loadFileConfig(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, &perr.ModelConfigurationError{Reason: "reading --config file: " + err.Error()}
	}
	var cfg FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return FileConfig{}, &perr.ModelConfigurationError{Reason: "parsing --config file: " + err.Error()}
	}
	return cfg, nil
}

// applyFileConfig fills any flag the user did not explicitly set on the
// command line from cfg, so an explicit flag always wins over the file
// (cmd.Flags().Changed mirrors how cobra itself distinguishes a default
// from a user-supplied value).
func applyFileConfig(cmd interface{ Changed(string) bool }, cfg FileConfig) {
	if !cmd.Changed("dataset") && cfg.Dataset != "" {
		datasetPath = cfg.Dataset
	}
	if !cmd.Changed("model") && len(cfg.Models) > 0 {
		modelTokens = cfg.Models
	}
	if !cmd.Changed("method") && len(cfg.Methods) > 0 {
		methodTokens = cfg.Methods
	}
	if !cmd.Changed("output") && cfg.Output != "" {
		outputDir = cfg.Output
	}
	if !cmd.Changed("iterations") && cfg.Iterations > 0 {
		iterations = cfg.Iterations
	}
	if !cmd.Changed("burn-in") && cfg.BurnIn > 0 {
		burnIn = cfg.BurnIn
	}
	if !cmd.Changed("chains") && cfg.Chains > 0 {
		chains = cfg.Chains
	}
	if !cmd.Changed("compare") && cfg.Compare {
		forceCompare = cfg.Compare
	}
}
