// config-preflight loads and validates a config file the way the daemon
// would, without touching the environment overlay or writing anything
// back. Fatal findings fail the gate.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"elias/app/configs"
)

type report struct {
	ConfigPath string            `json:"config_path"`
	UsedConfig bool              `json:"used_config"`
	Findings   []configs.Finding `json:"findings"`
	Gate       gate              `json:"gate"`
}

type gate struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures"`
}

func evaluate(configPath string, allowMissing bool) (report, error) {
	rep := report{ConfigPath: configPath}

	cfg, err := configs.LoadConfigFile(configPath)
	switch {
	case err == nil:
		rep.UsedConfig = true
	case os.IsNotExist(err) && allowMissing:
		cfg = configs.DefaultConfig()
	default:
		return report{}, fmt.Errorf("load %s: %w", configPath, err)
	}

	rep.Findings = configs.Validate(cfg)
	rep.Gate.Passed = true
	for _, f := range rep.Findings {
		if f.Level == "fatal" {
			rep.Gate.Passed = false
			rep.Gate.Failures = append(rep.Gate.Failures, f.Msg)
		}
	}
	return rep, nil
}

func main() {
	configPath := flag.String("config", filepath.Join("config", "config.json"), "path to runtime config json")
	outputPath := flag.String("output", "-", "path to write the findings report (use - for stdout)")
	allowMissingConfig := flag.Bool("allow-missing-config", true, "validate built-in defaults when the config path is missing")
	flag.Parse()

	rep, err := evaluate(*configPath, *allowMissingConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config preflight failed: %v\n", err)
		os.Exit(2)
	}

	payload, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config preflight failed: marshal report: %v\n", err)
		os.Exit(2)
	}
	payload = append(payload, '\n')

	if *outputPath == "-" {
		if _, err := os.Stdout.Write(payload); err != nil {
			fmt.Fprintf(os.Stderr, "config preflight failed: write stdout: %v\n", err)
			os.Exit(2)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(*outputPath), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "config preflight failed: create output directory: %v\n", err)
			os.Exit(2)
		}
		if err := os.WriteFile(*outputPath, payload, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "config preflight failed: write report: %v\n", err)
			os.Exit(2)
		}
	}

	if !rep.Gate.Passed {
		fmt.Fprintf(os.Stderr, "config preflight gate failed (%d fatal finding(s))\n", len(rep.Gate.Failures))
		for _, failure := range rep.Gate.Failures {
			fmt.Fprintf(os.Stderr, " - %s\n", failure)
		}
		os.Exit(1)
	}

	fmt.Printf("config preflight gate passed; %d finding(s)\n", len(rep.Findings))
}
