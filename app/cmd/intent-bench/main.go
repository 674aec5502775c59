// intent-bench replays a JSONL corpus of {"text": ..., "want": ...}
// lines through the rule stages of the classifier (no model call) and
// reports per-intent match counts and disagreements. Used to tune rule
// order offline before touching the registered rule list.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"elias/app/core/orchestrator/intent"
	"elias/app/pkg/types"
)

type corpusLine struct {
	Text string `json:"text"`
	Want string `json:"want"`
}

type disagreement struct {
	Text string `json:"text"`
	Want string `json:"want"`
	Got  string `json:"got"`
}

type report struct {
	Total         int            `json:"total"`
	Matched       int            `json:"matched"`
	Accuracy      float64        `json:"accuracy"`
	ByIntent      map[string]int `json:"matched_by_intent"`
	Disagreements []disagreement `json:"disagreements,omitempty"`
	Gate          gate           `json:"gate"`
}

type gate struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures"`
}

func evaluate(r io.Reader, minAccuracy float64) (report, error) {
	classifier := intent.NewClassifier(nil, intent.Options{})
	rep := report{ByIntent: make(map[string]int)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var line corpusLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return report{}, fmt.Errorf("corpus line %d: %w", lineNo, err)
		}
		if strings.TrimSpace(line.Text) == "" {
			return report{}, fmt.Errorf("corpus line %d: empty text", lineNo)
		}

		rep.Total++
		got := classifier.Classify(context.Background(), line.Text, nil)
		if string(got.Kind) == line.Want {
			rep.Matched++
			rep.ByIntent[line.Want]++
			continue
		}
		rep.Disagreements = append(rep.Disagreements, disagreement{
			Text: line.Text,
			Want: line.Want,
			Got:  string(got.Kind),
		})
	}
	if err := scanner.Err(); err != nil {
		return report{}, fmt.Errorf("read corpus: %w", err)
	}
	if rep.Total == 0 {
		return report{}, fmt.Errorf("corpus is empty")
	}

	rep.Accuracy = float64(rep.Matched) / float64(rep.Total)
	rep.Gate.Passed = true
	if rep.Accuracy < minAccuracy {
		rep.Gate.Passed = false
		rep.Gate.Failures = append(rep.Gate.Failures,
			fmt.Sprintf("accuracy %.2f below required %.2f (%d/%d matched)", rep.Accuracy, minAccuracy, rep.Matched, rep.Total))
	}
	return rep, nil
}

// knownIntents guards the corpus against typos in the want column.
func validateWants(rep report) []string {
	known := map[string]bool{
		string(types.IntentCreateTask):    true,
		string(types.IntentQueryTasks):    true,
		string(types.IntentQueryProjects): true,
		string(types.IntentHelp):          true,
		string(types.IntentUnknown):       true,
	}
	var bad []string
	seen := map[string]bool{}
	for _, d := range rep.Disagreements {
		if !known[d.Want] && !seen[d.Want] {
			seen[d.Want] = true
			bad = append(bad, d.Want)
		}
	}
	return bad
}

func main() {
	corpusPath := flag.String("corpus", filepath.Join("config", "intent-corpus.jsonl"), "path to the intent corpus jsonl")
	outputPath := flag.String("output", "-", "path to write the benchmark report (use - for stdout)")
	minAccuracy := flag.Float64("min-accuracy", 0, "fail the gate when rule accuracy drops below this fraction")
	flag.Parse()

	file, err := os.Open(*corpusPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "intent benchmark failed: %v\n", err)
		os.Exit(2)
	}
	defer file.Close()

	rep, err := evaluate(file, *minAccuracy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "intent benchmark failed: %v\n", err)
		os.Exit(2)
	}
	if bad := validateWants(rep); len(bad) > 0 {
		fmt.Fprintf(os.Stderr, "intent benchmark: unknown want value(s) in corpus: %s\n", strings.Join(bad, ", "))
	}

	payload, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "intent benchmark failed: marshal report: %v\n", err)
		os.Exit(2)
	}
	payload = append(payload, '\n')

	if *outputPath == "-" {
		if _, err := os.Stdout.Write(payload); err != nil {
			fmt.Fprintf(os.Stderr, "intent benchmark failed: write stdout: %v\n", err)
			os.Exit(2)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(*outputPath), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "intent benchmark failed: create output directory: %v\n", err)
			os.Exit(2)
		}
		if err := os.WriteFile(*outputPath, payload, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "intent benchmark failed: write report: %v\n", err)
			os.Exit(2)
		}
	}

	if !rep.Gate.Passed {
		fmt.Fprintf(os.Stderr, "intent benchmark gate failed; %d disagreement(s)\n", len(rep.Disagreements))
		for _, failure := range rep.Gate.Failures {
			fmt.Fprintf(os.Stderr, " - %s\n", failure)
		}
		os.Exit(1)
	}

	fmt.Printf("intent benchmark gate passed; %d/%d matched\n", rep.Matched, rep.Total)
}
