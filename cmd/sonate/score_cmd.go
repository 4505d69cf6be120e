package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

// runScoreCmd implements `sonate score`. Scores are a JSON object of
// principle -> 0..10; --history is a JSON array of such objects and turns on
// probabilistic refinement.
//
// Exit codes:
//
//	0 = scored, no violations
//	1 = scored, with violations
//	2 = bad arguments or input
func runScoreCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("score", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		scoresPath  string
		historyPath string
		jsonOutput  bool
	)
	cmd.StringVar(&scoresPath, "scores", "", "Path to principle scores JSON (REQUIRED, - for stdin)")
	cmd.StringVar(&historyPath, "history", "", "Path to a JSON array of prior principle scores")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if scoresPath == "" {
		fmt.Fprintln(stderr, "Error: --scores is required")
		cmd.Usage()
		return 2
	}

	var scores trust.PrincipleScores
	if err := readJSONFile(scoresPath, &scores); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := trust.ValidateScores(scores); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var history []trust.PrincipleScores
	if historyPath != "" {
		if err := readJSONFile(historyPath, &history); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	score, refined := trust.ScoreInteraction(scores, history)

	if jsonOutput {
		out := map[string]any{
			"score":  score,
			"status": trust.GetTrustStatus(score),
		}
		if refined != nil {
			out["probabilistic"] = refined
		}
		writeJSON(stdout, out)
	} else {
		fmt.Fprintf(stdout, "Overall: %s%.2f%s (%s)\n", ColorBold, score.Overall, ColorReset, trust.GetTrustStatus(score))
		for _, p := range trust.Principles {
			fmt.Fprintf(stdout, "  %-24s %5.2f\n", p, score.Principles.Get(p))
		}
		if refined != nil {
			fmt.Fprintf(stdout, "Refined:  %.2f [%.2f, %.2f] (%s confidence)\n",
				refined.PosteriorMean, refined.Confidence.Interval.Lower, refined.Confidence.Interval.Upper, refined.Confidence.Level)
		}
		if score.HasViolations() {
			fmt.Fprintf(stdout, "%sViolations:%s %v\n", ColorRed, ColorReset, score.Violations)
		}
	}

	if score.HasViolations() {
		return 1
	}
	return 0
}

// readJSONFile decodes path, or stdin when path is "-", into v.
func readJSONFile(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
