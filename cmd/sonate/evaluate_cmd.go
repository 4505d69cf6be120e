package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/sonate/pkg/policy"
)

// runEvaluateCmd implements `sonate evaluate`: one policy document against
// one JSON record.
//
// Exit codes:
//
//	0 = policy passed
//	1 = one or more rules failed
//	2 = bad arguments, unreadable or invalid policy
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policyPath string
		recordPath string
		jsonOutput bool
	)
	cmd.StringVar(&policyPath, "policy", "", "Path to policy document, .json/.yaml/.yml (REQUIRED)")
	cmd.StringVar(&recordPath, "record", "", "Path to record JSON (REQUIRED, - for stdin)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if policyPath == "" || recordPath == "" {
		fmt.Fprintln(stderr, "Error: --policy and --record are required")
		cmd.Usage()
		return 2
	}

	format, ok := policy.FormatFromPath(policyPath)
	if !ok {
		fmt.Fprintf(stderr, "Error: cannot infer policy format from %s\n", policyPath)
		return 2
	}
	data, err := os.ReadFile(policyPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	pol, err := policy.Parse(data, format)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var record policy.Record
	if err := readJSONFile(recordPath, &record); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ev := policy.Evaluate(record, pol)

	if jsonOutput {
		writeJSON(stdout, ev)
	} else {
		mark, color := "✓", ColorGreen
		if !ev.Passed {
			mark, color = "✗", ColorRed
		}
		fmt.Fprintf(stdout, "%s%s%s %s@%s: %s\n", color, mark, ColorReset, ev.PolicyID, ev.PolicyVersion, ev.Explanation)
		for _, f := range ev.Flags {
			fmt.Fprintf(stdout, "  [%s/%s] %s: %s\n", f.Severity, f.Action, f.RuleID, f.Message)
		}
	}

	if !ev.Passed {
		return 1
	}
	return 0
}
