package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

const version = "2.0.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServe

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "issue":
		return runIssueCmd(args[2:], stdout, stderr)
	case "score":
		return runScoreCmd(args[2:], stdout, stderr)
	case "evaluate":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "verify-chain", "verify":
		return runVerifyChainCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "sonate %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sSONATE Trust Core %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	fmt.Fprintf(w, "%sScore, receipt and govern agent interactions.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  sonate <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "CONTROLLER")
	printCommand(w, "serve", "Run the trust controller (default, --once for one cycle)")
	printCommand(w, "health", "Check controller health (HTTP)")

	printSection(w, "RECEIPTS & SCORING")
	printCommand(w, "score", "Score principle scores (--scores, --history)")
	printCommand(w, "issue", "Issue a signed receipt (--interaction)")
	printCommand(w, "verify-chain", "Verify a session chain (--receipts, --pubkey)")
	printCommand(w, "evaluate", "Evaluate a record against a policy (--policy, --record)")

	printSection(w, "KEY MANAGEMENT")
	printCommand(w, "keygen", "Generate a sealed signing key (--dir, --id)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-13s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	addr := "http://localhost:8081/health"
	if len(args) > 0 {
		addr = args[0]
	}
	resp, err := http.Get(addr) //nolint:gosec // operator-supplied address
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
