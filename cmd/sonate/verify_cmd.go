package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/sonate/pkg/receipts"
)

// runVerifyChainCmd implements `sonate verify-chain`.
//
// The input is a JSON array of receipts in chain order. Each element is
// decoded with receipts.FromJSON so stored hashes are checked, not
// recomputed. With --pubkey every signature is verified as well.
//
// Exit codes:
//
//	0 = chain valid
//	1 = chain broken
//	2 = bad arguments or unreadable input
func runVerifyChainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		receiptsPath string
		pubKeyHex    string
		jsonOutput   bool
	)
	cmd.StringVar(&receiptsPath, "receipts", "", "Path to a JSON array of receipts (REQUIRED, - for stdin)")
	cmd.StringVar(&pubKeyHex, "pubkey", "", "Hex Ed25519 public key to verify signatures against")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if receiptsPath == "" {
		fmt.Fprintln(stderr, "Error: --receipts is required")
		cmd.Usage()
		return 2
	}

	var pub []byte
	if pubKeyHex != "" {
		var err error
		if pub, err = hex.DecodeString(pubKeyHex); err != nil {
			fmt.Fprintf(stderr, "Error: --pubkey: %v\n", err)
			return 2
		}
	}

	chain, err := readChain(receiptsPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := receipts.VerifySessionChain(chain, pub)

	if jsonOutput {
		writeJSON(stdout, report)
	} else if report.Valid {
		fmt.Fprintf(stdout, "%s✓%s Chain valid (%d receipts", ColorGreen, ColorReset, report.Length)
		if pub != nil {
			fmt.Fprint(stdout, ", signatures verified")
		}
		fmt.Fprintln(stdout, ")")
	} else {
		fmt.Fprintf(stdout, "%s✗%s Chain broken at receipt %d of %d: %s\n",
			ColorRed, ColorReset, report.BrokenAt, report.Length, report.Reason)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func readChain(path string) ([]*receipts.TrustReceipt, error) {
	var raw []json.RawMessage
	if err := readJSONFile(path, &raw); err != nil {
		return nil, err
	}
	chain := make([]*receipts.TrustReceipt, 0, len(raw))
	for i, msg := range raw {
		r, err := receipts.FromJSON(msg)
		if err != nil {
			return nil, fmt.Errorf("receipt %d: %w", i, err)
		}
		chain = append(chain, r)
	}
	return chain, nil
}
