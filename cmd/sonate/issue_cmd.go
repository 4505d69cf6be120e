package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/sonate/pkg/config"
	"github.com/Mindburn-Labs/sonate/pkg/receipts"
	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

// interactionFile is the on-disk form of one interaction to receipt.
type interactionFile struct {
	SessionID string                  `json:"sessionId"`
	TenantID  string                  `json:"tenantId"`
	AgentID   string                  `json:"agentId"`
	Mode      receipts.Mode           `json:"mode"`
	CIQ       receipts.CIQMetrics     `json:"ciqMetrics"`
	Prompt    any                     `json:"prompt"`
	Response  any                     `json:"response"`
	Scores    trust.PrincipleScores   `json:"scores"`
	History   []trust.PrincipleScores `json:"history"`
	Metadata  map[string]any          `json:"metadata"`
	Bind      bool                    `json:"bind"`
}

// runIssueCmd implements `sonate issue`: the interaction is scored, chained
// onto its session in the configured store and signed with the configured key.
//
// Exit codes:
//
//	0 = receipt issued
//	1 = issuing failed
//	2 = bad arguments or input
func runIssueCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("issue", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var interactionPath string
	cmd.StringVar(&interactionPath, "interaction", "", "Path to interaction JSON (REQUIRED, - for stdin)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if interactionPath == "" {
		fmt.Fprintln(stderr, "Error: --interaction is required")
		cmd.Usage()
		return 2
	}

	var in interactionFile
	if err := readJSONFile(interactionPath, &in); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if in.Mode == "" {
		in.Mode = receipts.ModeConstitutional
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(cfg, stderr)
	ctx := context.Background()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	signer, err := loadSigner(cfg.KeyDir, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	opts := []receipts.IssuerOption{receipts.WithLogger(logger)}
	archive, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if archive != nil {
		opts = append(opts, receipts.WithArchiver(archive))
	}

	issued, err := receipts.NewIssuer(st.receipts, signer, opts...).Issue(ctx, receipts.Interaction{
		SessionID: in.SessionID,
		TenantID:  in.TenantID,
		AgentID:   in.AgentID,
		Mode:      in.Mode,
		CIQ:       in.CIQ,
		Prompt:    in.Prompt,
		Response:  in.Response,
		Scores:    in.Scores,
		History:   in.History,
		Metadata:  in.Metadata,
		Bind:      in.Bind,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	writeJSON(stdout, issued)
	return 0
}
