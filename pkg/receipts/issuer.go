package receipts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/sonate/pkg/crypto"
	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

// ReceiptStore persists receipts. LastForSession returns (nil, nil) for a
// session with no receipts yet.
type ReceiptStore interface {
	Append(ctx context.Context, r *TrustReceipt) error
	LastForSession(ctx context.Context, sessionID string) (*TrustReceipt, error)
}

// Archiver copies a finished receipt to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, r *TrustReceipt) error
}

// Interaction is one scored exchange to be recorded.
type Interaction struct {
	SessionID string
	TenantID  string
	AgentID   string
	Mode      Mode
	CIQ       CIQMetrics
	Prompt    any
	Response  any
	Scores    trust.PrincipleScores
	// History enables probabilistic refinement when non-empty.
	History  []trust.PrincipleScores
	Metadata map[string]any
	// Bind produces a session-bound signature.
	Bind bool
}

// Issued is the outcome of Issuer.Issue.
type Issued struct {
	Receipt *TrustReceipt                  `json:"receipt"`
	Score   trust.TrustScore               `json:"score"`
	Refined *trust.ProbabilisticTrustScore `json:"refined,omitempty"`
}

// Issuer scores interactions and appends signed receipts to each session's chain.
type Issuer struct {
	store    ReceiptStore
	signer   crypto.Signer
	archiver Archiver
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionLock
}

// sessionLock serializes issues for one session. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithArchiver copies every issued receipt to a.
func WithArchiver(a Archiver) IssuerOption {
	return func(i *Issuer) { i.archiver = a }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) IssuerOption {
	return func(i *Issuer) { i.logger = l }
}

// WithClock overrides the wall clock (for testing).
func WithClock(clock func() time.Time) IssuerOption {
	return func(i *Issuer) { i.clock = clock }
}

// NewIssuer creates an Issuer.
func NewIssuer(store ReceiptStore, signer crypto.Signer, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		store:    store,
		signer:   signer,
		logger:   slog.Default().With("component", "receipts"),
		clock:    time.Now,
		sessions: make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// lockSession locks the session and returns its unlock func.
func (i *Issuer) lockSession(id string) func() {
	i.mu.Lock()
	l, ok := i.sessions[id]
	if !ok {
		l = &sessionLock{}
		i.sessions[id] = l
	}
	l.refs++
	i.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		i.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(i.sessions, id)
		}
		i.mu.Unlock()
	}
}

// Issue scores in, links the receipt to the session's last receipt, signs it
// and stores it. Issues for the same session are serialized so the chain
// never forks.
func (i *Issuer) Issue(ctx context.Context, in Interaction) (*Issued, error) {
	if in.SessionID == "" {
		return nil, &ValidationError{Field: "sessionId", Message: "required"}
	}
	if err := trust.ValidateScores(in.Scores); err != nil {
		return nil, &ValidationError{Field: "scores", Message: err.Error()}
	}

	score, refined := trust.ScoreInteraction(in.Scores, in.History)

	unlock := i.lockSession(in.SessionID)
	defer unlock()

	prev, err := i.store.LastForSession(ctx, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("receipts: load chain head: %w", err)
	}
	prevHash := ""
	if prev != nil {
		prevHash = prev.SelfHash
	}

	meta := make(map[string]any, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	meta["overall"] = score.Overall
	meta["status"] = string(trust.GetTrustStatus(score))

	r, err := New(Params{
		SessionID:    in.SessionID,
		Timestamp:    i.clock(),
		Mode:         in.Mode,
		CIQ:          in.CIQ,
		PreviousHash: prevHash,
		TenantID:     in.TenantID,
		AgentID:      in.AgentID,
		Prompt:       in.Prompt,
		Response:     in.Response,
		Principles:   score.Principles,
		Metadata:     meta,
		BindSession:  in.Bind,
	})
	if err != nil {
		return nil, err
	}
	if err := r.SignWith(i.signer); err != nil {
		return nil, fmt.Errorf("receipts: sign: %w", err)
	}
	if err := i.store.Append(ctx, r); err != nil {
		return nil, fmt.Errorf("receipts: store: %w", err)
	}

	if i.archiver != nil {
		if err := i.archiver.Archive(ctx, r); err != nil {
			// The ledger copy is authoritative.
			i.logger.WarnContext(ctx, "receipt archive failed",
				"session_id", r.SessionID, "receipt_id", r.ID(), "error", err)
		}
	}

	i.logger.InfoContext(ctx, "receipt issued",
		"session_id", r.SessionID,
		"receipt_id", r.ID(),
		"key_id", i.signer.KeyID(),
		"overall", score.Overall,
		"violations", len(score.Violations),
		"bound", r.IsBound(),
	)
	return &Issued{Receipt: r, Score: score, Refined: refined}, nil
}
