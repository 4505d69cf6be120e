// Package receipts implements the trust receipt ledger: signed, hash-chained
// audit records, one per scored interaction.
//
// A receipt's SelfHash commits to every field except SelfHash and Signature.
// Each receipt names its predecessor's SelfHash in PreviousHash, so a session's
// receipts form a chain in which any retroactive edit is detectable. Receipts
// carry no ambient state: the caller always supplies the previous hash.
package receipts

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/Mindburn-Labs/sonate/pkg/canonicalize"
	"github.com/Mindburn-Labs/sonate/pkg/crypto"
	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

// Version is stamped on every receipt this package creates.
const Version = "2.0.0"

// Mode is the governance mode the interaction ran under.
type Mode string

const (
	ModeConstitutional Mode = "constitutional"
	ModeDirective      Mode = "directive"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// CIQMetrics are the clarity, integrity and quality measurements of an
// interaction, each in [0,1].
type CIQMetrics struct {
	Clarity   float64 `json:"clarity"`
	Integrity float64 `json:"integrity"`
	Quality   float64 `json:"quality"`
}

// ValidationError reports malformed receipt input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("receipts: invalid %s: %s", e.Field, e.Message)
}

// TrustReceipt is an immutable audit record of one scored interaction.
type TrustReceipt struct {
	Version      string                `json:"version"`
	SessionID    string                `json:"sessionId"`
	TimestampMs  int64                 `json:"timestampMs"`
	Mode         Mode                  `json:"mode"`
	CIQMetrics   CIQMetrics            `json:"ciqMetrics"`
	PreviousHash string                `json:"previousHash,omitempty"`
	TenantID     string                `json:"tenantId,omitempty"`
	AgentID      string                `json:"agentId,omitempty"`
	PromptHash   string                `json:"promptHash,omitempty"`
	ResponseHash string                `json:"responseHash,omitempty"`
	Principles   trust.PrincipleScores `json:"principles,omitempty"`
	Metadata     map[string]any        `json:"metadata,omitempty"`
	SessionNonce string                `json:"sessionNonce,omitempty"`
	SelfHash     string                `json:"selfHash"`
	Signature    string                `json:"signature,omitempty"`
}

// body is the hashed projection of a receipt.
type body struct {
	Version      string                `json:"version"`
	SessionID    string                `json:"sessionId"`
	TimestampMs  int64                 `json:"timestampMs"`
	Mode         Mode                  `json:"mode"`
	CIQMetrics   CIQMetrics            `json:"ciqMetrics"`
	PreviousHash string                `json:"previousHash,omitempty"`
	TenantID     string                `json:"tenantId,omitempty"`
	AgentID      string                `json:"agentId,omitempty"`
	PromptHash   string                `json:"promptHash,omitempty"`
	ResponseHash string                `json:"responseHash,omitempty"`
	Principles   trust.PrincipleScores `json:"principles,omitempty"`
	Metadata     map[string]any        `json:"metadata,omitempty"`
	SessionNonce string                `json:"sessionNonce,omitempty"`
}

// Params are the inputs to New.
type Params struct {
	SessionID    string
	Timestamp    time.Time
	Mode         Mode
	CIQ          CIQMetrics
	PreviousHash string
	TenantID     string
	AgentID      string
	// Prompt and Response are hashed, never stored.
	Prompt     any
	Response   any
	Principles trust.PrincipleScores
	Metadata   map[string]any
	// SessionNonce selects bound signing. BindSession generates one when empty.
	SessionNonce string
	BindSession  bool
}

// New builds a receipt and computes its SelfHash.
func New(p Params) (*TrustReceipt, error) {
	if p.SessionID == "" {
		return nil, &ValidationError{Field: "sessionId", Message: "required"}
	}
	mode := p.Mode
	if mode == "" {
		mode = ModeConstitutional
	}
	if mode != ModeConstitutional && mode != ModeDirective {
		return nil, &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", mode)}
	}
	if err := validateCIQ(p.CIQ); err != nil {
		return nil, err
	}
	if p.PreviousHash != "" && !hexDigest.MatchString(p.PreviousHash) {
		return nil, &ValidationError{Field: "previousHash", Message: "must be a lowercase hex SHA-256 digest"}
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	r := &TrustReceipt{
		Version:      Version,
		SessionID:    p.SessionID,
		TimestampMs:  ts.UnixMilli(),
		Mode:         mode,
		CIQMetrics:   p.CIQ,
		PreviousHash: p.PreviousHash,
		TenantID:     p.TenantID,
		AgentID:      p.AgentID,
		Principles:   p.Principles,
		Metadata:     p.Metadata,
		SessionNonce: p.SessionNonce,
	}

	var err error
	if p.Prompt != nil {
		if r.PromptHash, err = canonicalize.ContentHash(p.Prompt); err != nil {
			return nil, &ValidationError{Field: "prompt", Message: err.Error()}
		}
	}
	if p.Response != nil {
		if r.ResponseHash, err = canonicalize.ContentHash(p.Response); err != nil {
			return nil, &ValidationError{Field: "response", Message: err.Error()}
		}
	}
	if r.SessionNonce == "" && p.BindSession {
		if r.SessionNonce, err = newNonce(); err != nil {
			return nil, err
		}
	}

	if r.SelfHash, err = r.ComputeHash(); err != nil {
		return nil, &ValidationError{Field: "receipt", Message: err.Error()}
	}
	return r, nil
}

func validateCIQ(c CIQMetrics) error {
	for name, v := range map[string]float64{"clarity": c.Clarity, "integrity": c.Integrity, "quality": c.Quality} {
		if v < 0 || v > 1 {
			return &ValidationError{Field: "ciqMetrics." + name, Message: fmt.Sprintf("%g outside [0,1]", v)}
		}
	}
	return nil
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("receipts: nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ID is the receipt's storage key: its SelfHash.
func (r *TrustReceipt) ID() string { return r.SelfHash }

// Timestamp returns TimestampMs as a time.Time.
func (r *TrustReceipt) Timestamp() time.Time { return time.UnixMilli(r.TimestampMs).UTC() }

// ComputeHash recomputes the digest of the receipt's current field values.
// It never modifies SelfHash.
func (r *TrustReceipt) ComputeHash() (string, error) {
	return canonicalize.CanonicalHash(body{
		Version:      r.Version,
		SessionID:    r.SessionID,
		TimestampMs:  r.TimestampMs,
		Mode:         r.Mode,
		CIQMetrics:   r.CIQMetrics,
		PreviousHash: r.PreviousHash,
		TenantID:     r.TenantID,
		AgentID:      r.AgentID,
		PromptHash:   r.PromptHash,
		ResponseHash: r.ResponseHash,
		Principles:   r.Principles,
		Metadata:     r.Metadata,
		SessionNonce: r.SessionNonce,
	})
}

// IntegrityOK reports whether the stored SelfHash matches the fields.
func (r *TrustReceipt) IntegrityOK() bool {
	h, err := r.ComputeHash()
	return err == nil && h == r.SelfHash
}

// IsBound reports whether the signature is bound to the session.
func (r *TrustReceipt) IsBound() bool { return r.SessionNonce != "" }

// SigningDigest is what the signature covers: SelfHash, or
// SHA256(SelfHash‖SessionID‖SessionNonce) for session-bound receipts.
func (r *TrustReceipt) SigningDigest() []byte {
	if r.IsBound() {
		return []byte(canonicalize.HashConcat(r.SelfHash, r.SessionID, r.SessionNonce))
	}
	return []byte(r.SelfHash)
}

// Sign signs the receipt with an Ed25519 private key.
func (r *TrustReceipt) Sign(privateKey []byte) error {
	sig, err := crypto.Sign(r.SigningDigest(), privateKey)
	if err != nil {
		return err
	}
	r.Signature = hex.EncodeToString(sig)
	return nil
}

// SignWith signs the receipt through s.
func (r *TrustReceipt) SignWith(s crypto.Signer) error {
	sig, err := s.Sign(r.SigningDigest())
	if err != nil {
		return err
	}
	r.Signature = hex.EncodeToString(sig)
	return nil
}

// Verify checks the signature against publicKey. An unsigned receipt verifies false.
func (r *TrustReceipt) Verify(publicKey []byte) bool {
	if r == nil || r.Signature == "" {
		return false
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false
	}
	return crypto.Verify(sig, r.SigningDigest(), publicKey)
}

// VerifyChain reports whether b directly follows a.
func VerifyChain(a, b *TrustReceipt) bool {
	if a == nil || b == nil || b.PreviousHash == "" {
		return false
	}
	return b.PreviousHash == a.SelfHash
}

// Marshal serializes r. SelfHash and Signature are written as-is.
func (r *TrustReceipt) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON reconstructs a receipt from storage or transit. The supplied
// SelfHash is kept verbatim; recomputing it here would hide tampering.
// Use IntegrityOK to compare it with the fields.
func FromJSON(data []byte) (*TrustReceipt, error) {
	var r TrustReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("receipts: decode: %w", err)
	}
	if r.SelfHash == "" {
		return nil, &ValidationError{Field: "selfHash", Message: "required"}
	}
	if r.SessionID == "" {
		return nil, &ValidationError{Field: "sessionId", Message: "required"}
	}
	return &r, nil
}
