package receipts

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sonate/pkg/canonicalize"
	"github.com/Mindburn-Labs/sonate/pkg/crypto"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func mustKeys(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func mustNew(t *testing.T, p Params) *TrustReceipt {
	t.Helper()
	if p.SessionID == "" {
		p.SessionID = "sess-1"
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = t0
	}
	r, err := New(p)
	require.NoError(t, err)
	return r
}

func TestNew_Defaults(t *testing.T) {
	r := mustNew(t, Params{CIQ: CIQMetrics{Clarity: 1, Integrity: 0.5, Quality: 0}})
	assert.Equal(t, Version, r.Version)
	assert.Equal(t, ModeConstitutional, r.Mode)
	assert.Equal(t, t0.UnixMilli(), r.TimestampMs)
	assert.Len(t, r.SelfHash, 64)
	assert.Equal(t, r.SelfHash, r.ID())
	assert.Empty(t, r.Signature)
	assert.True(t, r.IntegrityOK())
	assert.False(t, r.IsBound())
}

func TestNew_Validation(t *testing.T) {
	cases := map[string]Params{
		"sessionId":            {},
		"mode":                 {SessionID: "s", Mode: "chaotic"},
		"ciqMetrics.clarity":   {SessionID: "s", CIQ: CIQMetrics{Clarity: 1.1}},
		"ciqMetrics.integrity": {SessionID: "s", CIQ: CIQMetrics{Integrity: -0.1}},
		"previousHash":         {SessionID: "s", PreviousHash: "not-a-digest"},
	}
	for field, p := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := New(p)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, field, verr.Field)
		})
	}
}

func TestSelfHashExcludesSelfHashAndSignature(t *testing.T) {
	kp := mustKeys(t)
	r := mustNew(t, Params{})
	before := r.SelfHash
	require.NoError(t, r.Sign(kp.PrivateKey))

	h, err := r.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, before, h)

	r.SelfHash = strings.Repeat("0", 64)
	h, err = r.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, before, h)
	assert.False(t, r.IntegrityOK())
}

func TestPromptAndResponseAreHashedNotStored(t *testing.T) {
	r := mustNew(t, Params{Prompt: "What is  2+2?", Response: "4"})
	want, err := canonicalize.ContentHash("What is 2+2?")
	require.NoError(t, err)
	assert.Equal(t, want, r.PromptHash)
	assert.NotEmpty(t, r.ResponseHash)

	raw, err := r.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "2+2")
}

func TestSignVerify(t *testing.T) {
	kp := mustKeys(t)
	other := mustKeys(t)
	r := mustNew(t, Params{})

	assert.False(t, r.Verify(kp.PublicKey), "unsigned receipt must not verify")
	require.NoError(t, r.Sign(kp.PrivateKey))
	assert.True(t, r.Verify(kp.PublicKey))
	assert.False(t, r.Verify(other.PublicKey))

	r.Signature = "zz"
	assert.False(t, r.Verify(kp.PublicKey))
}

func TestSign_InvalidKey(t *testing.T) {
	r := mustNew(t, Params{})
	err := r.Sign(nil)
	var cerr *crypto.CryptographicError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "high", cerr.Severity())
	assert.Empty(t, r.Signature)
}

func TestBoundSigning(t *testing.T) {
	kp := mustKeys(t)
	r := mustNew(t, Params{BindSession: true})
	require.True(t, r.IsBound())
	assert.Len(t, r.SessionNonce, 32)
	require.NoError(t, r.Sign(kp.PrivateKey))
	assert.True(t, r.Verify(kp.PublicKey))

	// The bound signature does not cover the bare selfHash.
	sig := mustDecode(t, r.Signature)
	assert.False(t, crypto.Verify(sig, []byte(r.SelfHash), kp.PublicKey))

	// Replaying the signature on another session's receipt with the same
	// content fails.
	replay := *r
	replay.SessionID = "sess-other"
	assert.False(t, replay.Verify(kp.PublicKey))
}

func TestSignWith(t *testing.T) {
	kp := mustKeys(t)
	r := mustNew(t, Params{SessionNonce: "abc"})
	require.NoError(t, r.SignWith(crypto.NewEd25519Signer("k1", kp)))
	assert.True(t, r.Verify(kp.PublicKey))
}

func TestVerifyChain(t *testing.T) {
	a := mustNew(t, Params{})
	b := mustNew(t, Params{PreviousHash: a.SelfHash, Timestamp: t0.Add(time.Second)})
	c := mustNew(t, Params{PreviousHash: b.SelfHash, Timestamp: t0.Add(2 * time.Second)})

	assert.True(t, VerifyChain(a, b))
	assert.True(t, VerifyChain(b, c))
	assert.False(t, VerifyChain(a, c))
	assert.False(t, VerifyChain(b, a), "a chain head has no predecessor")
	assert.False(t, VerifyChain(nil, b))
}

func TestFromJSON_PreservesSuppliedHash(t *testing.T) {
	kp := mustKeys(t)
	r := mustNew(t, Params{AgentID: "a"})
	require.NoError(t, r.Sign(kp.PrivateKey))
	raw, err := r.Marshal()
	require.NoError(t, err)

	forged := strings.Replace(string(raw), r.SelfHash, strings.Repeat("f", 64), 1)
	got, err := FromJSON([]byte(forged))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("f", 64), got.SelfHash)
	assert.False(t, got.IntegrityOK())
	assert.False(t, got.Verify(kp.PublicKey))

	_, err = FromJSON([]byte(`{"sessionId":"s"}`))
	require.Error(t, err)
	_, err = FromJSON([]byte(`{`))
	require.Error(t, err)
}

func TestVerifySessionChain(t *testing.T) {
	kp := mustKeys(t)
	var chain []*TrustReceipt
	prev := ""
	for i := 0; i < 4; i++ {
		r := mustNew(t, Params{PreviousHash: prev, Timestamp: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, r.Sign(kp.PrivateKey))
		chain = append(chain, r)
		prev = r.SelfHash
	}

	rep := VerifySessionChain(chain, kp.PublicKey)
	assert.True(t, rep.Valid)
	assert.Equal(t, 4, rep.Length)
	assert.Equal(t, -1, rep.BrokenAt)

	chain[2].Metadata = map[string]any{"edited": true}
	rep = VerifySessionChain(chain, kp.PublicKey)
	assert.False(t, rep.Valid)
	assert.Equal(t, 2, rep.BrokenAt)

	chain[2].Metadata = nil
	chain[1], chain[2] = chain[2], chain[1]
	rep = VerifySessionChain(chain, nil)
	assert.False(t, rep.Valid)
	assert.Equal(t, 1, rep.BrokenAt)
	assert.Contains(t, rep.Reason, "previousHash")

	assert.True(t, VerifySessionChain(nil, nil).Valid)
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
