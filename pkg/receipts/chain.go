package receipts

import "fmt"

// ChainReport is the result of walking a session's receipts.
type ChainReport struct {
	Valid  bool `json:"valid"`
	Length int  `json:"length"`
	// BrokenAt is the index of the first failing receipt, -1 when valid.
	BrokenAt int    `json:"brokenAt"`
	Reason   string `json:"reason,omitempty"`
}

// VerifySessionChain checks an ordered session chain: each receipt's fields
// must match its SelfHash, every receipt after the first must link to its
// predecessor, and all receipts must belong to one session. When publicKey is
// non-nil every signature is verified as well.
func VerifySessionChain(chain []*TrustReceipt, publicKey []byte) ChainReport {
	report := ChainReport{Valid: true, Length: len(chain), BrokenAt: -1}
	fail := func(i int, format string, args ...any) ChainReport {
		report.Valid = false
		report.BrokenAt = i
		report.Reason = fmt.Sprintf(format, args...)
		return report
	}

	for i, r := range chain {
		if r == nil {
			return fail(i, "receipt is nil")
		}
		if !r.IntegrityOK() {
			return fail(i, "selfHash %s does not match receipt contents", short(r.SelfHash))
		}
		if publicKey != nil && !r.Verify(publicKey) {
			return fail(i, "signature does not verify")
		}
		if i == 0 {
			continue
		}
		prev := chain[i-1]
		if r.SessionID != prev.SessionID {
			return fail(i, "session %q differs from %q", r.SessionID, prev.SessionID)
		}
		if !VerifyChain(prev, r) {
			return fail(i, "previousHash %s does not link to %s", short(r.PreviousHash), short(prev.SelfHash))
		}
	}
	return report
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
