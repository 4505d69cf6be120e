package brain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/sonate/pkg/notify"
	"github.com/Mindburn-Labs/sonate/pkg/receipts"
	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

type publisher struct {
	mu       sync.Mutex
	subjects []string
	messages []notify.Notification
}

func (p *publisher) Publish(subject string, data []byte) error {
	var n notify.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.messages = append(p.messages, n)
	return nil
}

func (p *publisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

var receiptSeq int

// receipt builds a stored-form receipt with overall trust v.
func receipt(tenant, agent string, v float64) *receipts.TrustReceipt {
	receiptSeq++
	return &receipts.TrustReceipt{
		Version:   receipts.Version,
		SessionID: "s-" + tenant,
		TenantID:  tenant,
		AgentID:   agent,
		Mode:      receipts.ModeConstitutional,
		Metadata:  map[string]any{"overall": v},
		SelfHash:  fmt.Sprintf("%064x", receiptSeq),
	}
}

func uniformScores(v float64) trust.PrincipleScores {
	s := make(trust.PrincipleScores)
	for _, p := range trust.Principles {
		s[p] = v
	}
	return s
}
