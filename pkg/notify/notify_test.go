package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sonate/pkg/store"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

var now = time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

func TestAlert(t *testing.T) {
	pub := &fakePublisher{}
	n := New(pub, WithClock(func() time.Time { return now }))

	err := n.Alert(context.Background(), store.Alert{
		ID:       "a1",
		TenantID: "acme.eu",
		Type:     "trust_floor",
		Severity: store.SeverityCritical,
		Title:    "Trust below floor",
	})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "sonate.alerts.acme_eu.critical", pub.msgs[0].subject)

	var got Notification
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, KindAlert, got.Kind)
	assert.Equal(t, "acme.eu", got.TenantID)
	require.NotNil(t, got.Alert)
	assert.Equal(t, "a1", got.Alert.ID)
	assert.Equal(t, now, got.Timestamp)
}

func TestNotice(t *testing.T) {
	pub := &fakePublisher{}
	n := New(pub, WithSubjectPrefix("prod."))

	require.NoError(t, n.Notice(context.Background(), "t1", "trust declining"))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "prod.notices.t1", pub.msgs[0].subject)
}

func TestPublishError(t *testing.T) {
	n := New(&fakePublisher{err: errors.New("nats: connection closed")})
	err := n.Notice(context.Background(), "t1", "x")
	assert.ErrorContains(t, err, "connection closed")
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Alert(context.Background(), store.Alert{}))
	assert.NoError(t, n.Notice(context.Background(), "t", "m"))
}

func TestToken(t *testing.T) {
	assert.Equal(t, "_", token(""))
	assert.Equal(t, "a_b_c_d", token("a.b*c>d"))
}
