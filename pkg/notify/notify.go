// Package notify fans alerts and notices out over NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Mindburn-Labs/sonate/pkg/store"
)

// DefaultSubjectPrefix is prepended to every published subject.
const DefaultSubjectPrefix = "sonate"

// Publisher is the subset of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Kind of a notification.
type Kind string

const (
	KindAlert  Kind = "alert"
	KindNotice Kind = "notice"
)

// Notification is the message body published to NATS.
type Notification struct {
	Kind      Kind         `json:"kind"`
	TenantID  string       `json:"tenantId"`
	Alert     *store.Alert `json:"alert,omitempty"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Notifier publishes notifications. A nil *Notifier discards everything, so
// callers may hold one unconditionally.
type Notifier struct {
	pub    Publisher
	prefix string
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(p string) Option {
	return func(n *Notifier) { n.prefix = strings.TrimSuffix(p, ".") }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(n *Notifier) { n.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// New creates a Notifier publishing through pub.
func New(pub Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		pub:    pub,
		prefix: DefaultSubjectPrefix,
		clock:  time.Now,
		logger: slog.Default().With("component", "notify"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Connect dials NATS at url. The returned connection reconnects forever; the
// caller drains it on shutdown.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", url, err)
	}
	return nc, nil
}

// AlertSubject is the subject an alert is published on:
// <prefix>.alerts.<tenant>.<severity>.
func (n *Notifier) AlertSubject(tenantID string, sev store.Severity) string {
	return strings.Join([]string{n.prefix, "alerts", token(tenantID), token(string(sev))}, ".")
}

// NoticeSubject is the subject a notice is published on:
// <prefix>.notices.<tenant>.
func (n *Notifier) NoticeSubject(tenantID string) string {
	return strings.Join([]string{n.prefix, "notices", token(tenantID)}, ".")
}

// Alert publishes a.
func (n *Notifier) Alert(ctx context.Context, a store.Alert) error {
	if n == nil {
		return nil
	}
	return n.publish(ctx, n.AlertSubject(a.TenantID, a.Severity), Notification{
		Kind:      KindAlert,
		TenantID:  a.TenantID,
		Alert:     &a,
		Timestamp: n.clock().UTC(),
	})
}

// Notice publishes a free-form message for tenantID.
func (n *Notifier) Notice(ctx context.Context, tenantID, message string) error {
	if n == nil {
		return nil
	}
	return n.publish(ctx, n.NoticeSubject(tenantID), Notification{
		Kind:      KindNotice,
		TenantID:  tenantID,
		Message:   message,
		Timestamp: n.clock().UTC(),
	})
}

func (n *Notifier) publish(ctx context.Context, subject string, msg Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if err := n.pub.Publish(subject, data); err != nil {
		n.logger.WarnContext(ctx, "publish failed", "subject", subject, "error", err)
		return fmt.Errorf("notify: publish %s: %w", subject, err)
	}
	n.logger.DebugContext(ctx, "published", "subject", subject, "kind", msg.Kind)
	return nil
}

// token makes s safe as a single NATS subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
