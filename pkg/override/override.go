// Package override manages human-authorized, time-bounded exceptions to
// trust decisions.
//
// An override names the receipt and agent it applies to, who authorized it
// and why. Overrides are immutable once created; the only mutation is
// revocation, which deletes the record.
package override

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

// ErrNotFound is returned when no override has the requested id.
var ErrNotFound = errors.New("override: not found")

// Override is an authorized exception to a trust decision.
type Override struct {
	ID                string            `json:"id"`
	ReceiptID         string            `json:"receiptId"`
	AgentID           string            `json:"agentId"`
	AuthorizedBy      string            `json:"authorizedBy"`
	AuthorizedAt      time.Time         `json:"authorizedAt"`
	Reason            string            `json:"reason"`
	ExpiresAt         *time.Time        `json:"expiresAt,omitempty"`
	PrinciplesApplied []trust.Principle `json:"principlesApplied,omitempty"`
}

// ValidAt reports whether o is in force at now: it has no expiry, or the
// expiry is still ahead.
func (o *Override) ValidAt(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// Request is the input to Manager.Create.
type Request struct {
	ReceiptID         string            `json:"receiptId" validate:"required"`
	AgentID           string            `json:"agentId" validate:"required"`
	Reason            string            `json:"reason" validate:"required,min=10"`
	AuthorizedBy      string            `json:"authorizedBy" validate:"required"`
	ExpiresAt         *time.Time        `json:"expiresAt,omitempty"`
	PrinciplesApplied []trust.Principle `json:"principlesApplied,omitempty"`

	// Token is an optional authorizer token. When the manager has an
	// Authorizer, the token subject must match AuthorizedBy.
	Token string `json:"-"`
}

// ValidationError reports a malformed override request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("override: %s: %s", e.Field, e.Message)
}

var validate = validator.New()

var fieldNames = map[string]string{
	"ReceiptID":    "receiptId",
	"AgentID":      "agentId",
	"Reason":       "reason",
	"AuthorizedBy": "authorizedBy",
}

// ValidateRequest checks req against the creation rules as of now. It is run
// by Manager.Create before anything is stored.
func ValidateRequest(req Request, now time.Time) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return fmt.Errorf("override: validate request: %w", err)
		}
		fe := verrs[0]
		field := fieldNames[fe.Field()]
		switch fe.Tag() {
		case "min":
			return &ValidationError{Field: field, Message: fmt.Sprintf("%s must be at least %s characters", field, fe.Param())}
		default:
			return &ValidationError{Field: field, Message: field + " is required"}
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		return &ValidationError{Field: "reason", Message: "reason is required"}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return &ValidationError{Field: "expiresAt", Message: "expiresAt must be in the future"}
	}
	for _, p := range req.PrinciplesApplied {
		if !trust.IsKnown(p) {
			return &ValidationError{Field: "principlesApplied", Message: fmt.Sprintf("unknown principle %q", p)}
		}
	}
	return nil
}
