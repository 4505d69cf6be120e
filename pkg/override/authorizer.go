package override

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "sonate/override"
	tokenAudience = "sonate.override"

	// ScopeOverride is the scope an authorizer token must carry.
	ScopeOverride = "override:create"
)

// AuthorizerClaims are the JWT claims of an override authorizer token.
type AuthorizerClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Authorizer issues and verifies authorizer tokens. A token proves that its
// subject may authorize overrides.
type Authorizer struct {
	method  jwt.SigningMethod
	signKey any
	keyFunc jwt.Keyfunc
	clock   func() time.Time
}

// NewHMACAuthorizer creates an Authorizer using HS256 with a shared secret.
func NewHMACAuthorizer(secret []byte) (*Authorizer, error) {
	if len(secret) < 32 {
		return nil, errors.New("override: hmac secret must be at least 32 bytes")
	}
	return &Authorizer{
		method:  jwt.SigningMethodHS256,
		signKey: secret,
		keyFunc: func(t *jwt.Token) (any, error) { return secret, nil },
		clock:   time.Now,
	}, nil
}

// NewEd25519Authorizer creates an Authorizer using EdDSA. priv may be nil for
// a verify-only authorizer.
func NewEd25519Authorizer(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Authorizer, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("override: invalid ed25519 public key length %d", len(pub))
	}
	a := &Authorizer{
		method:  jwt.SigningMethodEdDSA,
		keyFunc: func(t *jwt.Token) (any, error) { return pub, nil },
		clock:   time.Now,
	}
	if priv != nil {
		a.signKey = priv
	}
	return a, nil
}

// WithClock overrides the clock for deterministic testing.
func (a *Authorizer) WithClock(clock func() time.Time) *Authorizer {
	a.clock = clock
	return a
}

// Issue creates a token for subject valid for ttl.
func (a *Authorizer) Issue(subject, tenantID string, ttl time.Duration) (string, error) {
	if a.signKey == nil {
		return "", errors.New("override: authorizer has no signing key")
	}
	now := a.clock().UTC()
	claims := AuthorizerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Scopes:   []string{ScopeOverride},
	}
	return jwt.NewWithClaims(a.method, claims).SignedString(a.signKey)
}

// Verify parses token and returns its claims. The token must be signed with
// the authorizer's method and carry ScopeOverride.
func (a *Authorizer) Verify(token string) (*AuthorizerClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AuthorizerClaims{}, a.keyFunc,
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("override: invalid authorizer token: %w", err)
	}
	claims, ok := parsed.Claims.(*AuthorizerClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if !slices.Contains(claims.Scopes, ScopeOverride) {
		return nil, fmt.Errorf("override: token for %s lacks scope %s", claims.Subject, ScopeOverride)
	}
	return claims, nil
}
