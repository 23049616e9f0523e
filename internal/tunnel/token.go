// Package tunnel implements the attested tunnel client of spec §4.7:
// a bearer-token-authenticated outer hop through the routing gateway,
// and a measurement-pinned inner TLS handshake terminating inside the
// target enclave. Token issuance here is grounded on the teacher's
// macaroonCredential in internal/lnd/client.go — a credential attached
// to every outgoing call — generalized from a gRPC macaroon to an HTTP
// bearer token with an expiry-driven refresh instead of a static file.
package tunnel

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Token scopes, per spec §4.7's "Long-lived tokens" paragraph: a run
// token authenticates one user's tunnel session; an sdk token
// authenticates only the gateway tunnel itself, for SDK-style clients
// that never address a specific user node.
const (
	ScopeRun = "run"
	ScopeSDK = "sdk"
)

// RunTokenLifetime is the short lease spec §4.7 assigns outer-layer
// bearer tokens ("~10 minute lifetime").
const RunTokenLifetime = 10 * time.Minute

// SDKTokenLifetime is the long-lived grant spec §4.7's "separate flow"
// issues to SDK-style clients, scoped only to the gateway tunnel.
const SDKTokenLifetime = 10 * 365 * 24 * time.Hour

// refreshSkew is how far ahead of expiry the tunnel client proactively
// refreshes, per spec §4.7's "if its token expires within the near
// future, request a fresh token."
const refreshSkew = time.Minute

// Claims is the bearer token's payload.
type Claims struct {
	UserPK string `json:"user_pk,omitempty"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies the bearer tokens the gateway expects on
// the `Proxy-Authorization` header.
type Issuer struct {
	secret []byte
	issuer string
}

func NewIssuer(secret []byte, issuer string) *Issuer {
	return &Issuer{secret: secret, issuer: issuer}
}

// IssueRunToken mints a short-lived token scoped to userPK.
func (i *Issuer) IssueRunToken(userPK string) (string, time.Time, error) {
	return i.issue(userPK, ScopeRun, RunTokenLifetime)
}

// IssueSDKToken mints a long-lived token scoped only to the gateway
// tunnel, not to any specific user node.
func (i *Issuer) IssueSDKToken() (string, time.Time, error) {
	return i.issue("", ScopeSDK, SDKTokenLifetime)
}

func (i *Issuer) issue(userPK, scope string, lifetime time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(lifetime)
	claims := Claims{
		UserPK: userPK,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("tunnel: issue token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies and decodes a bearer token the gateway received.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("tunnel: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: parse token: %w", err)
	}
	return claims, nil
}

// TokenSource supplies the tunnel Client with fresh bearer tokens.
// Production wires this to a remote call against the gateway's auth
// endpoint; LocalIssuerSource below wires it directly to an Issuer for
// same-process issuance (tests, and any deployment where the mega host
// holds the signing secret itself).
type TokenSource interface {
	FetchToken(userPK string) (token string, expiresAt time.Time, err error)
}

// LocalIssuerSource adapts an Issuer into a TokenSource.
type LocalIssuerSource struct {
	Issuer *Issuer
}

func (s LocalIssuerSource) FetchToken(userPK string) (string, time.Time, error) {
	return s.Issuer.IssueRunToken(userPK)
}
