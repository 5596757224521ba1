// Package delegation implements the credential protocol between the
// dispatcher and specialist agents. The dispatcher mints a short-lived
// signed token per specialist invocation; specialists verify it before doing
// any work, which keeps a compromised or misrouted call from executing with
// another request's authority.
package delegation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/creatorhq/maestro/fault"
)

// Issuer identifies the only component allowed to mint credentials.
const Issuer = "dispatcher"

// PermissionDelegate must be present for a credential to authorize work.
const PermissionDelegate = "delegate"

// maxTTL caps credential lifetime regardless of configuration.
const maxTTL = time.Hour

type (
	// Claims is the signed payload of a credential.
	Claims struct {
		Issuer      string    `json:"iss"`
		Subject     string    `json:"sub"`
		RequestID   string    `json:"request_id"`
		IssuedAt    time.Time `json:"issued_at"`
		ExpiresAt   time.Time `json:"expires_at"`
		Permissions []string  `json:"permissions"`
	}

	// AuthorityOptions configures an Authority.
	AuthorityOptions struct {
		// Secret is the HMAC signing key shared by minting and verifying
		// sides. Required.
		Secret string
		// TTL is the credential lifetime. Defaults to one hour and is
		// clamped to one hour.
		TTL time.Duration
	}

	// Authority mints and verifies delegation credentials. It is safe for
	// concurrent use; all state is immutable after construction.
	Authority struct {
		secret []byte
		ttl    time.Duration
		now    func() time.Time
	}
)

// NewAuthority constructs an Authority. An empty secret is a configuration
// fault: minting unverifiable credentials would fail open, so construction
// fails closed instead.
func NewAuthority(opts AuthorityOptions) (*Authority, error) {
	if opts.Secret == "" {
		return nil, fault.New(fault.KindConfiguration, "delegation secret is not configured")
	}
	ttl := opts.TTL
	if ttl <= 0 || ttl > maxTTL {
		ttl = maxTTL
	}
	return &Authority{
		secret: []byte(opts.Secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Mint issues a credential binding the given request to the subject
// specialist. The token is payload.signature with both parts base64url
// encoded.
func (a *Authority) Mint(requestID, subject string) (string, error) {
	if requestID == "" {
		return "", fault.New(fault.KindValidation, "request id is required")
	}
	now := a.now().UTC()
	claims := Claims{
		Issuer:      Issuer,
		Subject:     subject,
		RequestID:   requestID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(a.ttl),
		Permissions: []string{PermissionDelegate},
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fault.Wrap(fault.KindSystem, "encode credential claims", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + a.sign(payload), nil
}

// Verify checks a credential against the request it is being used for and
// returns its claims. Every rejection is an authentication fault; the
// internal message states which check failed, the user message never does.
func (a *Authority) Verify(token, expectedRequestID string) (Claims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return Claims{}, fault.New(fault.KindAuthentication, "credential is malformed")
	}

	// Signature first: nothing inside the payload can be trusted before it.
	if !hmac.Equal([]byte(a.sign(payload)), []byte(sig)) {
		return Claims{}, fault.New(fault.KindAuthentication, "credential signature mismatch")
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, fault.New(fault.KindAuthentication, "credential payload is not valid base64")
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, fault.New(fault.KindAuthentication, "credential payload is not valid claims")
	}

	if a.now().After(claims.ExpiresAt) {
		return Claims{}, fault.New(fault.KindAuthentication, "credential has expired")
	}
	if claims.RequestID != expectedRequestID {
		return Claims{}, fault.New(fault.KindAuthentication, "credential request id mismatch")
	}
	if !hasPermission(claims.Permissions, PermissionDelegate) {
		return Claims{}, fault.New(fault.KindAuthentication, "credential lacks delegate permission")
	}
	return claims, nil
}

// TTL returns the lifetime applied to minted credentials.
func (a *Authority) TTL() time.Duration {
	return a.ttl
}

func (a *Authority) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
