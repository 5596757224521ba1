package delegation

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorhq/maestro/fault"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := NewAuthority(AuthorityOptions{Secret: "test-secret", TTL: time.Hour})
	require.NoError(t, err)
	return a
}

func TestNewAuthorityRequiresSecret(t *testing.T) {
	_, err := NewAuthority(AuthorityOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConfiguration))
}

func TestNewAuthorityClampsTTL(t *testing.T) {
	a, err := NewAuthority(AuthorityOptions{Secret: "s", TTL: 2 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, a.TTL())

	a, err = NewAuthority(AuthorityOptions{Secret: "s"})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, a.TTL())

	a, err = NewAuthority(AuthorityOptions{Secret: "s", TTL: 30 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, a.TTL())
}

func TestMintVerifyRoundTrip(t *testing.T) {
	a := newTestAuthority(t)

	token, err := a.Mint("req-1", "growth")
	require.NoError(t, err)

	claims, err := a.Verify(token, "req-1")
	require.NoError(t, err)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.Equal(t, "growth", claims.Subject)
	assert.Equal(t, "req-1", claims.RequestID)
	assert.Contains(t, claims.Permissions, PermissionDelegate)
	assert.Equal(t, time.Hour, claims.ExpiresAt.Sub(claims.IssuedAt))
}

func TestMintRequiresRequestID(t *testing.T) {
	a := newTestAuthority(t)
	_, err := a.Mint("", "growth")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestVerifyRejectsRequestIDMismatch(t *testing.T) {
	a := newTestAuthority(t)
	token, err := a.Mint("req-1", "growth")
	require.NoError(t, err)

	_, err = a.Verify(token, "req-2")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindAuthentication))
}

func TestVerifyRejectsExpired(t *testing.T) {
	a := newTestAuthority(t)

	minted := time.Now()
	a.now = func() time.Time { return minted }
	token, err := a.Mint("req-1", "growth")
	require.NoError(t, err)

	a.now = func() time.Time { return minted.Add(time.Hour + time.Second) }
	_, err = a.Verify(token, "req-1")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindAuthentication))

	// Just inside the lifetime it still verifies.
	a.now = func() time.Time { return minted.Add(time.Hour - time.Second) }
	_, err = a.Verify(token, "req-1")
	require.NoError(t, err)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	a := newTestAuthority(t)
	token, err := a.Mint("req-1", "growth")
	require.NoError(t, err)

	payload, sig, ok := strings.Cut(token, ".")
	require.True(t, ok)
	flipped := flipChar(payload, 3)
	_, err = a.Verify(flipped+"."+sig, "req-1")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindAuthentication))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	a := newTestAuthority(t)
	other, err := NewAuthority(AuthorityOptions{Secret: "different-secret"})
	require.NoError(t, err)

	token, err := other.Mint("req-1", "growth")
	require.NoError(t, err)

	_, err = a.Verify(token, "req-1")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindAuthentication))
}

func TestVerifyRejectsMissingDelegatePermission(t *testing.T) {
	a := newTestAuthority(t)

	// Sign a claims payload without the delegate permission using the
	// authority's own key so only the permission check can fail.
	payload := signedPayload(t, a, Claims{
		Issuer:      Issuer,
		Subject:     "growth",
		RequestID:   "req-1",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
		Permissions: []string{"observe"},
	})

	_, err := a.Verify(payload, "req-1")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindAuthentication))
}

func TestVerifyRejectsMalformed(t *testing.T) {
	a := newTestAuthority(t)

	for _, token := range []string{"", "nodot", ".", "payload.", ".sig", "!!!.???"} {
		_, err := a.Verify(token, "req-1")
		require.Error(t, err, "token %q", token)
		assert.True(t, fault.IsKind(err, fault.KindAuthentication), "token %q", token)
	}
}

func flipChar(s string, i int) string {
	b := []byte(s)
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}

// signedPayload builds a token for arbitrary claims signed with the
// authority's own key.
func signedPayload(t *testing.T, a *Authority, claims Claims) string {
	t.Helper()
	raw, err := json.Marshal(claims)
	require.NoError(t, err)
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + a.sign(payload)
}
