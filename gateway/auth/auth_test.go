package auth

import (
	"bytes"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testKey    = "client-a"
	testSecret = "super-secret"
)

func newTestAuthenticator(now time.Time, skew time.Duration) *Authenticator {
	return NewAuthenticator(map[string]string{testKey: testSecret}, skew, 0, func() time.Time { return now })
}

// signRequest builds a request carrying valid auth headers for the given
// secret.
func signRequest(target, nonce, secret string, now time.Time, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := ComputeSignature(secret, ts, nonce, http.MethodPost, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestAuthenticateSuccess(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"buyerId":"p1"}`)
	auth := newTestAuthenticator(now, 0)

	req := signRequest("/transactions?b=2&a=1", "nonce-1", testSecret, now, body)
	principal, err := auth.Authenticate(req, body)
	require.NoError(t, err)
	require.Equal(t, testKey, principal.APIKey)
}

func TestAuthenticateRejectsReplayedNonce(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	auth := newTestAuthenticator(now, 0)

	req := signRequest("/transactions", "nonce-1", testSecret, now, body)
	_, err := auth.Authenticate(req, body)
	require.NoError(t, err)
	_, err = auth.Authenticate(req, body)
	require.ErrorContains(t, err, "nonce already used")

	// A fresh nonce passes again.
	req = signRequest("/transactions", "nonce-2", testSecret, now, body)
	_, err = auth.Authenticate(req, body)
	require.NoError(t, err)
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	auth := newTestAuthenticator(now, time.Minute)

	req := signRequest("/transactions", "nonce-1", testSecret, now.Add(-5*time.Minute), body)
	_, err := auth.Authenticate(req, body)
	require.ErrorContains(t, err, "skew")
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{}`)
	auth := newTestAuthenticator(now, 0)

	req := signRequest("/transactions", "nonce-1", "wrong-secret", now, body)
	_, err := auth.Authenticate(req, body)
	require.ErrorContains(t, err, "signature mismatch")
}

func TestAuthenticateRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0)
	auth := newTestAuthenticator(now, 0)

	req := signRequest("/transactions", "nonce-1", testSecret, now, []byte(`{"quantity":1}`))
	_, err := auth.Authenticate(req, []byte(`{"quantity":100}`))
	require.ErrorContains(t, err, "signature mismatch")
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	now := time.Unix(1700000000, 0)
	auth := newTestAuthenticator(now, 0)

	req := signRequest("/transactions", "nonce-1", testSecret, now, nil)
	req.Header.Set(HeaderAPIKey, "unknown")
	_, err := auth.Authenticate(req, nil)
	require.ErrorContains(t, err, "unknown API key")
}

func TestAuthenticateRejectsMissingHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0)
	auth := newTestAuthenticator(now, 0)

	req := httptest.NewRequest(http.MethodPost, "/transactions", nil)
	_, err := auth.Authenticate(req, nil)
	require.ErrorContains(t, err, "X-Api-Key")
}

func TestCanonicalQuerySortsKeysAndValues(t *testing.T) {
	require.Equal(t, "a=1&a=2&b=3", CanonicalQuery("b=3&a=2&a=1"))
	require.Equal(t, "", CanonicalQuery(""))
}
