package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type signedRequest struct {
	req  *http.Request
	body []byte
}

func newSignedRequest(secret string, ts time.Time, nonce, method, path string, body []byte) *signedRequest {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(HeaderAPIKey, "gateway-key")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	sig := ComputeSignature(secret, timestamp, nonce, method, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return &signedRequest{req: req, body: body}
}

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	authn := NewAuthenticator(map[string]string{"gateway-key": "s3cret"}, 0, 0, func() time.Time { return now }, nil)

	r := newSignedRequest("s3cret", now, "nonce-1", "POST", "/v1/settlements", []byte(`{"booking":"b1"}`))
	principal, err := authn.Authenticate(r.req, r.body)
	require.NoError(t, err)
	require.Equal(t, "gateway-key", principal.APIKey)
}

func TestAuthenticateRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	authn := NewAuthenticator(map[string]string{"gateway-key": "s3cret"}, 0, 0, func() time.Time { return now }, nil)

	r := newSignedRequest("s3cret", now, "nonce-1", "POST", "/v1/settlements", []byte(`{"booking":"b1"}`))
	_, err := authn.Authenticate(r.req, []byte(`{"booking":"b2"}`))
	require.ErrorContains(t, err, "invalid signature")
}

func TestAuthenticateRejectsNonceReuse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	authn := NewAuthenticator(map[string]string{"gateway-key": "s3cret"}, 0, 0, func() time.Time { return now }, nil)

	first := newSignedRequest("s3cret", now, "nonce-1", "POST", "/v1/settlements", nil)
	_, err := authn.Authenticate(first.req, nil)
	require.NoError(t, err)

	second := newSignedRequest("s3cret", now, "nonce-1", "POST", "/v1/settlements", nil)
	_, err = authn.Authenticate(second.req, nil)
	require.ErrorContains(t, err, "nonce already used")
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	authn := NewAuthenticator(map[string]string{"gateway-key": "s3cret"}, time.Minute, 0, func() time.Time { return now }, nil)

	r := newSignedRequest("s3cret", now.Add(-5*time.Minute), "nonce-1", "GET", "/v1/points/u1", nil)
	_, err := authn.Authenticate(r.req, nil)
	require.ErrorContains(t, err, "skew")
}

func TestLevelDBNoncePersistence(t *testing.T) {
	store, err := NewLevelDBNoncePersistence(t.TempDir() + "/nonces")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	record := NonceRecord{APIKey: "gateway-key", Nonce: "1700000000|nonce-1", ObservedAt: now}

	existed, err := store.EnsureNonce(ctx, record)
	require.NoError(t, err)
	require.False(t, existed)

	existed, err = store.EnsureNonce(ctx, record)
	require.NoError(t, err)
	require.True(t, existed)

	require.NoError(t, store.PruneNonces(ctx, now.Add(time.Hour)))
	existed, err = store.EnsureNonce(ctx, record)
	require.NoError(t, err)
	require.False(t, existed, "pruned nonce should be insertable again")
}
