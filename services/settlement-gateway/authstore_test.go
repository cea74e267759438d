package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAuthStore(t *testing.T) *AuthorizationStore {
	t.Helper()
	store, err := NewAuthorizationStore(filepath.Join(t.TempDir(), "authorizations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuthorizationStoreConsumeOnce(t *testing.T) {
	store := newTestAuthStore(t)

	require.NoError(t, store.PutIssued("0xn1", "0xb1", 100, 400))
	require.Error(t, store.PutIssued("0xn1", "0xb2", 100, 400), "nonces are single-issue")

	require.NoError(t, store.Consume("0xn1", "0xb1", 150))
	require.NoError(t, store.Consume("0xn1", "0xb1", 160), "replay for the same booking is a no-op")
	require.ErrorIs(t, store.Consume("0xn1", "0xb2", 170), ErrAuthorizationConsumed)
	require.ErrorIs(t, store.Consume("0xmissing", "0xb1", 170), ErrAuthorizationUnknown)
}

func TestAuthorizationStorePruneExpired(t *testing.T) {
	store := newTestAuthStore(t)

	require.NoError(t, store.PutIssued("0xdead", "0xb1", 100, 200))
	require.NoError(t, store.PutIssued("0xlive", "0xb2", 100, 900))
	require.NoError(t, store.PutIssued("0xspent", "0xb3", 100, 200))
	require.NoError(t, store.Consume("0xspent", "0xb3", 150))

	removed, err := store.PruneExpired(500)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// The pruned nonce is re-issuable; the live and consumed ones are not.
	require.NoError(t, store.PutIssued("0xdead", "0xb4", 600, 1000))
	require.Error(t, store.PutIssued("0xlive", "0xb5", 600, 1000))
	require.Error(t, store.PutIssued("0xspent", "0xb6", 600, 1000), "consumed records survive pruning")
}
