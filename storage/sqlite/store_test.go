package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/pod-oauth/storage"
	"github.com/giantswarm/pod-oauth/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), Config{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openTestStore(t)
	})
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "oauth.db")

	first, err := Open(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	_, err = first.NewScopeRepository().Create(ctx, &storage.Scope{Identifier: "openid", Description: "OpenID Connect"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	got, err := second.NewScopeRepository().Find(ctx, "openid")
	require.NoError(t, err)
	assert.Equal(t, "OpenID Connect", got.Description)
}

func TestStore_PruneExpired(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now()

	codes := store.NewAuthorizationCodeRepository()
	access := store.NewAccessTokenRepository()

	_, err := codes.Create(ctx, &storage.AuthorizationCode{Token: storage.Token{ClientID: "c", IssuedAt: now, ExpiresAt: now.Add(-time.Minute)}})
	require.NoError(t, err)
	liveID, err := access.Create(ctx, &storage.AccessToken{Token: storage.Token{ClientID: "c", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}})
	require.NoError(t, err)
	_, err = access.Create(ctx, &storage.AccessToken{Token: storage.Token{ClientID: "c", IssuedAt: now, ExpiresAt: now.Add(-time.Hour)}})
	require.NoError(t, err)

	n, err := store.PruneExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = access.Find(ctx, liveID)
	assert.NoError(t, err)
}

func TestStore_ClockControlsExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	store, err := Open(ctx, Config{DSN: ":memory:", Now: func() time.Time { return now }})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	refresh := store.NewRefreshTokenRepository()
	id, err := refresh.Create(ctx, &storage.RefreshToken{Token: storage.Token{
		ClientID:  "c",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = refresh.Rotate(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDecodeList(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "[]", want: nil},
		{in: `["openid","webid"]`, want: []string{"openid", "webid"}},
		{in: "{", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := decodeList(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeList() error = %v, wantErr %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
