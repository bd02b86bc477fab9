// Package storagetest holds the behavior every storage backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/pod-oauth/storage"
)

// NewBackend returns a fresh, empty backend for one subtest.
type NewBackend func(t *testing.T) storage.Backend

// Run exercises every repository of the backend.
func Run(t *testing.T, newBackend NewBackend) {
	t.Helper()

	t.Run("ClientCreateFind", func(t *testing.T) { testClientCreateFind(t, newBackend(t)) })
	t.Run("CreateAssignsUniqueIDs", func(t *testing.T) { testCreateAssignsUniqueIDs(t, newBackend(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newBackend(t)) })
	t.Run("FindExpired", func(t *testing.T) { testFindExpired(t, newBackend(t)) })
	t.Run("RevokeIdempotent", func(t *testing.T) { testRevokeIdempotent(t, newBackend(t)) })
	t.Run("ScopeList", func(t *testing.T) { testScopeList(t, newBackend(t)) })
	t.Run("ConsumeOnce", func(t *testing.T) { testConsumeOnce(t, newBackend(t)) })
	t.Run("ConsumeConcurrent", func(t *testing.T) { testConsumeConcurrent(t, newBackend(t)) })
	t.Run("RotateOnce", func(t *testing.T) { testRotateOnce(t, newBackend(t)) })
	t.Run("RotateConcurrent", func(t *testing.T) { testRotateConcurrent(t, newBackend(t)) })
	t.Run("RevokeFamily", func(t *testing.T) { testRevokeFamily(t, newBackend(t)) })
	t.Run("Replay", func(t *testing.T) { RunReplay(t, newBackend(t).NewReplayRepository()) })
}

// RunReplay exercises a replay repository on its own, for stores that only
// serve the replay log.
func RunReplay(t *testing.T, repo storage.ReplayRepository) {
	t.Helper()

	t.Run("InsertIfAbsent", func(t *testing.T) { testReplayInsert(t, repo) })
	t.Run("Concurrent", func(t *testing.T) { testReplayConcurrent(t, repo) })
	t.Run("WindowElapsed", func(t *testing.T) { testReplayWindowElapsed(t, repo) })
}

func uniqueJTI(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, storage.NewID())
}

func newCode(familyID string, expiresAt time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Token: storage.Token{
			ClientID:  "client-1",
			UserID:    "https://alice.example/profile/card#me",
			Scopes:    []string{"openid", "webid"},
			FamilyID:  familyID,
			IssuedAt:  time.Now().Add(-time.Second).Truncate(time.Millisecond),
			ExpiresAt: expiresAt.Truncate(time.Millisecond),
		},
		RedirectURI:         "https://app.example/callback",
		RedirectURIProvided: true,
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
	}
}

func testClientCreateFind(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewClientRepository()

	hash, err := storage.HashSecret("s3cret")
	require.NoError(t, err)

	client := &storage.Client{
		ID:           "client-1",
		Name:         "Solid App",
		SecretHash:   hash,
		RedirectURIs: []string{"https://app.example/callback"},
		GrantTypes:   []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		Scopes:       []string{"openid", "webid"},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}

	id, err := repo.Create(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, "client-1", id)

	got, err := repo.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, client.Name, got.Name)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
	assert.True(t, got.VerifySecret("s3cret"))
	assert.True(t, got.CreatedAt.Equal(client.CreatedAt))

	_, err = repo.Find(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCreateAssignsUniqueIDs(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewAccessTokenRepository()

	const n = 20
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := repo.Create(ctx, &storage.AccessToken{Token: storage.Token{
				ClientID:  "client-1",
				IssuedAt:  time.Now(),
				ExpiresAt: time.Now().Add(time.Hour),
			}})
			if assert.NoError(t, err) {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func testCreateDuplicate(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewScopeRepository()

	_, err := repo.Create(ctx, &storage.Scope{Identifier: "openid"})
	require.NoError(t, err)

	_, err = repo.Create(ctx, &storage.Scope{Identifier: "openid"})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func testFindExpired(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewAuthorizationCodeRepository()

	id, err := repo.Create(ctx, newCode("", time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	_, err = repo.Find(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = repo.Consume(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRevokeIdempotent(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewRefreshTokenRepository()

	id, err := repo.Create(ctx, &storage.RefreshToken{Token: storage.Token{
		ClientID:  "client-1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}})
	require.NoError(t, err)

	revoked, err := repo.IsRevoked(ctx, id)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, repo.Revoke(ctx, id))
	require.NoError(t, repo.Revoke(ctx, id))
	require.NoError(t, repo.Revoke(ctx, "unknown"))

	revoked, err = repo.IsRevoked(ctx, id)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = repo.IsRevoked(ctx, "unknown")
	require.NoError(t, err)
	assert.True(t, revoked, "unknown ids report revoked")
}

func testScopeList(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewScopeRepository()

	for _, id := range []string{"webid", "openid", "offline_access"} {
		_, err := repo.Create(ctx, &storage.Scope{Identifier: id})
		require.NoError(t, err)
	}
	require.NoError(t, repo.Revoke(ctx, "offline_access"))

	scopes, err := repo.List(ctx)
	require.NoError(t, err)

	var got []string
	for _, sc := range scopes {
		got = append(got, sc.Identifier)
	}
	assert.Equal(t, []string{"openid", "webid"}, got)
}

func testConsumeOnce(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewAuthorizationCodeRepository()

	code := newCode("family-1", time.Now().Add(10*time.Minute))
	id, err := repo.Create(ctx, code)
	require.NoError(t, err)

	got, err := repo.Consume(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, "family-1", got.FamilyID)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.True(t, got.RedirectURIProvided)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, []string{"openid", "webid"}, got.Scopes)

	again, err := repo.Consume(ctx, id)
	assert.ErrorIs(t, err, storage.ErrAlreadyUsed)
	require.NotNil(t, again, "reused code is returned so its family can be revoked")
	assert.Equal(t, "family-1", again.FamilyID)

	_, err = repo.Consume(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConsumeConcurrent(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewAuthorizationCodeRepository()

	id, err := repo.Create(ctx, newCode("family-2", time.Now().Add(10*time.Minute)))
	require.NoError(t, err)

	const n = 16
	var wins, reused atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Consume(ctx, id)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrAlreadyUsed):
				reused.Add(1)
			default:
				t.Errorf("Consume() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one exchange may succeed")
	assert.Equal(t, int32(n-1), reused.Load())
}

func testRotateOnce(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewRefreshTokenRepository()

	id, err := repo.Create(ctx, &storage.RefreshToken{
		Token: storage.Token{
			ClientID:  "client-1",
			UserID:    "https://alice.example/profile/card#me",
			Scopes:    []string{"openid", "offline_access"},
			FamilyID:  "family-3",
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		},
		AccessTokenID: "at-1",
		JKT:           "thumbprint",
	})
	require.NoError(t, err)

	got, err := repo.Rotate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "at-1", got.AccessTokenID)
	assert.Equal(t, "thumbprint", got.JKT)

	revoked, err := repo.IsRevoked(ctx, id)
	require.NoError(t, err)
	assert.True(t, revoked)

	again, err := repo.Rotate(ctx, id)
	assert.ErrorIs(t, err, storage.ErrAlreadyUsed)
	require.NotNil(t, again)
	assert.Equal(t, "family-3", again.FamilyID)
}

func testRotateConcurrent(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	repo := b.NewRefreshTokenRepository()

	id, err := repo.Create(ctx, &storage.RefreshToken{Token: storage.Token{
		ClientID:  "client-1",
		FamilyID:  "family-6",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}})
	require.NoError(t, err)

	const n = 16
	var wins, reused atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Rotate(ctx, id)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrAlreadyUsed):
				reused.Add(1)
			default:
				t.Errorf("Rotate() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one rotation may succeed")
	assert.Equal(t, int32(n-1), reused.Load())
}

func testRevokeFamily(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	access := b.NewAccessTokenRepository()
	refresh := b.NewRefreshTokenRepository()

	var familyAccess, otherAccess []string
	for i := 0; i < 3; i++ {
		family := "family-4"
		if i == 2 {
			family = "family-5"
		}
		id, err := access.Create(ctx, &storage.AccessToken{Token: storage.Token{
			ClientID: "client-1", FamilyID: family,
			IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		}})
		require.NoError(t, err)
		if family == "family-4" {
			familyAccess = append(familyAccess, id)
		} else {
			otherAccess = append(otherAccess, id)
		}
	}
	refreshID, err := refresh.Create(ctx, &storage.RefreshToken{Token: storage.Token{
		ClientID: "client-1", FamilyID: "family-4",
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}})
	require.NoError(t, err)

	n, err := access.RevokeFamily(ctx, "family-4")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = access.RevokeFamily(ctx, "family-4")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already revoked tokens are not counted again")

	n, err = refresh.RevokeFamily(ctx, "family-4")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, id := range familyAccess {
		revoked, err := access.IsRevoked(ctx, id)
		require.NoError(t, err)
		assert.True(t, revoked)
	}
	for _, id := range otherAccess {
		revoked, err := access.IsRevoked(ctx, id)
		require.NoError(t, err)
		assert.False(t, revoked, "other families are untouched")
	}
	revoked, err := refresh.IsRevoked(ctx, refreshID)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func testReplayInsert(t *testing.T, repo storage.ReplayRepository) {
	ctx := context.Background()
	jti := uniqueJTI("insert")
	now := time.Now()

	inserted, err := repo.InsertIfAbsent(ctx, &storage.ReplayRecord{JTI: jti, ResourceURI: "https://pod.example/token", SeenAt: now}, time.Minute)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertIfAbsent(ctx, &storage.ReplayRecord{JTI: jti, ResourceURI: "https://pod.example/token", SeenAt: now.Add(time.Second)}, time.Minute)
	require.NoError(t, err)
	assert.False(t, inserted, "second use of a jti within the window is a replay")

	other, err := repo.InsertIfAbsent(ctx, &storage.ReplayRecord{JTI: uniqueJTI("other"), SeenAt: now}, time.Minute)
	require.NoError(t, err)
	assert.True(t, other)
}

func testReplayConcurrent(t *testing.T, repo storage.ReplayRepository) {
	ctx := context.Background()
	jti := uniqueJTI("concurrent")
	now := time.Now()

	const n = 16
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := repo.InsertIfAbsent(ctx, &storage.ReplayRecord{JTI: jti, SeenAt: now}, time.Minute)
			if assert.NoError(t, err) && inserted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load(), "at most one caller may observe a fresh jti")
}

func testReplayWindowElapsed(t *testing.T, repo storage.ReplayRepository) {
	ctx := context.Background()
	jti := uniqueJTI("elapsed")
	first := time.Now().Add(-time.Hour)

	inserted, err := repo.InsertIfAbsent(ctx, &storage.ReplayRecord{JTI: jti, SeenAt: first}, time.Minute)
	require.NoError(t, err)
	require.True(t, inserted)

	n, err := repo.Prune(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 0)

	inserted, err = repo.InsertIfAbsent(ctx, &storage.ReplayRecord{JTI: jti, SeenAt: time.Now()}, time.Minute)
	require.NoError(t, err)
	assert.True(t, inserted, "a jti seen outside the window is accepted again")
}
