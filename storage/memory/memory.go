package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/storage"
)

// Name is the backend name reported by Store.Name.
const Name = "memory"

// Store keeps every entity kind in maps guarded by one lock. Operations that
// must be atomic (consume, rotate, replay insert) run entirely under the
// write lock.
type Store struct {
	mu sync.RWMutex

	clients       *table[storage.Client]
	scopes        *table[storage.Scope]
	codes         *table[storage.AuthorizationCode]
	accessTokens  *table[storage.AccessToken]
	refreshTokens *table[storage.RefreshToken]
	replay        map[string]*storage.ReplayRecord

	now    func() time.Time
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	obs             *storage.Observer
}

var (
	_ storage.Backend       = (*Store)(nil)
	_ storage.ExpiredPruner = (*Store)(nil)
)

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now. Used by tests to move past expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstrumentation records spans and metrics for every operation.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Store) {
		s.instrumentation = inst
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		clients: newTable(storage.KindClient,
			func(c *storage.Client) *string { return &c.ID },
			func(c *storage.Client) *bool { return &c.Revoked },
			nil,
			cloneClient),
		scopes: newTable(storage.KindScope,
			func(sc *storage.Scope) *string { return &sc.Identifier },
			func(sc *storage.Scope) *bool { return &sc.Revoked },
			nil,
			func(sc *storage.Scope) *storage.Scope { c := *sc; return &c }),
		codes: newTable(storage.KindAuthorizationCode,
			func(c *storage.AuthorizationCode) *string { return &c.ID },
			func(c *storage.AuthorizationCode) *bool { return &c.Revoked },
			func(c *storage.AuthorizationCode) time.Time { return c.ExpiresAt },
			cloneIssued[storage.AuthorizationCode]),
		accessTokens: newTable(storage.KindAccessToken,
			func(t *storage.AccessToken) *string { return &t.ID },
			func(t *storage.AccessToken) *bool { return &t.Revoked },
			func(t *storage.AccessToken) time.Time { return t.ExpiresAt },
			cloneIssued[storage.AccessToken]),
		refreshTokens: newTable(storage.KindRefreshToken,
			func(t *storage.RefreshToken) *string { return &t.ID },
			func(t *storage.RefreshToken) *bool { return &t.Revoked },
			func(t *storage.RefreshToken) time.Time { return t.ExpiresAt },
			cloneIssued[storage.RefreshToken]),
		replay: make(map[string]*storage.ReplayRecord),
		now:    time.Now,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.obs = storage.NewObserver(Name, s.instrumentation)
	if s.instrumentation != nil {
		err := s.instrumentation.RegisterStorageSizeCallbacks(map[string]instrumentation.StorageSizeCallback{
			storage.KindClient.String():            s.sizeOf(func() int { return len(s.clients.rows) }),
			storage.KindScope.String():             s.sizeOf(func() int { return len(s.scopes.rows) }),
			storage.KindAuthorizationCode.String(): s.sizeOf(func() int { return len(s.codes.rows) }),
			storage.KindAccessToken.String():       s.sizeOf(func() int { return len(s.accessTokens.rows) }),
			storage.KindRefreshToken.String():      s.sizeOf(func() int { return len(s.refreshTokens.rows) }),
			storage.KindReplayRecord.String():      s.sizeOf(func() int { return len(s.replay) }),
		})
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}

	return s
}

// Name returns "memory".
func (s *Store) Name() string {
	return Name
}

// NewClientRepository returns the client repository view.
func (s *Store) NewClientRepository() storage.ClientRepository {
	return &repository[storage.Client]{s: s, t: s.clients}
}

// NewScopeRepository returns the scope repository view.
func (s *Store) NewScopeRepository() storage.ScopeRepository {
	return &scopeRepository{repository[storage.Scope]{s: s, t: s.scopes}}
}

// NewAuthorizationCodeRepository returns the authorization code repository view.
func (s *Store) NewAuthorizationCodeRepository() storage.AuthorizationCodeRepository {
	return &codeRepository{repository[storage.AuthorizationCode]{s: s, t: s.codes}}
}

// NewAccessTokenRepository returns the access token repository view.
func (s *Store) NewAccessTokenRepository() storage.AccessTokenRepository {
	return &accessTokenRepository{repository[storage.AccessToken]{s: s, t: s.accessTokens}}
}

// NewRefreshTokenRepository returns the refresh token repository view.
func (s *Store) NewRefreshTokenRepository() storage.RefreshTokenRepository {
	return &refreshTokenRepository{repository[storage.RefreshToken]{s: s, t: s.refreshTokens}}
}

// NewReplayRepository returns the replay log repository view.
func (s *Store) NewReplayRepository() storage.ReplayRepository {
	return &replayRepository{s: s}
}

// PruneExpired deletes codes and tokens that expired before cutoff.
func (s *Store) PruneExpired(ctx context.Context, cutoff time.Time) (n int, err error) {
	ctx, done := s.obs.Start(ctx, "prune_expired", storage.KindAccessToken)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	n += s.codes.deleteExpired(cutoff)
	n += s.accessTokens.deleteExpired(cutoff)
	n += s.refreshTokens.deleteExpired(cutoff)

	if n > 0 {
		s.logger.Debug("Pruned expired tokens", "count", n)
	}
	return n, nil
}

func (s *Store) sizeOf(count func() int) instrumentation.StorageSizeCallback {
	return func() int64 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return int64(count())
	}
}

// table is one entity kind's rows plus accessors for the fields the generic
// operations need.
type table[T any] struct {
	kind      storage.Kind
	rows      map[string]*T
	key       func(*T) *string
	revoked   func(*T) *bool
	expiresAt func(*T) time.Time
	clone     func(*T) *T
}

func newTable[T any](kind storage.Kind, key func(*T) *string, revoked func(*T) *bool, expiresAt func(*T) time.Time, clone func(*T) *T) *table[T] {
	return &table[T]{
		kind:      kind,
		rows:      make(map[string]*T),
		key:       key,
		revoked:   revoked,
		expiresAt: expiresAt,
		clone:     clone,
	}
}

func (t *table[T]) expired(row *T, now time.Time) bool {
	return t.expiresAt != nil && now.After(t.expiresAt(row))
}

// live returns the row for id unless it is unknown or expired.
func (t *table[T]) live(id string, now time.Time) (*T, bool) {
	row, ok := t.rows[id]
	if !ok || t.expired(row, now) {
		return nil, false
	}
	return row, true
}

func (t *table[T]) deleteExpired(cutoff time.Time) int {
	if t.expiresAt == nil {
		return 0
	}
	n := 0
	for id, row := range t.rows {
		if t.expiresAt(row).Before(cutoff) {
			delete(t.rows, id)
			n++
		}
	}
	return n
}

// repository implements storage.Repository over one table.
type repository[T any] struct {
	s *Store
	t *table[T]
}

func (r *repository[T]) Create(ctx context.Context, entity *T) (id string, err error) {
	ctx, done := r.s.obs.Start(ctx, "create", r.t.kind)
	defer func() { done(err) }()

	if entity == nil {
		return "", storage.Wrap("create", r.t.kind, fmt.Errorf("entity is nil"))
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := r.t.key(entity)
	if *key == "" {
		*key = storage.NewID()
	}
	if _, exists := r.t.rows[*key]; exists {
		return "", storage.Wrap("create", r.t.kind, storage.ErrDuplicate)
	}

	r.t.rows[*key] = r.t.clone(entity)
	return *key, nil
}

func (r *repository[T]) Find(ctx context.Context, id string) (entity *T, err error) {
	ctx, done := r.s.obs.Start(ctx, "find", r.t.kind)
	defer func() { done(err) }()

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row, ok := r.t.live(id, r.s.now())
	if !ok {
		return nil, storage.Wrap("find", r.t.kind, storage.ErrNotFound)
	}
	return r.t.clone(row), nil
}

func (r *repository[T]) Revoke(ctx context.Context, id string) (err error) {
	ctx, done := r.s.obs.Start(ctx, "revoke", r.t.kind)
	defer func() { done(err) }()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if row, ok := r.t.rows[id]; ok {
		*r.t.revoked(row) = true
	}
	return nil
}

func (r *repository[T]) IsRevoked(ctx context.Context, id string) (revoked bool, err error) {
	ctx, done := r.s.obs.Start(ctx, "is_revoked", r.t.kind)
	defer func() { done(err) }()

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row, ok := r.t.rows[id]
	if !ok {
		return true, nil
	}
	return *r.t.revoked(row), nil
}

type scopeRepository struct {
	repository[storage.Scope]
}

func (r *scopeRepository) List(ctx context.Context) (scopes []*storage.Scope, err error) {
	ctx, done := r.s.obs.Start(ctx, "list", storage.KindScope)
	defer func() { done(err) }()

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, sc := range r.t.rows {
		if !sc.Revoked {
			scopes = append(scopes, r.t.clone(sc))
		}
	}
	sort.Slice(scopes, func(i, j int) bool {
		return scopes[i].Identifier < scopes[j].Identifier
	})
	return scopes, nil
}

type codeRepository struct {
	repository[storage.AuthorizationCode]
}

func (r *codeRepository) Consume(ctx context.Context, id string) (code *storage.AuthorizationCode, err error) {
	ctx, done := r.s.obs.Start(ctx, "consume", storage.KindAuthorizationCode)
	defer func() { done(err) }()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row, ok := r.t.live(id, r.s.now())
	if !ok {
		return nil, storage.Wrap("consume", storage.KindAuthorizationCode, storage.ErrNotFound)
	}
	if row.Used || row.Revoked {
		return r.t.clone(row), storage.Wrap("consume", storage.KindAuthorizationCode, storage.ErrAlreadyUsed)
	}

	row.Used = true
	return r.t.clone(row), nil
}

type accessTokenRepository struct {
	repository[storage.AccessToken]
}

func (r *accessTokenRepository) RevokeFamily(ctx context.Context, familyID string) (n int, err error) {
	ctx, done := r.s.obs.Start(ctx, "revoke_family", storage.KindAccessToken)
	defer func() { done(err) }()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return revokeFamily(r.t, familyID), nil
}

type refreshTokenRepository struct {
	repository[storage.RefreshToken]
}

func (r *refreshTokenRepository) Rotate(ctx context.Context, id string) (token *storage.RefreshToken, err error) {
	ctx, done := r.s.obs.Start(ctx, "rotate", storage.KindRefreshToken)
	defer func() { done(err) }()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row, ok := r.t.live(id, r.s.now())
	if !ok {
		return nil, storage.Wrap("rotate", storage.KindRefreshToken, storage.ErrNotFound)
	}
	if row.Revoked {
		return r.t.clone(row), storage.Wrap("rotate", storage.KindRefreshToken, storage.ErrAlreadyUsed)
	}

	row.Revoked = true
	return r.t.clone(row), nil
}

func (r *refreshTokenRepository) RevokeFamily(ctx context.Context, familyID string) (n int, err error) {
	ctx, done := r.s.obs.Start(ctx, "revoke_family", storage.KindRefreshToken)
	defer func() { done(err) }()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return revokeFamily(r.t, familyID), nil
}

func revokeFamily[T any, P interface {
	*T
	storage.Issued
}](t *table[T], familyID string) int {
	if familyID == "" {
		return 0
	}
	n := 0
	for _, row := range t.rows {
		base := P(row).Base()
		if base.FamilyID == familyID && !base.Revoked {
			base.Revoked = true
			n++
		}
	}
	return n
}

type replayRepository struct {
	s *Store
}

func (r *replayRepository) InsertIfAbsent(ctx context.Context, rec *storage.ReplayRecord, window time.Duration) (inserted bool, err error) {
	ctx, done := r.s.obs.Start(ctx, "insert_if_absent", storage.KindReplayRecord)
	defer func() { done(err) }()

	if rec == nil || rec.JTI == "" {
		return false, storage.Wrap("insert_if_absent", storage.KindReplayRecord, fmt.Errorf("jti is required"))
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.replay[rec.JTI]; ok && rec.SeenAt.Before(existing.SeenAt.Add(window)) {
		return false, nil
	}

	c := *rec
	r.s.replay[rec.JTI] = &c
	return true, nil
}

func (r *replayRepository) Prune(ctx context.Context, cutoff time.Time) (n int, err error) {
	ctx, done := r.s.obs.Start(ctx, "prune", storage.KindReplayRecord)
	defer func() { done(err) }()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for jti, rec := range r.s.replay {
		if rec.SeenAt.Before(cutoff) {
			delete(r.s.replay, jti)
			n++
		}
	}
	return n, nil
}

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

func cloneIssued[T any, P interface {
	*T
	storage.Issued
}](v *T) *T {
	out := *v
	base := P(&out).Base()
	base.Scopes = slices.Clone(base.Scopes)
	return &out
}
