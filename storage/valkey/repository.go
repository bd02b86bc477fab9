package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/pod-oauth/storage"
)

// luaCreate inserts an entity hash unless the key exists.
//
// KEYS[1] = entity key, KEYS[2..] = sets the id is added to
// ARGV[1] = JSON data, ARGV[2] = expiry (Unix ms, 0 = none),
// ARGV[3] = TTL in ms (0 = none), ARGV[4] = id,
// ARGV[5] = revoked flag, ARGV[6] = used flag
//
// Returns 1 when inserted, 0 when the id exists.
const luaCreate = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end

redis.call('HSET', KEYS[1], 'data', ARGV[1], 'exp', ARGV[2], 'revoked', ARGV[5], 'used', ARGV[6])

local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
end

for i = 2, #KEYS do
    redis.call('SADD', KEYS[i], ARGV[4])
    if ttl > 0 then
        local current = redis.call('PTTL', KEYS[i])
        if current == -1 or current < ttl then
            redis.call('PEXPIRE', KEYS[i], ttl)
        end
    end
end

return 1
`

// luaRevoke sets the revoked flag of an existing entity.
//
// KEYS[1] = entity key
const luaRevoke = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('HSET', KEYS[1], 'revoked', '1')
end
return 1
`

// luaTransition flips a single-use flag of a live entity.
//
// KEYS[1] = entity key
// ARGV[1] = current time (Unix ms), ARGV[2] = flag to set ("used" or "revoked")
//
// Returns:
//   - "OK" if this call performed the transition
//   - "NOT_FOUND" if the key does not exist or the entity expired
//   - "ALREADY_USED" if the entity was already used or revoked
const luaTransition = `
local state = redis.call('HMGET', KEYS[1], 'data', 'exp', 'revoked', 'used')
if not state[1] then
    return 'NOT_FOUND'
end

local exp = tonumber(state[2])
if exp and exp > 0 and tonumber(ARGV[1]) > exp then
    return 'NOT_FOUND'
end

if state[3] == '1' or state[4] == '1' then
    return 'ALREADY_USED'
end

redis.call('HSET', KEYS[1], ARGV[2], '1')
return 'OK'
`

// luaRevokeFamily revokes every active member of a family set.
//
// KEYS[1] = family set
// ARGV[1] = entity key prefix of the member kind
//
// Returns the number of newly revoked members.
const luaRevokeFamily = `
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local key = ARGV[1] .. id
    if redis.call('HGET', key, 'revoked') == '0' then
        redis.call('HSET', key, 'revoked', '1')
        n = n + 1
    end
end
return n
`

// schema describes how one entity kind maps onto a hash.
type schema[T any] struct {
	kind    storage.Kind
	indexed bool

	id        func(*T) *string
	revoked   func(*T) *bool
	used      func(*T) *bool
	expiresAt func(*T) time.Time
	familyID  func(*T) string
}

func tokenSchema[T any, P interface {
	*T
	storage.Issued
}](kind storage.Kind) *schema[T] {
	return &schema[T]{
		kind:      kind,
		id:        func(v *T) *string { return &P(v).Base().ID },
		revoked:   func(v *T) *bool { return &P(v).Base().Revoked },
		expiresAt: func(v *T) time.Time { return P(v).Base().ExpiresAt },
		familyID:  func(v *T) string { return P(v).Base().FamilyID },
	}
}

var (
	clientSchema = &schema[storage.Client]{
		kind:    storage.KindClient,
		id:      func(c *storage.Client) *string { return &c.ID },
		revoked: func(c *storage.Client) *bool { return &c.Revoked },
	}

	scopeSchema = &schema[storage.Scope]{
		kind:    storage.KindScope,
		indexed: true,
		id:      func(s *storage.Scope) *string { return &s.Identifier },
		revoked: func(s *storage.Scope) *bool { return &s.Revoked },
	}

	codeSchema = func() *schema[storage.AuthorizationCode] {
		sc := tokenSchema[storage.AuthorizationCode](storage.KindAuthorizationCode)
		sc.used = func(c *storage.AuthorizationCode) *bool { return &c.Used }
		return sc
	}()

	accessTokenSchema  = tokenSchema[storage.AccessToken](storage.KindAccessToken)
	refreshTokenSchema = tokenSchema[storage.RefreshToken](storage.KindRefreshToken)
)

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// repository implements storage.Repository over entity hashes.
type repository[T any] struct {
	s  *Store
	sc *schema[T]
}

func (r *repository[T]) key(id string) string {
	return r.s.entityKey(r.sc.kind, id)
}

func (r *repository[T]) Create(ctx context.Context, entity *T) (id string, err error) {
	ctx, done := r.s.obs.Start(ctx, "create", r.sc.kind)
	defer func() { done(err) }()

	if entity == nil {
		return "", storage.Wrap("create", r.sc.kind, fmt.Errorf("entity is nil"))
	}

	key := r.sc.id(entity)
	if *key == "" {
		*key = storage.NewID()
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return "", storage.Wrap("create", r.sc.kind, fmt.Errorf("failed to marshal %s: %w", r.sc.kind, err))
	}

	var expMs, ttlMs int64
	if r.sc.expiresAt != nil {
		exp := r.sc.expiresAt(entity)
		expMs = exp.UnixMilli()
		ttlMs = max(exp.Sub(r.s.now()).Milliseconds(), 1)
	}

	keys := []string{r.key(*key)}
	if r.sc.familyID != nil && r.sc.familyID(entity) != "" {
		keys = append(keys, r.s.familyKey(r.sc.kind, r.sc.familyID(entity)))
	}
	if r.sc.indexed {
		keys = append(keys, r.s.scopeIndexKey())
	}

	used := false
	if r.sc.used != nil {
		used = *r.sc.used(entity)
	}

	inserted, err := r.s.client.Do(ctx, r.s.client.B().Eval().Script(luaCreate).
		Numkeys(int64(len(keys))).
		Key(keys...).
		Arg(string(data),
			strconv.FormatInt(expMs, 10),
			strconv.FormatInt(ttlMs, 10),
			*key,
			flag(*r.sc.revoked(entity)),
			flag(used)).
		Build(),
	).AsInt64()
	if err != nil {
		return "", storage.Wrap("create", r.sc.kind, fmt.Errorf("failed to save %s: %w", r.sc.kind, err))
	}
	if inserted == 0 {
		return "", storage.ErrDuplicate
	}
	return *key, nil
}

func (r *repository[T]) Find(ctx context.Context, id string) (entity *T, err error) {
	ctx, done := r.s.obs.Start(ctx, "find", r.sc.kind)
	defer func() { done(err) }()

	return r.find(ctx, "find", id)
}

func (r *repository[T]) find(ctx context.Context, op, id string) (*T, error) {
	fields, err := r.s.client.Do(ctx, r.s.client.B().Hgetall().Key(r.key(id)).Build()).AsStrMap()
	if err != nil {
		return nil, storage.Wrap(op, r.sc.kind, fmt.Errorf("failed to get %s: %w", r.sc.kind, err))
	}

	entity, err := r.decode(fields)
	if err != nil {
		return nil, storage.Wrap(op, r.sc.kind, err)
	}
	if entity == nil {
		return nil, storage.ErrNotFound
	}
	if r.sc.expiresAt != nil && r.s.now().After(r.sc.expiresAt(entity)) {
		return nil, storage.ErrNotFound
	}
	return entity, nil
}

// decode returns nil for an empty hash.
func (r *repository[T]) decode(fields map[string]string) (*T, error) {
	data, ok := fields["data"]
	if !ok {
		return nil, nil
	}

	entity := new(T)
	if err := json.Unmarshal([]byte(data), entity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", r.sc.kind, err)
	}
	*r.sc.revoked(entity) = fields["revoked"] == "1"
	if r.sc.used != nil {
		*r.sc.used(entity) = fields["used"] == "1"
	}
	return entity, nil
}

func (r *repository[T]) Revoke(ctx context.Context, id string) (err error) {
	ctx, done := r.s.obs.Start(ctx, "revoke", r.sc.kind)
	defer func() { done(err) }()

	err = r.s.client.Do(ctx, r.s.client.B().Eval().Script(luaRevoke).
		Numkeys(1).
		Key(r.key(id)).
		Build(),
	).Error()
	if err != nil {
		return storage.Wrap("revoke", r.sc.kind, fmt.Errorf("failed to revoke %s: %w", r.sc.kind, err))
	}
	return nil
}

func (r *repository[T]) IsRevoked(ctx context.Context, id string) (revoked bool, err error) {
	ctx, done := r.s.obs.Start(ctx, "is_revoked", r.sc.kind)
	defer func() { done(err) }()

	value, err := r.s.client.Do(ctx, r.s.client.B().Hget().Key(r.key(id)).Field("revoked").Build()).ToString()
	if isNilError(err) {
		return true, nil
	}
	if err != nil {
		return false, storage.Wrap("is_revoked", r.sc.kind, fmt.Errorf("failed to get %s: %w", r.sc.kind, err))
	}
	return value == "1", nil
}

func (r *repository[T]) transition(ctx context.Context, op, field, id string) (*T, error) {
	result, err := r.s.client.Do(ctx, r.s.client.B().Eval().Script(luaTransition).
		Numkeys(1).
		Key(r.key(id)).
		Arg(strconv.FormatInt(r.s.now().UnixMilli(), 10), field).
		Build(),
	).ToString()
	if err != nil {
		return nil, storage.Wrap(op, r.sc.kind, fmt.Errorf("failed to execute atomic %s: %w", op, err))
	}
	if result == "NOT_FOUND" {
		return nil, storage.ErrNotFound
	}

	entity, err := r.find(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if result == "ALREADY_USED" {
		return entity, storage.ErrAlreadyUsed
	}

	r.s.logger.Debug("Completed single-use transition", "kind", r.sc.kind.String(), "operation", op)
	return entity, nil
}

func (r *repository[T]) revokeFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	n, err := r.s.client.Do(ctx, r.s.client.B().Eval().Script(luaRevokeFamily).
		Numkeys(1).
		Key(r.s.familyKey(r.sc.kind, familyID)).
		Arg(r.s.entityKey(r.sc.kind, "")).
		Build(),
	).AsInt64()
	if err != nil {
		return 0, storage.Wrap("revoke_family", r.sc.kind, fmt.Errorf("failed to revoke family: %w", err))
	}
	return int(n), nil
}

type scopeRepository struct {
	repository[storage.Scope]
}

func (r *scopeRepository) List(ctx context.Context) (scopes []*storage.Scope, err error) {
	ctx, done := r.s.obs.Start(ctx, "list", storage.KindScope)
	defer func() { done(err) }()

	ids, err := r.s.client.Do(ctx, r.s.client.B().Smembers().Key(r.s.scopeIndexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, storage.Wrap("list", storage.KindScope, fmt.Errorf("failed to list scopes: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]valkeygo.Completed, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, r.s.client.B().Hgetall().Key(r.key(id)).Build())
	}

	for _, res := range r.s.client.DoMulti(ctx, cmds...) {
		fields, err := res.AsStrMap()
		if err != nil {
			return nil, storage.Wrap("list", storage.KindScope, fmt.Errorf("failed to get scope: %w", err))
		}
		sc, err := r.decode(fields)
		if err != nil {
			return nil, storage.Wrap("list", storage.KindScope, err)
		}
		if sc != nil && !sc.Revoked {
			scopes = append(scopes, sc)
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

	return r.transition(ctx, "consume", "used", id)
}

type accessTokenRepository struct {
	repository[storage.AccessToken]
}

func (r *accessTokenRepository) RevokeFamily(ctx context.Context, familyID string) (n int, err error) {
	ctx, done := r.s.obs.Start(ctx, "revoke_family", storage.KindAccessToken)
	defer func() { done(err) }()

	return r.revokeFamily(ctx, familyID)
}

type refreshTokenRepository struct {
	repository[storage.RefreshToken]
}

func (r *refreshTokenRepository) Rotate(ctx context.Context, id string) (token *storage.RefreshToken, err error) {
	ctx, done := r.s.obs.Start(ctx, "rotate", storage.KindRefreshToken)
	defer func() { done(err) }()

	return r.transition(ctx, "rotate", "revoked", id)
}

func (r *refreshTokenRepository) RevokeFamily(ctx context.Context, familyID string) (n int, err error) {
	ctx, done := r.s.obs.Start(ctx, "revoke_family", storage.KindRefreshToken)
	defer func() { done(err) }()

	return r.revokeFamily(ctx, familyID)
}

type replayRepository struct {
	s *Store
}

// InsertIfAbsent stores the jti with a TTL of the remaining window. A record
// whose window already elapsed is accepted without being stored.
func (r *replayRepository) InsertIfAbsent(ctx context.Context, rec *storage.ReplayRecord, window time.Duration) (inserted bool, err error) {
	ctx, done := r.s.obs.Start(ctx, "insert_if_absent", storage.KindReplayRecord)
	defer func() { done(err) }()

	if rec == nil || rec.JTI == "" {
		return false, storage.Wrap("insert_if_absent", storage.KindReplayRecord, fmt.Errorf("jti is required"))
	}

	ttl := rec.SeenAt.Add(window).Sub(r.s.now())
	if ttl.Milliseconds() <= 0 {
		return true, nil
	}

	err = r.s.client.Do(ctx, r.s.client.B().Set().
		Key(r.s.entityKey(storage.KindReplayRecord, rec.JTI)).
		Value(rec.ResourceURI).
		Nx().
		Px(ttl.Milliseconds()).
		Build(),
	).Error()
	if isNilError(err) {
		return false, nil
	}
	if err != nil {
		return false, storage.Wrap("insert_if_absent", storage.KindReplayRecord, fmt.Errorf("failed to record jti: %w", err))
	}
	return true, nil
}

// Prune is a no-op; replay keys expire on their own.
func (r *replayRepository) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}
