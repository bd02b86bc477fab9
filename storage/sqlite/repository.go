package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/pod-oauth/storage"
)

// repository implements storage.Repository over one table.
type repository[T any] struct {
	s  *Store
	sc *schema[T]
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

	values, err := r.sc.values(entity)
	if err != nil {
		return "", storage.Wrap("create", r.sc.kind, err)
	}

	if _, err := r.s.db.ExecContext(ctx, r.sc.insertSQL, values...); err != nil {
		if isUniqueViolation(err) {
			return "", storage.ErrDuplicate
		}
		return "", storage.Wrap("create", r.sc.kind, fmt.Errorf("inserting %s: %w", r.sc.kind, err))
	}
	return *key, nil
}

func (r *repository[T]) Find(ctx context.Context, id string) (entity *T, err error) {
	ctx, done := r.s.obs.Start(ctx, "find", r.sc.kind)
	defer func() { done(err) }()

	return r.find(ctx, "find", id)
}

// find loads a live row. Expired rows are reported as ErrNotFound.
func (r *repository[T]) find(ctx context.Context, op, id string) (*T, error) {
	query := r.sc.selectSQL + " WHERE " + r.sc.key + " = ?"
	args := []any{id}
	if r.sc.expires {
		query += " AND expires_at >= ?"
		args = append(args, unixNano(r.s.now()))
	}

	entity, err := r.sc.scan(r.s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Wrap(op, r.sc.kind, fmt.Errorf("querying %s: %w", r.sc.kind, err))
	}
	return entity, nil
}

func (r *repository[T]) Revoke(ctx context.Context, id string) (err error) {
	ctx, done := r.s.obs.Start(ctx, "revoke", r.sc.kind)
	defer func() { done(err) }()

	_, err = r.s.db.ExecContext(ctx, "UPDATE "+r.sc.table+" SET revoked = 1 WHERE "+r.sc.key+" = ?", id)
	if err != nil {
		return storage.Wrap("revoke", r.sc.kind, fmt.Errorf("revoking %s: %w", r.sc.kind, err))
	}
	return nil
}

func (r *repository[T]) IsRevoked(ctx context.Context, id string) (revoked bool, err error) {
	ctx, done := r.s.obs.Start(ctx, "is_revoked", r.sc.kind)
	defer func() { done(err) }()

	err = r.s.db.QueryRowContext(ctx, "SELECT revoked FROM "+r.sc.table+" WHERE "+r.sc.key+" = ?", id).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, storage.Wrap("is_revoked", r.sc.kind, fmt.Errorf("querying %s: %w", r.sc.kind, err))
	}
	return revoked, nil
}

// transition runs a conditional UPDATE that only matches an active row and
// reports whether this call performed it.
func (r *repository[T]) transition(ctx context.Context, op, set, guard, id string) (*T, error) {
	res, err := r.s.db.ExecContext(ctx,
		"UPDATE "+r.sc.table+" SET "+set+" WHERE id = ? AND "+guard+" AND expires_at >= ?",
		id, unixNano(r.s.now()))
	if err != nil {
		return nil, storage.Wrap(op, r.sc.kind, fmt.Errorf("updating %s: %w", r.sc.kind, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storage.Wrap(op, r.sc.kind, err)
	}

	entity, err := r.find(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return entity, storage.ErrAlreadyUsed
	}
	return entity, nil
}

func (r *repository[T]) revokeFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}
	res, err := r.s.db.ExecContext(ctx,
		"UPDATE "+r.sc.table+" SET revoked = 1 WHERE family_id = ? AND revoked = 0", familyID)
	if err != nil {
		return 0, storage.Wrap("revoke_family", r.sc.kind, fmt.Errorf("revoking family: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("revoke_family", r.sc.kind, err)
	}
	return int(affected), nil
}

type scopeRepository struct {
	repository[storage.Scope]
}

func (r *scopeRepository) List(ctx context.Context) (scopes []*storage.Scope, err error) {
	ctx, done := r.s.obs.Start(ctx, "list", storage.KindScope)
	defer func() { done(err) }()

	rows, err := r.s.db.QueryContext(ctx, r.sc.selectSQL+" WHERE revoked = 0 ORDER BY identifier")
	if err != nil {
		return nil, storage.Wrap("list", storage.KindScope, fmt.Errorf("querying scopes: %w", err))
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		sc, err := r.sc.scan(rows)
		if err != nil {
			return nil, storage.Wrap("list", storage.KindScope, fmt.Errorf("scanning scope: %w", err))
		}
		scopes = append(scopes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("list", storage.KindScope, err)
	}
	return scopes, nil
}

type codeRepository struct {
	repository[storage.AuthorizationCode]
}

func (r *codeRepository) Consume(ctx context.Context, id string) (code *storage.AuthorizationCode, err error) {
	ctx, done := r.s.obs.Start(ctx, "consume", storage.KindAuthorizationCode)
	defer func() { done(err) }()

	return r.transition(ctx, "consume", "used = 1", "used = 0 AND revoked = 0", id)
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

	return r.transition(ctx, "rotate", "revoked = 1", "revoked = 0", id)
}

func (r *refreshTokenRepository) RevokeFamily(ctx context.Context, familyID string) (n int, err error) {
	ctx, done := r.s.obs.Start(ctx, "revoke_family", storage.KindRefreshToken)
	defer func() { done(err) }()

	return r.revokeFamily(ctx, familyID)
}

type replayRepository struct {
	s *Store
}

// InsertIfAbsent inserts the record, or replaces one whose window has
// elapsed. The upsert's WHERE clause makes check and write one statement.
func (r *replayRepository) InsertIfAbsent(ctx context.Context, rec *storage.ReplayRecord, window time.Duration) (inserted bool, err error) {
	ctx, done := r.s.obs.Start(ctx, "insert_if_absent", storage.KindReplayRecord)
	defer func() { done(err) }()

	if rec == nil || rec.JTI == "" {
		return false, storage.Wrap("insert_if_absent", storage.KindReplayRecord, fmt.Errorf("jti is required"))
	}

	res, err := r.s.db.ExecContext(ctx, `
		INSERT INTO replay_records (jti, resource_uri, seen_at) VALUES (?, ?, ?)
		ON CONFLICT (jti) DO UPDATE SET resource_uri = excluded.resource_uri, seen_at = excluded.seen_at
		WHERE replay_records.seen_at <= ?`,
		rec.JTI, rec.ResourceURI, unixNano(rec.SeenAt), unixNano(rec.SeenAt.Add(-window)))
	if err != nil {
		return false, storage.Wrap("insert_if_absent", storage.KindReplayRecord, fmt.Errorf("inserting replay record: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storage.Wrap("insert_if_absent", storage.KindReplayRecord, err)
	}
	return affected == 1, nil
}

func (r *replayRepository) Prune(ctx context.Context, cutoff time.Time) (n int, err error) {
	ctx, done := r.s.obs.Start(ctx, "prune", storage.KindReplayRecord)
	defer func() { done(err) }()

	res, err := r.s.db.ExecContext(ctx, "DELETE FROM replay_records WHERE seen_at < ?", unixNano(cutoff))
	if err != nil {
		return 0, storage.Wrap("prune", storage.KindReplayRecord, fmt.Errorf("pruning replay records: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("prune", storage.KindReplayRecord, err)
	}
	return int(affected), nil
}
