package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Key prefixes in the shared keyspace.
const (
	keySession      = "aq:session:"
	keyUserSessions = "aq:usersessions:"
	keyRefresh      = "aq:refresh:"
	keyRevoked      = "aq:revoked:"
)

// revokedSlack keeps blacklist entries alive slightly past the token's
// natural expiry so clock skew between replicas cannot resurrect a token.
const revokedSlack = 5 * time.Minute

// RedisStore keeps trust state in redis so several gateway replicas share
// session and revocation truth. Session and refresh entries carry TTLs,
// so redis handles natural expiry; the sweep only prunes dangling ids
// from the per-user index sets.
type RedisStore struct {
	rdb     *redis.Client
	devices *DeviceParser
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{rdb: rdb, devices: NewDeviceParser()}, nil
}

// refresh tokens are opaque key material; hash before using as a key so a
// keyspace dump does not leak usable credentials.
func refreshKey(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return keyRefresh + hex.EncodeToString(sum[:])
}

func (r *RedisStore) CreateSession(ctx context.Context, userID, tenantID string, meta Metadata) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		TenantID:     tenantID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(SessionTTL),
		RemoteAddr:   meta.RemoteAddr,
		Device:       r.devices.Parse(meta.UserAgent),
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, keySession+sess.ID, payload, SessionTTL)
	pipe.SAdd(ctx, keyUserSessions+userID, sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	payload, err := r.rdb.Get(ctx, keySession+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess := &Session{}
	if err := json.Unmarshal(payload, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *RedisStore) TouchSession(ctx context.Context, id string) error {
	sess, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.LastActivity = time.Now().UTC()
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionNotFound
	}
	return r.rdb.Set(ctx, keySession+id, payload, ttl).Err()
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	sess, err := r.GetSession(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, keySession+id)
	pipe.SRem(ctx, keyUserSessions+sess.UserID, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) ListUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := r.rdb.SMembers(ctx, keyUserSessions+userID).Result()
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, id := range ids {
		sess, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			r.rdb.SRem(ctx, keyUserSessions+userID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (r *RedisStore) RevokeAllUserSessions(ctx context.Context, userID, exceptID string) (int, error) {
	ids, err := r.rdb.SMembers(ctx, keyUserSessions+userID).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if id == exceptID {
			continue
		}
		removed, err := r.rdb.Del(ctx, keySession+id).Result()
		if err != nil {
			return count, err
		}
		r.rdb.SRem(ctx, keyUserSessions+userID, id)
		count += int(removed)
	}
	return count, nil
}

func (r *RedisStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	// Redis expires session keys on its own; prune index entries whose
	// session key is gone.
	count := 0
	iter := r.rdb.Scan(ctx, 0, keyUserSessions+"*", 0).Iterator()
	for iter.Next(ctx) {
		setKey := iter.Val()
		ids, err := r.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return count, err
		}
		for _, id := range ids {
			exists, err := r.rdb.Exists(ctx, keySession+id).Result()
			if err != nil {
				return count, err
			}
			if exists == 0 {
				r.rdb.SRem(ctx, setKey, id)
				count++
			}
		}
	}
	return count, iter.Err()
}

func (r *RedisStore) StoreRefreshToken(ctx context.Context, tok, userID, sessionID string) error {
	rec := RefreshRecord{
		Token:     tok,
		UserID:    userID,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, refreshKey(tok), payload, SessionTTL).Err()
}

func (r *RedisStore) ValidateRefreshToken(ctx context.Context, tok string) (*RefreshRecord, error) {
	payload, err := r.rdb.Get(ctx, refreshKey(tok)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := &RefreshRecord{}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, err
	}
	if rec.RevokedAt != nil {
		return rec, ErrRefreshRevoked
	}
	return rec, nil
}

func (r *RedisStore) ConsumeRefreshToken(ctx context.Context, tok string) (*RefreshRecord, error) {
	key := refreshKey(tok)
	rec := &RefreshRecord{}
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrRefreshNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(payload, rec); err != nil {
			return err
		}
		if rec.RevokedAt != nil {
			return ErrRefreshRevoked
		}
		now := time.Now().UTC()
		revoked := *rec
		revoked.RevokedAt = &now
		out, err := json.Marshal(&revoked)
		if err != nil {
			return err
		}
		ttl, err := tx.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			ttl = SessionTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Lost the optimistic transaction: a concurrent consumer revoked
		// the token between our read and write.
		return r.ValidateRefreshToken(ctx, tok)
	}
	if errors.Is(err, ErrRefreshNotFound) {
		return nil, err
	}
	if errors.Is(err, ErrRefreshRevoked) {
		return rec, err
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RedisStore) RevokeRefreshToken(ctx context.Context, tok string) error {
	rec, err := r.ValidateRefreshToken(ctx, tok)
	if errors.Is(err, ErrRefreshNotFound) || errors.Is(err, ErrRefreshRevoked) {
		return nil
	}
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.RevokedAt = &now
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// Keep the tombstone for the key's remaining lifetime so replay of the
	// rotated token is rejected, not treated as unknown.
	ttl, err := r.rdb.TTL(ctx, refreshKey(tok)).Result()
	if err != nil || ttl <= 0 {
		ttl = SessionTTL
	}
	return r.rdb.Set(ctx, refreshKey(tok), payload, ttl).Err()
}

func (r *RedisStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp) + revokedSlack
	if ttl <= 0 {
		ttl = revokedSlack
	}
	return r.rdb.Set(ctx, keyRevoked+jti, "1", ttl).Err()
}

func (r *RedisStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.rdb.Exists(ctx, keyRevoked+jti).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
