package zerotrust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/redis/go-redis/v9"
)

// DialRedis connects to the configured Redis. It returns nil, nil when no
// URL is configured.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisStore keeps sessions in Redis as JSON values with a TTL equal to the
// session lifetime, plus an index set for listing.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store over client. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) index() string        { return r.prefix + "sessions" }

// Put stores s with the configured TTL.
func (r *RedisStore) Put(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(s.ID), data, r.ttl)
	pipe.SAdd(ctx, r.index(), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Get returns the session with id.
func (r *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decoding session: %w", err)
	}
	return s, nil
}

// Delete removes the session.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.key(id))
	pipe.SRem(ctx, r.index(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if del.Val() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// List returns every live session. Index entries whose value has expired
// are pruned.
func (r *RedisStore) List(ctx context.Context) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, r.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	var out []Session
	var stale []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.index(), stale...).Err()
	}
	sortSessions(out)
	return out, nil
}

// DeleteCreatedBefore implements SessionStore.
func (r *RedisStore) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if err := r.Delete(ctx, s.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}
