package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackingStoreOptions configures the Redis-backed durable mirror.
type RedisBackingStoreOptions struct {
	Addr     string
	Password string
	DB       int
	// Namespace prefixes every key to prevent collisions, e.g. "fftt".
	Namespace string
	// DialTimeout bounds the initial connectivity check.
	DialTimeout time.Duration
	Logger      Logger
}

// RedisBackingStore mirrors state entries to Redis so a restarted process can
// warm its state store. It keeps only the newest version per key; in-process
// history is rebuilt from live writes.
type RedisBackingStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// NewRedisBackingStore connects to Redis and verifies connectivity with Ping.
func NewRedisBackingStore(opts RedisBackingStoreOptions) (*RedisBackingStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required: %w", ErrMissingConfiguration)
	}
	if opts.Namespace == "" {
		opts.Namespace = "fftt"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w: %v", ErrTransient, err)
	}

	opts.Logger.Info("Redis backing store connected", map[string]interface{}{
		"operation": "redis_backing_connect",
		"addr":      opts.Addr,
		"db":        opts.DB,
		"namespace": opts.Namespace,
	})
	return &RedisBackingStore{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}, nil
}

func (r *RedisBackingStore) entryKey(key string) string {
	return r.namespace + ":state:" + key
}

func (r *RedisBackingStore) indexKey() string {
	return r.namespace + ":state:__index"
}

// Save mirrors the newest version of a key. Network failures surface as
// transient so the state store's bounded retry applies.
func (r *RedisBackingStore) Save(ctx context.Context, entry StateEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding state entry %q: %w", entry.Key, ErrInvalidConfiguration)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.entryKey(entry.Key), raw, 0)
	pipe.SAdd(ctx, r.indexKey(), entry.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirroring %q to redis: %w: %v", entry.Key, ErrTransient, err)
	}
	return nil
}

// Load returns the newest mirrored version of every key.
func (r *RedisBackingStore) Load(ctx context.Context) ([]StateEntry, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("reading redis index: %w: %v", ErrTransient, err)
	}
	entries := make([]StateEntry, 0, len(keys))
	for _, key := range keys {
		raw, err := r.client.Get(ctx, r.entryKey(key)).Result()
		if err == redis.Nil {
			// Index drift: the entry was deleted out from under the index.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading mirrored key %q: %w: %v", key, ErrTransient, err)
		}
		var entry StateEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			r.logger.Warn("Skipping undecodable mirrored entry", map[string]interface{}{
				"operation": "redis_backing_load",
				"key":       key,
				"error":     err.Error(),
			})
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete removes a mirrored key and its index membership.
func (r *RedisBackingStore) Delete(ctx context.Context, key string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.entryKey(key))
	pipe.SRem(ctx, r.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting mirrored key %q: %w: %v", key, ErrTransient, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *RedisBackingStore) Close() error {
	return r.client.Close()
}
