package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KV is a Store backed by a JetStream key-value bucket. Expiry is the
// bucket TTL, so every replica sharing the bucket sees the same entries.
type KV struct {
	kv jetstream.KeyValue
}

// NewKV creates or updates bucket with the given TTL.
func NewKV(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*KV, error) {
	if bucket == "" {
		bucket = "loopforge_cache"
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "loopforge expiring lookups",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: creating bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv}, nil
}

func (c *KV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := c.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (c *KV) Set(ctx context.Context, key string, value []byte) error {
	if _, err := c.kv.Put(ctx, kvKey(key), value); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (c *KV) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, kvKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

// kvKey maps arbitrary keys onto the KV key alphabet.
func kvKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '=', r == '.', r == '/':
			return r
		default:
			return '_'
		}
	}, key)
}
