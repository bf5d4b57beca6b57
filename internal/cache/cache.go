// Package cache provides a small expiring key-value store. Entries are
// opaque bytes; callers own the encoding.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fyrsmithlabs/loopforge/internal/config"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is an expiring key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.Driver. The nats driver requires js.
func New(ctx context.Context, cfg config.CacheConfig, js jetstream.JetStream) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewLRU(cfg.Size, cfg.TTL.Duration()), nil
	case "nats":
		if js == nil {
			return nil, errors.New("cache: nats driver requires a JetStream connection")
		}
		return NewKV(ctx, js, cfg.Bucket, cfg.TTL.Duration())
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}

// LRU is an in-process Store bounded by size and entry age.
type LRU struct {
	lru *expirable.LRU[string, []byte]
}

// NewLRU creates an LRU holding at most size entries for ttl each.
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = 1024
	}
	return &LRU{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), v...), nil
}

func (c *LRU) Set(_ context.Context, key string, value []byte) error {
	c.lru.Add(key, append([]byte(nil), value...))
	return nil
}

func (c *LRU) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}
