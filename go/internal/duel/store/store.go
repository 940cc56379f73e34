// Package store provides the durable key/value backends used for the offline
// answer queue and the guest identity.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store is closed")

// KV is a string key/value store. Get reports whether the key existed.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Driver    string `yaml:"driver" validate:"oneof=memory file redis sqlite"`
	Path      string `yaml:"path" validate:"required_if=Driver file,required_if=Driver sqlite"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Driver redis"`
	RedisDB   int    `yaml:"redis_db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Open builds the backend named by cfg.Driver
func Open(ctx context.Context, cfg Config) (KV, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return OpenFileStore(cfg.Path)
	case "redis":
		return OpenRedisStore(ctx, RedisOptions{Addr: cfg.RedisAddr, DB: cfg.RedisDB, KeyPrefix: cfg.KeyPrefix})
	case "sqlite":
		return OpenSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// MemoryStore keeps values in process memory. Used in tests and as the default.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	closed bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
