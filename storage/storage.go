// Package storage defines the key/value cache contract used to keep hot
// catalog reads away from the database, plus the options shared by its
// implementations (storage/lrucache, storage/rediscache).
//
// The SAT repositories themselves live in storage/memstore and
// storage/sqlstore; storage/catalogcache glues a Cache in front of one.
package storage

import (
	"context"
	"errors"
	"time"
)

// Cache defines the primary interface for namespaced byte storage with
// optional expiry.
type Cache interface {
	// Get retrieves data for a specific key within the given namespace.
	// Returns nil Item if key doesn't exist or has expired.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a specific key within the given namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace.
	// If no key specified via WithKey, removes the entire namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the cache backend and releases resources.
	Close() error
}

// Item represents a stored piece of data with metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired checks if the item has expired.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures cache operations.
type Option func(*Options)

// Options contains configuration for cache operations.
type Options struct {
	Namespace string         // "" = global
	Key       *string        // specific key (for Delete operations)
	TTL       *time.Duration // time-to-live for the data
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithNamespace scopes the operation to ns.
func WithNamespace(ns string) Option {
	return func(opts *Options) {
		opts.Namespace = ns
	}
}

// WithKey specifies a specific key for Delete operations.
// If not provided, Delete removes the entire namespace.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data. Zero or negative means
// no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		if ttl > 0 {
			opts.TTL = &ttl
		}
	}
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided.
	ErrInvalidOptions = errors.New("storage: invalid option combination")
)
