package activity

import (
	"os"
	"strconv"
	"sync"
)

// Defaults applied by NewConfig and restored by Reset.
const (
	// DefaultCollectionName is the Mongo collection activity records are written to.
	DefaultCollectionName = "activities"
	// DefaultMaxSubscribers is the hook-count boundary above which registration warns.
	DefaultMaxSubscribers = 50
)

// Option is a functional option for configuring a Config instance.
// Functional options provide a clean and extensible way to adjust settings
// without constructors taking long parameter lists.
type Option func(*settings)

// settings holds the raw option values behind a Config.
type settings struct {
	collectionName string
	createIndexes  bool
	asyncWrites    bool
	retentionDays  int
	throwOnError   bool
	maxSubscribers int
}

func defaultSettings() settings {
	return settings{
		collectionName: DefaultCollectionName,
		createIndexes:  true,
		asyncWrites:    false,
		retentionDays:  0,
		throwOnError:   false,
		maxSubscribers: DefaultMaxSubscribers,
	}
}

// WithCollectionName sets the name of the collection the activity log is stored in.
// Changing it at runtime invalidates any cached collection handle: the next write
// or query rebuilds the handle against the new collection.
func WithCollectionName(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.collectionName = name
		}
	}
}

// WithCreateIndexes enables or disables automatic index creation on the log
// collection (userId, entity and createdAt indexes, plus the TTL index when a
// retention period is configured).
func WithCreateIndexes(create bool) Option {
	return func(s *settings) { s.createIndexes = create }
}

// WithAsyncWrites switches between synchronous persistence (the default) and
// fire-and-forget writes. In asynchronous mode LogActivity returns before the
// write completes and outcomes surface only through the logged/error hooks.
func WithAsyncWrites(async bool) Option {
	return func(s *settings) { s.asyncWrites = async }
}

// WithRetentionDays sets the retention period, in days, enforced by the TTL
// index on createdAt. A value of 0 disables automatic expiry. Changing the
// retention period invalidates the cached collection handle so the expiry
// policy is rebuilt on next use.
func WithRetentionDays(days int) Option {
	return func(s *settings) {
		if days >= 0 {
			s.retentionDays = days
		}
	}
}

// WithThrowOnError controls whether synchronous persistence failures are
// returned to the caller of LogActivity. When false (the default) failures are
// swallowed after the error hooks fire, with a local warning.
func WithThrowOnError(throw bool) Option {
	return func(s *settings) { s.throwOnError = throw }
}

// WithMaxSubscribers sets the hook-subscriber boundary. Registering more hooks
// than this is a warning condition, not a hard failure.
func WithMaxSubscribers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxSubscribers = n
		}
	}
}

// Config holds the mutable process-wide settings consulted by the Logger,
// Tracker and Pruner. It is owned by whoever constructs it and injected into
// components rather than imported as a package global.
//
// Concurrent Configure calls are last-write-wins per option; no multi-key
// atomicity is guaranteed. Every Configure bumps an internal generation
// counter; cached collection handles compare generations and lazily rebuild
// on next access, so no write ever lands in a stale collection after a
// reconfiguration.
type Config struct {
	mu  sync.RWMutex
	s   settings
	gen uint64
}

// NewConfig creates a Config populated with the documented defaults, then
// applies the given options.
func NewConfig(opts ...Option) *Config {
	c := &Config{s: defaultSettings(), gen: 1}
	for _, opt := range opts {
		opt(&c.s)
	}
	return c
}

// Configure merges the given options over the current state. Unspecified
// settings are left unchanged. The configuration generation is bumped even if
// the resulting values are identical; a spurious handle rebuild is harmless.
func (c *Config) Configure(opts ...Option) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, opt := range opts {
		opt(&c.s)
	}
	c.gen++
}

// Reset restores every setting to its documented default.
func (c *Config) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s = defaultSettings()
	c.gen++
}

// CollectionName returns the configured activity collection name.
func (c *Config) CollectionName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s.collectionName
}

// CreateIndexes reports whether indexes are created automatically.
func (c *Config) CreateIndexes() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s.createIndexes
}

// AsyncWrites reports whether persistence is fire-and-forget.
func (c *Config) AsyncWrites() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s.asyncWrites
}

// RetentionDays returns the TTL retention period in days; 0 means no expiry.
func (c *Config) RetentionDays() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s.retentionDays
}

// ThrowOnError reports whether synchronous write failures propagate to callers.
func (c *Config) ThrowOnError() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s.throwOnError
}

// MaxSubscribers returns the hook-subscriber warning boundary.
func (c *Config) MaxSubscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s.maxSubscribers
}

// Generation returns the current configuration generation. Handle caches
// compare it against the generation they were built under.
func (c *Config) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// LoadConfigFromEnv loads configuration options from environment variables.
// Malformed or unset variables are ignored.
//
// Supported environment variables:
//   - ACTIVITY_COLLECTION: log collection name (string).
//   - ACTIVITY_ASYNC: asynchronous write mode (boolean).
//   - ACTIVITY_RETENTION_DAYS: retention period in days (integer).
//   - ACTIVITY_THROW_ON_ERROR: propagate synchronous failures (boolean).
//   - ACTIVITY_MAX_SUBSCRIBERS: hook-subscriber warning boundary (integer).
func LoadConfigFromEnv() []Option {
	var opts []Option
	if v := os.Getenv("ACTIVITY_COLLECTION"); v != "" {
		opts = append(opts, WithCollectionName(v))
	}
	if v := os.Getenv("ACTIVITY_ASYNC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts = append(opts, WithAsyncWrites(b))
		}
	}
	if v := os.Getenv("ACTIVITY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts = append(opts, WithRetentionDays(n))
		}
	}
	if v := os.Getenv("ACTIVITY_THROW_ON_ERROR"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts = append(opts, WithThrowOnError(b))
		}
	}
	if v := os.Getenv("ACTIVITY_MAX_SUBSCRIBERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts = append(opts, WithMaxSubscribers(n))
		}
	}
	return opts
}
