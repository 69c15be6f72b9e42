package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/mo"
)

var (
	// ErrNotFound is returned by Expire and TTL when the key is missing or
	// already expired. Get reports absence through mo.None instead.
	ErrNotFound = errors.New("datastore: key not found")
	// ErrInvalidPattern is returned by Keys for a malformed match pattern.
	ErrInvalidPattern = errors.New("datastore: invalid match pattern")
)

// Datastore is a key-value store with per-key expiration.
// Implementations must be safe for concurrent use by multiple goroutines.
type Datastore interface {
	// Get returns the value for key, or mo.None if it was never set, was
	// deleted or has expired.
	Get(ctx context.Context, key string) (mo.Option[json.RawMessage], error)
	// Set replaces the entry for key. A nil ttl means the entry never
	// expires; a ttl <= 0 makes it unreadable immediately.
	Set(ctx context.Context, key string, value json.RawMessage, ttl *time.Duration) error
	// Expire resets the expiry of a live key to now+ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// TTL returns the remaining lifetime of a live key, or mo.None when it
	// never expires.
	TTL(ctx context.Context, key string) (mo.Option[time.Duration], error)
	// Keys returns the live keys matching the glob pattern, sorted.
	// An empty pattern matches everything.
	Keys(ctx context.Context, match string) ([]string, error)
	Close() error
}

// Sweeper is implemented by datastores that can reclaim expired entries
// ahead of the next read. Sweep removes at most limit entries (no limit when
// limit <= 0) and returns how many it removed.
type Sweeper interface {
	Sweep(limit int) (int, error)
}

// Backend opens one Datastore per collection.
type Backend interface {
	Open(collection string) (Datastore, error)
	Close() error
}

// MaxTTLMillis is the largest millisecond ttl that fits a time.Duration.
const MaxTTLMillis = math.MaxInt64 / int64(time.Millisecond)

// TTLDuration converts a millisecond count into the ttl argument of Set.
// Counts above MaxTTLMillis saturate instead of wrapping negative.
func TTLDuration(ms int64) *time.Duration {
	d := time.Duration(math.MaxInt64)
	if ms <= MaxTTLMillis {
		d = time.Duration(ms) * time.Millisecond
	}
	return &d
}

// CompileMatch compiles a Keys pattern. A nil matcher matches every key.
func CompileMatch(match string) (glob.Glob, error) {
	if match == "" {
		return nil, nil
	}
	g, err := glob.Compile(match)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, match, err)
	}
	return g, nil
}

// Matches reports whether key passes a matcher from CompileMatch.
func Matches(g glob.Glob, key string) bool {
	return g == nil || g.Match(key)
}

// CloneRaw returns a copy of v that shares no memory with it.
func CloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}

// ExpiryFor returns the absolute expiry for ttl relative to now.
// The zero time means no expiry.
func ExpiryFor(now time.Time, ttl *time.Duration) time.Time {
	if ttl == nil {
		return time.Time{}
	}
	if *ttl <= 0 {
		return now
	}
	return now.Add(*ttl)
}

// Expired reports whether an entry with the given expiry is dead at now.
func Expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
