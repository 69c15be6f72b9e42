package datastore

import (
	"encoding/json"
	"math"
	"time"

	"github.com/samber/mo"
)

// Never is the Record expiry of an entry without a TTL.
const Never int64 = math.MaxInt64

// maxExpiry is the latest instant whose unix nanos fit below Never.
var maxExpiry = time.Unix(0, Never-1)

// expiryNanos converts exp to unix nanos, clamping instants past the int64
// range to the latest representable expiry.
func expiryNanos(exp time.Time) int64 {
	if exp.After(maxExpiry) {
		return Never - 1
	}
	return exp.UnixNano()
}

// Record is the on-disk wrapper used by the persistent backends.
type Record struct {
	Expiry int64           `json:"expiry"` // unix nanos
	Value  json.RawMessage `json:"value"`
}

func NewRecord(now time.Time, value json.RawMessage, ttl *time.Duration) Record {
	r := Record{Expiry: Never, Value: value}
	if exp := ExpiryFor(now, ttl); !exp.IsZero() {
		r.Expiry = expiryNanos(exp)
	}
	return r
}

func DecodeRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

func (r Record) Encode() ([]byte, error) {
	return json.Marshal(&r)
}

func (r Record) Expired(now time.Time) bool {
	return r.Expiry != Never && now.UnixNano() >= r.Expiry
}

// Remaining is the lifetime left at now, or mo.None for Never.
func (r Record) Remaining(now time.Time) mo.Option[time.Duration] {
	if r.Expiry == Never {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(r.Expiry - now.UnixNano()))
}

// WithTTL returns r with its expiry reset to now+ttl.
func (r Record) WithTTL(now time.Time, ttl time.Duration) Record {
	r.Expiry = expiryNanos(ExpiryFor(now, &ttl))
	return r
}
