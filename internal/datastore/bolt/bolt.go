package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/samber/mo"
	bolt "go.etcd.io/bbolt"

	"github.com/UltraSive/kvmodel/internal/datastore"
)

// Backend stores every collection in its own bucket of one Bolt file.
// Bolt serializes write transactions, which makes each mutation atomic.
type Backend struct {
	db  *bolt.DB
	now func() time.Time
}

var _ datastore.Backend = (*Backend)(nil)

// Open initializes or opens a Bolt file at path.
func Open(path string) (*Backend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return &Backend{db: db, now: time.Now}, nil
}

func (b *Backend) Open(collection string) (datastore.Datastore, error) {
	name := []byte(collection)
	if err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	}); err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", collection, err)
	}
	return &Bucket{b: b, name: name}, nil
}

func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Bucket is the Datastore view of one collection.
type Bucket struct {
	b    *Backend
	name []byte
}

var (
	_ datastore.Datastore = (*Bucket)(nil)
	_ datastore.Sweeper   = (*Bucket)(nil)
)

func (s *Bucket) lookup(tx *bolt.Tx, key string) (datastore.Record, bool, error) {
	v := tx.Bucket(s.name).Get([]byte(key))
	if v == nil {
		return datastore.Record{}, false, nil
	}
	r, err := datastore.DecodeRecord(v)
	if err != nil {
		return datastore.Record{}, false, err
	}
	return r, true, nil
}

func put(tx *bolt.Tx, bucket []byte, key string, r datastore.Record) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func (s *Bucket) Get(_ context.Context, key string) (mo.Option[json.RawMessage], error) {
	out := mo.None[json.RawMessage]()
	err := s.b.db.View(func(tx *bolt.Tx) error {
		r, ok, err := s.lookup(tx, key)
		if err != nil || !ok || r.Expired(s.b.now()) {
			return err
		}
		// Bolt memory is only valid inside the transaction.
		out = mo.Some(datastore.CloneRaw(r.Value))
		return nil
	})
	return out, err
}

func (s *Bucket) Set(_ context.Context, key string, value json.RawMessage, ttl *time.Duration) error {
	return s.b.db.Update(func(tx *bolt.Tx) error {
		if ttl != nil && *ttl <= 0 {
			return tx.Bucket(s.name).Delete([]byte(key))
		}
		return put(tx, s.name, key, datastore.NewRecord(s.b.now(), value, ttl))
	})
}

func (s *Bucket) Expire(_ context.Context, key string, ttl time.Duration) error {
	return s.b.db.Update(func(tx *bolt.Tx) error {
		now := s.b.now()
		r, ok, err := s.lookup(tx, key)
		if err != nil {
			return err
		}
		if !ok || r.Expired(now) {
			return fmt.Errorf("expire %q: %w", key, datastore.ErrNotFound)
		}
		if ttl <= 0 {
			return tx.Bucket(s.name).Delete([]byte(key))
		}
		return put(tx, s.name, key, r.WithTTL(now, ttl))
	})
}

func (s *Bucket) Delete(_ context.Context, key string) error {
	return s.b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.name).Delete([]byte(key))
	})
}

func (s *Bucket) TTL(_ context.Context, key string) (mo.Option[time.Duration], error) {
	out := mo.None[time.Duration]()
	err := s.b.db.View(func(tx *bolt.Tx) error {
		now := s.b.now()
		r, ok, err := s.lookup(tx, key)
		if err != nil {
			return err
		}
		if !ok || r.Expired(now) {
			return fmt.Errorf("ttl %q: %w", key, datastore.ErrNotFound)
		}
		out = r.Remaining(now)
		return nil
	})
	return out, err
}

func (s *Bucket) Keys(_ context.Context, match string) ([]string, error) {
	g, err := datastore.CompileMatch(match)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	err = s.b.db.View(func(tx *bolt.Tx) error {
		now := s.b.now()
		return tx.Bucket(s.name).ForEach(func(k, v []byte) error {
			r, err := datastore.DecodeRecord(v)
			if err != nil {
				return nil
			}
			if !r.Expired(now) && datastore.Matches(g, string(k)) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	sort.Strings(keys)
	return keys, err
}

func (s *Bucket) Sweep(limit int) (int, error) {
	n := 0
	err := s.b.db.Update(func(tx *bolt.Tx) error {
		now := s.b.now()
		bkt := tx.Bucket(s.name)
		var dead [][]byte
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(dead) >= limit {
				break
			}
			if r, err := datastore.DecodeRecord(v); err == nil && r.Expired(now) {
				dead = append(dead, append([]byte(nil), k...))
			}
		}
		for _, k := range dead {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		n = len(dead)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close is a no-op; the Backend owns the file.
func (s *Bucket) Close() error { return nil }
