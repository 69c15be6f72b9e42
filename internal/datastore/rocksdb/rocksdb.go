package rocksdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linxGnu/grocksdb"
	"github.com/samber/mo"

	"github.com/UltraSive/kvmodel/internal/datastore"
)

// Backend is a single RocksDB database shared by all collections. Each
// collection owns the keys prefixed with its name and a NUL byte.
type Backend struct {
	db        *grocksdb.DB
	readOpts  *grocksdb.ReadOptions
	writeOpts *grocksdb.WriteOptions
	now       func() time.Time
}

var _ datastore.Backend = (*Backend)(nil)

func Open(path string) (*Backend, error) {
	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	db, err := grocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, fmt.Errorf("open rocksdb %s: %w", path, err)
	}
	return &Backend{
		db:        db,
		readOpts:  grocksdb.NewDefaultReadOptions(),
		writeOpts: grocksdb.NewDefaultWriteOptions(),
		now:       time.Now,
	}, nil
}

func (b *Backend) Open(collection string) (datastore.Datastore, error) {
	return &Collection{b: b, prefix: []byte(collection + "\x00")}, nil
}

func (b *Backend) Close() error {
	b.readOpts.Destroy()
	b.writeOpts.Destroy()
	b.db.Close()
	return nil
}

// Collection is the Datastore view of one prefix. mu serializes mutations
// so Expire's read-modify-write cannot interleave with Set or Delete.
type Collection struct {
	b      *Backend
	prefix []byte
	mu     sync.RWMutex
}

var (
	_ datastore.Datastore = (*Collection)(nil)
	_ datastore.Sweeper   = (*Collection)(nil)
)

func (c *Collection) dbKey(key string) []byte {
	k := make([]byte, 0, len(c.prefix)+len(key))
	return append(append(k, c.prefix...), key...)
}

func (c *Collection) read(key []byte) (datastore.Record, bool, error) {
	v, err := c.b.db.Get(c.b.readOpts, key)
	if err != nil {
		return datastore.Record{}, false, err
	}
	defer v.Free()
	if !v.Exists() {
		return datastore.Record{}, false, nil
	}
	r, err := datastore.DecodeRecord(v.Data())
	if err != nil {
		return datastore.Record{}, false, err
	}
	return r, true, nil
}

func (c *Collection) write(key []byte, r datastore.Record) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	return c.b.db.Put(c.b.writeOpts, key, data)
}

func (c *Collection) Get(_ context.Context, key string) (mo.Option[json.RawMessage], error) {
	c.mu.RLock()
	r, ok, err := c.read(c.dbKey(key))
	c.mu.RUnlock()
	if err != nil {
		return mo.None[json.RawMessage](), err
	}
	if !ok || r.Expired(c.b.now()) {
		return mo.None[json.RawMessage](), nil
	}
	return mo.Some(datastore.CloneRaw(r.Value)), nil
}

func (c *Collection) Set(_ context.Context, key string, value json.RawMessage, ttl *time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl != nil && *ttl <= 0 {
		return c.b.db.Delete(c.b.writeOpts, c.dbKey(key))
	}
	return c.write(c.dbKey(key), datastore.NewRecord(c.b.now(), value, ttl))
}

func (c *Collection) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.dbKey(key)
	now := c.b.now()
	r, ok, err := c.read(k)
	if err != nil {
		return err
	}
	if !ok || r.Expired(now) {
		return fmt.Errorf("expire %q: %w", key, datastore.ErrNotFound)
	}
	if ttl <= 0 {
		return c.b.db.Delete(c.b.writeOpts, k)
	}
	return c.write(k, r.WithTTL(now, ttl))
}

func (c *Collection) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.db.Delete(c.b.writeOpts, c.dbKey(key))
}

func (c *Collection) TTL(_ context.Context, key string) (mo.Option[time.Duration], error) {
	c.mu.RLock()
	r, ok, err := c.read(c.dbKey(key))
	c.mu.RUnlock()
	if err != nil {
		return mo.None[time.Duration](), err
	}
	now := c.b.now()
	if !ok || r.Expired(now) {
		return mo.None[time.Duration](), fmt.Errorf("ttl %q: %w", key, datastore.ErrNotFound)
	}
	return r.Remaining(now), nil
}

// scan calls fn for every record under the collection prefix.
func (c *Collection) scan(fn func(key []byte, r datastore.Record)) error {
	it := c.b.db.NewIterator(c.b.readOpts)
	defer it.Close()
	for it.Seek(c.prefix); it.ValidForPrefix(c.prefix); it.Next() {
		k, v := it.Key(), it.Value()
		if r, err := datastore.DecodeRecord(v.Data()); err == nil {
			fn(bytes.Clone(k.Data()), r)
		}
		k.Free()
		v.Free()
	}
	return it.Err()
}

func (c *Collection) Keys(_ context.Context, match string) ([]string, error) {
	g, err := datastore.CompileMatch(match)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.b.now()
	keys := []string{}
	err = c.scan(func(k []byte, r datastore.Record) {
		key := string(k[len(c.prefix):])
		if !r.Expired(now) && datastore.Matches(g, key) {
			keys = append(keys, key)
		}
	})
	sort.Strings(keys)
	return keys, err
}

// Sweep deletes expired records with one write batch.
func (c *Collection) Sweep(limit int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.b.now()
	batch := grocksdb.NewWriteBatch()
	defer batch.Destroy()
	n := 0
	err := c.scan(func(k []byte, r datastore.Record) {
		if (limit <= 0 || n < limit) && r.Expired(now) {
			batch.Delete(k)
			n++
		}
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := c.b.db.Write(c.b.writeOpts, batch); err != nil {
		return 0, err
	}
	return n, nil
}

// Close is a no-op; the Backend owns the database handle.
func (c *Collection) Close() error { return nil }
