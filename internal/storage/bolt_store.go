package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	reportedBucket = "reported_builds"
	recordBytes    = 16 // expiry unix seconds + delivered unix seconds
)

var errBucketMissing = errors.New("reported builds bucket missing")

// record is the persisted value for a delivered build.
type record struct {
	expiresAt   time.Time
	deliveredAt time.Time
}

func (r record) encode() []byte {
	buf := make([]byte, recordBytes)
	binary.BigEndian.PutUint64(buf[:8], uint64(r.expiresAt.Unix()))
	binary.BigEndian.PutUint64(buf[8:], uint64(r.deliveredAt.Unix()))
	return buf
}

func decodeRecord(value []byte) (record, bool) {
	if len(value) != recordBytes {
		return record{}, false
	}
	exp := int64(binary.BigEndian.Uint64(value[:8]))
	if exp <= 0 {
		return record{}, false
	}
	return record{
		expiresAt:   time.Unix(exp, 0),
		deliveredAt: time.Unix(int64(binary.BigEndian.Uint64(value[8:])), 0),
	}, true
}

func (r record) liveAt(now time.Time) bool { return r.expiresAt.After(now) }

// boltStore remembers delivered build IDs in a bbolt file.
type boltStore struct {
	db              *bolt.DB
	ttl             time.Duration
	cleanupInterval time.Duration
	cleanupMu       sync.Mutex
	lastCleanup     atomic.Int64
	now             func() time.Time
}

func openBolt(path string, opts Options) (*boltStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(reportedBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}

	s := &boltStore{
		db:              db,
		ttl:             opts.EventTTL,
		cleanupInterval: opts.CleanupInterval,
		now:             time.Now,
	}
	s.lastCleanup.Store(s.now().Unix())
	return s, nil
}

func (s *boltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *boltStore) withBucket(fn func(*bolt.Bucket) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(reportedBucket))
		if b == nil {
			return errBucketMissing
		}
		return fn(b)
	})
}

// SeenEvent reports whether the build was delivered and has not expired yet.
func (s *boltStore) SeenEvent(id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	now := s.now()
	if err := s.maybeCleanup(now); err != nil {
		return false, err
	}

	var seen bool
	err := s.withBucket(func(b *bolt.Bucket) error {
		key := []byte(id)
		rec, ok := decodeRecord(b.Get(key))
		if ok && rec.liveAt(now) {
			seen = true
			return nil
		}
		if b.Get(key) != nil {
			return b.Delete(key)
		}
		return nil
	})
	return seen, err
}

// MarkEvent records the build as delivered for the configured TTL.
func (s *boltStore) MarkEvent(id string) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := s.now()
	if err := s.maybeCleanup(now); err != nil {
		return err
	}
	rec := record{expiresAt: now.Add(s.ttl), deliveredAt: now}
	return s.withBucket(func(b *bolt.Bucket) error {
		return b.Put([]byte(id), rec.encode())
	})
}

// maybeCleanup sweeps expired entries at most once per cleanup interval.
func (s *boltStore) maybeCleanup(now time.Time) error {
	due := func() bool {
		return now.Sub(time.Unix(s.lastCleanup.Load(), 0)) >= s.cleanupInterval
	}
	if !due() {
		return nil
	}

	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if !due() {
		return nil
	}

	err := s.withBucket(func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if rec, ok := decodeRecord(v); ok && rec.liveAt(now) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.lastCleanup.Store(now.Unix())
	}
	return err
}
