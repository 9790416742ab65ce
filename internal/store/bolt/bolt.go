package bolt

import (
	"bytes"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store implements store.Store using bbolt (embedded B+ tree).
type Store struct {
	db *bolt.DB
}

// Options tunes how the database file is opened.
type Options struct {
	// Timeout bounds the wait for the file lock held by another process.
	// Zero waits forever, matching bbolt.
	Timeout  time.Duration
	ReadOnly bool
}

// Open creates or opens a bbolt database at the given path.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions is Open with an explicit lock timeout and mode.
func OpenWithOptions(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:  opts.Timeout,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return &Store{db: db}, nil
}

// Exists reports whether a database file is present at path.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func (s *Store) Get(bucket, key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		val = get(tx, bucket, key)
		return nil
	})
	return val, err
}

func (s *Store) Set(bucket, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return b.Put(key, value)
	})
}

func (s *Store) SetMany(bucket []byte, pairs map[string][]byte) error {
	if len(pairs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		for k, v := range pairs {
			if err := b.Put([]byte(k), v); err != nil {
				return fmt.Errorf("put %x: %w", k, err)
			}
		}
		return nil
	})
}

func (s *Store) CompareAndSwap(bucket, key, old, new []byte) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		cur := b.Get(key)
		if old == nil {
			if cur != nil {
				return nil
			}
		} else if cur == nil || !bytes.Equal(cur, old) {
			return nil
		}
		if new == nil {
			err = b.Delete(key)
		} else {
			err = b.Put(key, new)
		}
		if err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *Store) Delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

// ForEach calls fn for every pair in bucket in key order. key and value
// are only valid during the call.
func (s *Store) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// get copies the value out of the transaction; bbolt memory is only valid
// while the transaction is open.
func get(tx *bolt.Tx, bucket, key []byte) []byte {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return bytes.Clone(b.Get(key))
}
