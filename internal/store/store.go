package store

// Store is the durable key/value layer underneath a repository: objects,
// refs and per-store configuration each live in their own bucket.
// Implementations must make CompareAndSwap atomic with respect to every
// other writer of the same underlying file, including other processes.
type Store interface {
	Get(bucket, key []byte) ([]byte, error)
	Set(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
	ForEach(bucket []byte, fn func(key, value []byte) error) error

	// SetMany writes all pairs in a single transaction.
	SetMany(bucket []byte, pairs map[string][]byte) error

	// CompareAndSwap sets key to new only if its current value equals old.
	// A nil old means the key must not exist; a nil new deletes the key.
	// It reports whether the swap happened.
	CompareAndSwap(bucket, key, old, new []byte) (bool, error)

	Close() error
}
