// Package repo is the version backend underneath a bucket: a directory
// holding a bbolt file of content-addressed objects, named branch
// pointers and a small configuration table (store id, remote binding).
//
// The database is opened for the duration of each operation only, so any
// number of processes may share one repository directory; bbolt's file
// lock serializes writers and makes CompareAndSwapRef atomic across them.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"treekv/internal/logging"
	"treekv/internal/objects"
	"treekv/internal/store"
	boltstore "treekv/internal/store/bolt"
)

const dbFile = "store.db"

var (
	objectsBucket    = []byte("objects")
	refsBucket       = []byte("refs")
	remoteRefsBucket = []byte("remote-refs")
	configBucket     = []byte("config")

	keyStoreID   = []byte("store.id")
	keyRemoteURL = []byte("remote.url")
	keyCreated   = []byte("store.created")
)

var (
	ErrNotFound       = errors.New("repository not found")
	ErrExists         = errors.New("repository already exists")
	ErrObjectNotFound = errors.New("object not found")
	ErrPathConflict   = errors.New("path conflicts with existing entry")
)

var logger = logging.For("repo")

// Options tunes how a repository is accessed.
type Options struct {
	// OpenTimeout bounds the wait for another process holding the store lock.
	OpenTimeout time.Duration
	// TreeCacheSize is the number of decoded trees kept in memory. Zero
	// disables the cache.
	TreeCacheSize int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		OpenTimeout:   5 * time.Second,
		TreeCacheSize: 1024,
	}
}

// Repo is a handle on a repository directory. It holds no open file
// between calls and is safe for concurrent use.
type Repo struct {
	path  string
	opts  Options
	trees *lru.Cache[objects.Hash, *objects.Tree]
}

// Exists reports whether path holds a repository.
func Exists(path string) bool {
	return boltstore.Exists(filepath.Join(path, dbFile))
}

// Init creates a new, empty repository at path. The directory is created
// if needed; an existing repository is an error.
func Init(path string, opts Options) (*Repo, error) {
	if Exists(path) {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("creating repository dir: %w", err)
	}

	r, err := newRepo(path, opts)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	err = r.update(func(st store.Store) error {
		return st.SetMany(configBucket, map[string][]byte{
			string(keyStoreID): []byte(id),
			string(keyCreated): []byte(time.Now().UTC().Format(time.RFC3339)),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("initializing repository: %w", err)
	}
	logger.Info("initialized repository", "path", path, "store_id", id)
	return r, nil
}

// Open opens an existing repository. It fails with ErrNotFound when path
// holds none.
func Open(path string, opts Options) (*Repo, error) {
	if !Exists(path) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return newRepo(path, opts)
}

func newRepo(path string, opts Options) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving repository path: %w", err)
	}
	r := &Repo{path: abs, opts: opts}
	if opts.TreeCacheSize > 0 {
		r.trees, err = lru.New[objects.Hash, *objects.Tree](opts.TreeCacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating tree cache: %w", err)
		}
	}
	return r, nil
}

// Path returns the absolute repository directory.
func (r *Repo) Path() string {
	return r.path
}

// ID returns the random identifier assigned at Init.
func (r *Repo) ID() (string, error) {
	var id []byte
	err := r.view(func(st store.Store) (err error) {
		id, err = st.Get(configBucket, keyStoreID)
		return err
	})
	return string(id), err
}

// RemoteURL returns the bound remote, or "" when the repository is unbound.
func (r *Repo) RemoteURL() (string, error) {
	var url []byte
	err := r.view(func(st store.Store) (err error) {
		url, err = st.Get(configBucket, keyRemoteURL)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reading remote binding: %w", err)
	}
	return string(url), nil
}

// BindRemote records url as the repository's remote. Binding is
// write-once: an existing binding to a different url is left untouched
// and reported as not bound.
func (r *Repo) BindRemote(url string) (bool, error) {
	var bound bool
	err := r.update(func(st store.Store) (err error) {
		bound, err = st.CompareAndSwap(configBucket, keyRemoteURL, nil, []byte(url))
		if err != nil || bound {
			return err
		}
		cur, err := st.Get(configBucket, keyRemoteURL)
		bound = string(cur) == url
		return err
	})
	if err != nil {
		return false, fmt.Errorf("binding remote: %w", err)
	}
	return bound, nil
}

// Ref returns the revision a branch points at, or the zero hash for an
// unborn branch.
func (r *Repo) Ref(name string) (objects.Hash, error) {
	return r.readRef(refsBucket, name)
}

// RemoteRef returns the last value of the remote's branch this
// repository observed (by fetch or successful push).
func (r *Repo) RemoteRef(name string) (objects.Hash, error) {
	return r.readRef(remoteRefsBucket, name)
}

func (r *Repo) setRemoteRef(name string, h objects.Hash) error {
	return r.update(func(st store.Store) error {
		if h.IsZero() {
			return st.Delete(remoteRefsBucket, []byte(name))
		}
		return st.Set(remoteRefsBucket, []byte(name), h.Bytes())
	})
}

func (r *Repo) readRef(bucket []byte, name string) (objects.Hash, error) {
	var raw []byte
	err := r.view(func(st store.Store) (err error) {
		raw, err = st.Get(bucket, []byte(name))
		return err
	})
	if err != nil {
		return objects.ZeroHash, fmt.Errorf("reading ref %s: %w", name, err)
	}
	h, err := objects.HashFromBytes(raw)
	if err != nil {
		return objects.ZeroHash, fmt.Errorf("ref %s: %w", name, err)
	}
	return h, nil
}

// Refs returns every local branch and its head.
func (r *Repo) Refs() (map[string]objects.Hash, error) {
	out := make(map[string]objects.Hash)
	err := r.view(func(st store.Store) error {
		return st.ForEach(refsBucket, func(name, raw []byte) error {
			h, err := objects.HashFromBytes(raw)
			if err != nil {
				return fmt.Errorf("ref %s: %w", name, err)
			}
			out[string(name)] = h
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}
	return out, nil
}

// CompareAndSwapRef moves branch name from old to new in one atomic
// step. A zero old means the branch must be unborn; a zero new deletes it.
// It reports false, with no error, when the branch no longer equals old.
func (r *Repo) CompareAndSwapRef(name string, old, new objects.Hash) (bool, error) {
	var swapped bool
	err := r.update(func(st store.Store) error {
		if !new.IsZero() {
			data, err := st.Get(objectsBucket, new[:])
			if err != nil {
				return err
			}
			if data == nil {
				return fmt.Errorf("%w: %s", ErrObjectNotFound, new)
			}
		}
		var err error
		swapped, err = st.CompareAndSwap(refsBucket, []byte(name), old.Bytes(), new.Bytes())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("swapping ref %s: %w", name, err)
	}
	logger.Debug("compare-and-swap ref", "ref", name, "old", old.Short(), "new", new.Short(), "swapped", swapped)
	return swapped, nil
}

func (r *Repo) view(fn func(st store.Store) error) error {
	return r.with(true, fn)
}

func (r *Repo) update(fn func(st store.Store) error) error {
	return r.with(false, fn)
}

func (r *Repo) dbPath() string {
	return filepath.Join(r.path, dbFile)
}

func (r *Repo) with(readOnly bool, fn func(st store.Store) error) error {
	st, err := boltstore.OpenWithOptions(r.dbPath(), boltstore.Options{
		Timeout:  r.opts.OpenTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		return err
	}
	err = fn(st)
	if cerr := st.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing store: %w", cerr)
	}
	return err
}
