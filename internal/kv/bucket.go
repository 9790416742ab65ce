// Package kv is a key-value bucket kept in a versioned object store.
//
// Writes are staged in memory and land as one revision on Commit. Branch
// pointers only ever move by compare-and-swap, locally and on the remote,
// so concurrent writers in other processes or on other clones are detected
// and rejected rather than merged.
package kv

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"treekv/internal/logging"
	"treekv/internal/objects"
	"treekv/internal/remote"
	"treekv/internal/repo"
)

var logger = logging.For("kv")

// Bucket is a working copy of a repository: a base revision plus the
// writes staged on top of it. A Bucket is not safe for concurrent use;
// concurrent writers open their own.
type Bucket struct {
	repo   *repo.Repo
	opts   options
	remote string
	base   objects.Hash
	staged *stagingArea
}

// Open returns the bucket at path.
//
// An existing bucket is opened as-is unless WithRemote is given, in which
// case the recorded binding must name the same remote or Open fails with a
// *RemoteMismatchError and changes nothing. A missing bucket is cloned
// from the remote when one is given and initialized empty otherwise.
func Open(ctx context.Context, path string, opts ...Option) (*Bucket, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if repo.Exists(path) {
		return openExisting(path, o)
	}
	if o.remote == "" {
		r, err := repo.Init(path, o.store)
		if err != nil {
			return nil, err
		}
		return newBucket(r, "", o)
	}
	return clone(ctx, path, o)
}

func openExisting(path string, o options) (*Bucket, error) {
	r, err := repo.Open(path, o.store)
	if err != nil {
		return nil, err
	}
	bound, err := r.RemoteURL()
	if err != nil {
		return nil, err
	}
	if o.remote != "" {
		want, err := remote.Normalize(o.remote)
		if err != nil {
			return nil, err
		}
		if want != bound {
			logger.Warn("remote mismatch", "path", r.Path(), "bound", bound, "requested", want)
			return nil, &RemoteMismatchError{Path: r.Path(), Bound: bound, Requested: o.remote}
		}
	}
	return newBucket(r, bound, o)
}

func newBucket(r *repo.Repo, bound string, o options) (*Bucket, error) {
	head, err := r.Ref(o.branch)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened bucket", "path", r.Path(), "remote", bound, "branch", o.branch, "head", head.Short())
	return &Bucket{
		repo:   r,
		opts:   o,
		remote: bound,
		base:   head,
		staged: newStagingArea(),
	}, nil
}

// Path returns the bucket's absolute directory.
func (b *Bucket) Path() string { return b.repo.Path() }

// Remote returns the bound remote, or "" for a standalone bucket.
func (b *Bucket) Remote() string { return b.remote }

// Branch returns the tracked branch name.
func (b *Bucket) Branch() string { return b.opts.branch }

// Head returns the base revision reads resolve against. It is zero until
// the first commit.
func (b *Bucket) Head() objects.Hash { return b.base }

// Repo exposes the underlying repository.
func (b *Bucket) Repo() *repo.Repo { return b.repo }

// Get returns the value stored at key, or def when the key is absent.
// Staged writes are consulted first unless Committed is passed.
func (b *Bucket) Get(key string, def []byte, opts ...ReadOption) ([]byte, error) {
	value, found, err := b.lookup(key, opts)
	if err != nil {
		return nil, err
	}
	if !found {
		return def, nil
	}
	return value, nil
}

// Item is Get without a default: an absent key is ErrKeyNotFound.
func (b *Bucket) Item(key string, opts ...ReadOption) ([]byte, error) {
	value, found, err := b.lookup(key, opts)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return value, nil
}

func (b *Bucket) lookup(key string, opts []ReadOption) ([]byte, bool, error) {
	key, err := ValidateKey(key)
	if err != nil {
		return nil, false, err
	}
	ro := readOptions{staged: true}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.staged {
		if p, ok := b.staged.lookup(key); ok {
			if p.deleted {
				return nil, false, nil
			}
			return bytes.Clone(p.value), true, nil
		}
	}
	if ro.atRev {
		return readSnapshot(b.repo, ro.rev, key)
	}
	return readSnapshot(b.repo, b.base, key)
}

// Set stages value at key. Nothing is written until Commit.
func (b *Bucket) Set(key string, value []byte) error {
	key, err := ValidateKey(key)
	if err != nil {
		return err
	}
	b.staged.set(key, value)
	return nil
}

// Delete stages the removal of key. Deleting an absent key is not an error.
func (b *Bucket) Delete(key string) error {
	key, err := ValidateKey(key)
	if err != nil {
		return err
	}
	b.staged.delete(key)
	return nil
}

// Staged returns the keys with pending writes or deletes, sorted.
func (b *Bucket) Staged() []string {
	return b.staged.keys()
}

// Discard drops every staged entry.
func (b *Bucket) Discard() {
	b.staged.clear()
}

// Keys returns the keys visible under prefix, sorted: the committed keys
// of the base revision with staged writes added and staged deletes removed.
// An empty prefix lists everything.
func (b *Bucket) Keys(prefix string) ([]string, error) {
	if prefix != "" {
		var err error
		if prefix, err = ValidateKey(prefix); err != nil {
			return nil, err
		}
	}
	committed, err := listSnapshot(b.repo, b.base, prefix)
	if err != nil {
		return nil, err
	}
	visible := make(map[string]bool, len(committed))
	for _, k := range committed {
		visible[k] = true
	}
	b.staged.each(prefix, func(key string, p pending) {
		visible[key] = !p.deleted
	})

	out := make([]string, 0, len(visible))
	for k, ok := range visible {
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Revision is one commit in a bucket's history.
type Revision struct {
	Hash   objects.Hash
	Commit *objects.Commit
}

// History returns up to limit revisions reachable from the base by first
// parents, newest first. A limit of zero or less returns them all.
func (b *Bucket) History(limit int) ([]Revision, error) {
	var out []Revision
	for cur := b.base; !cur.IsZero(); {
		if limit > 0 && len(out) >= limit {
			break
		}
		c, err := b.repo.ReadCommit(cur)
		if err != nil {
			return nil, fmt.Errorf("reading history: %w", err)
		}
		out = append(out, Revision{Hash: cur, Commit: c})
		cur = c.Parent()
	}
	return out, nil
}
