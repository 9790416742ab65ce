package repo

import (
	"context"
	"fmt"

	"treekv/internal/objects"
	"treekv/internal/store"
)

// Peer is the far side of a remote binding: another repository reached
// directly on disk or over the network. Implementations must make SwapRef
// atomic per branch.
type Peer interface {
	// URL identifies the peer as recorded in a remote binding.
	URL() string
	FetchRef(ctx context.Context, name string) (objects.Hash, error)
	SwapRef(ctx context.Context, name string, old, new objects.Hash) (bool, error)
	HasObjects(ctx context.Context, hashes []objects.Hash) ([]bool, error)
	// GetObjects returns encoded objects for a prefix of hashes; callers
	// re-request whatever was not returned.
	GetObjects(ctx context.Context, hashes []objects.Hash) ([][]byte, error)
	// PutObjects stores encoded objects. Every object's references must be
	// present already or included in the same call.
	PutObjects(ctx context.Context, encoded [][]byte) error
	Close() error
}

var _ Peer = (*Repo)(nil)

// URL returns the repository path.
func (r *Repo) URL() string {
	return r.path
}

// FetchRef implements Peer.
func (r *Repo) FetchRef(ctx context.Context, name string) (objects.Hash, error) {
	if err := ctx.Err(); err != nil {
		return objects.ZeroHash, err
	}
	return r.Ref(name)
}

// SwapRef implements Peer.
func (r *Repo) SwapRef(ctx context.Context, name string, old, new objects.Hash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.CompareAndSwapRef(name, old, new)
}

// HasObjects implements Peer.
func (r *Repo) HasObjects(ctx context.Context, hashes []objects.Hash) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]bool, len(hashes))
	err := r.view(func(st store.Store) error {
		for i, h := range hashes {
			data, err := st.Get(objectsBucket, h[:])
			if err != nil {
				return err
			}
			out[i] = data != nil || h == EmptyTree
		}
		return nil
	})
	return out, err
}

// GetObjects implements Peer. A local repository always returns every
// requested object.
func (r *Repo) GetObjects(ctx context.Context, hashes []objects.Hash) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(hashes))
	err := r.view(func(st store.Store) error {
		for _, h := range hashes {
			if h == EmptyTree {
				empty, _ := objects.Encode(&objects.Tree{})
				out = append(out, empty)
				continue
			}
			data, err := r.readObject(st, h)
			if err != nil {
				return err
			}
			out = append(out, data)
		}
		return nil
	})
	return out, err
}

// PutObjects implements Peer. Objects that fail to decode are rejected
// before anything is written.
func (r *Repo) PutObjects(ctx context.Context, encoded [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pending := make(map[string][]byte, len(encoded))
	for _, data := range encoded {
		if _, err := objects.Decode(data); err != nil {
			return fmt.Errorf("rejecting object: %w", err)
		}
		h := objects.Sum(data)
		pending[string(h[:])] = data
	}
	return r.update(func(st store.Store) error {
		return st.SetMany(objectsBucket, pending)
	})
}

// Close implements Peer. A Repo holds no resources between calls.
func (r *Repo) Close() error {
	return nil
}
