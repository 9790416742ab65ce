package repo

import (
	"fmt"
	"sort"

	"treekv/internal/objects"
	"treekv/internal/store"
)

// Change is one staged modification of a tree path.
type Change struct {
	Path   []string
	Value  []byte
	Delete bool
}

// EmptyTree is the hash of a tree with no entries.
var EmptyTree = func() objects.Hash {
	_, h := objects.Encode(&objects.Tree{})
	return h
}()

// ReadCommit loads a commit object.
func (r *Repo) ReadCommit(h objects.Hash) (*objects.Commit, error) {
	var c *objects.Commit
	err := r.view(func(st store.Store) (err error) {
		c, err = r.readCommit(st, h)
		return err
	})
	return c, err
}

// TreeOf returns the root tree of a revision; the zero revision has the
// empty tree.
func (r *Repo) TreeOf(rev objects.Hash) (objects.Hash, error) {
	if rev.IsZero() {
		return EmptyTree, nil
	}
	c, err := r.ReadCommit(rev)
	if err != nil {
		return objects.ZeroHash, err
	}
	return c.Tree, nil
}

// ReadTreeEntry returns the value stored at path in revision rev. Missing
// segments, an unborn revision and paths naming a subtree all report
// found=false without error.
func (r *Repo) ReadTreeEntry(rev objects.Hash, path []string) (value []byte, found bool, err error) {
	if rev.IsZero() || len(path) == 0 {
		return nil, false, nil
	}
	err = r.view(func(st store.Store) error {
		c, err := r.readCommit(st, rev)
		if err != nil {
			return err
		}
		tree, err := r.readTree(st, c.Tree)
		if err != nil {
			return err
		}
		for i, seg := range path {
			e, ok := tree.Find(seg)
			if !ok {
				return nil
			}
			if i == len(path)-1 {
				if e.Mode != objects.ModeBlob {
					return nil
				}
				blob, err := r.readBlob(st, e.Hash)
				if err != nil {
					return err
				}
				value, found = blob.Data, true
				return nil
			}
			if e.Mode != objects.ModeTree {
				return nil
			}
			if tree, err = r.readTree(st, e.Hash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading %v at %s: %w", path, rev.Short(), err)
	}
	return value, found, nil
}

// ListPaths returns every value path under prefix in revision rev, in
// lexical order of their segments.
func (r *Repo) ListPaths(rev objects.Hash, prefix []string) ([][]string, error) {
	if rev.IsZero() {
		return nil, nil
	}
	var out [][]string
	err := r.view(func(st store.Store) error {
		c, err := r.readCommit(st, rev)
		if err != nil {
			return err
		}
		tree, err := r.readTree(st, c.Tree)
		if err != nil {
			return err
		}
		for i, seg := range prefix {
			e, ok := tree.Find(seg)
			if !ok {
				return nil
			}
			if e.Mode == objects.ModeBlob {
				if i == len(prefix)-1 {
					out = append(out, append([]string(nil), prefix...))
				}
				return nil
			}
			if tree, err = r.readTree(st, e.Hash); err != nil {
				return err
			}
		}
		return r.walkTree(st, tree, append([]string(nil), prefix...), &out)
	})
	if err != nil {
		return nil, fmt.Errorf("listing %v at %s: %w", prefix, rev.Short(), err)
	}
	return out, nil
}

func (r *Repo) walkTree(st store.Store, tree *objects.Tree, prefix []string, out *[][]string) error {
	for _, e := range tree.Entries {
		path := append(append([]string(nil), prefix...), e.Name)
		if e.Mode == objects.ModeBlob {
			*out = append(*out, path)
			continue
		}
		sub, err := r.readTree(st, e.Hash)
		if err != nil {
			return err
		}
		if err := r.walkTree(st, sub, path, out); err != nil {
			return err
		}
	}
	return nil
}

// WriteTree applies changes on top of the tree base and stores the
// resulting blobs and trees in one transaction. Deleting the last value
// under a subtree removes the subtree. Writing a value where a subtree
// exists, or beneath an existing value, fails with ErrPathConflict and
// writes nothing.
func (r *Repo) WriteTree(base objects.Hash, changes []Change) (objects.Hash, error) {
	for _, c := range changes {
		if len(c.Path) == 0 {
			return objects.ZeroHash, fmt.Errorf("writing tree: empty path")
		}
	}
	var root objects.Hash
	err := r.update(func(st store.Store) error {
		w := &treeWriter{repo: r, st: st, pending: make(map[string][]byte)}
		h, _, err := w.apply(base, changes, nil)
		if err != nil {
			return err
		}
		root = h
		return st.SetMany(objectsBucket, w.pending)
	})
	if err != nil {
		return objects.ZeroHash, fmt.Errorf("writing tree: %w", err)
	}
	return root, nil
}

type treeWriter struct {
	repo    *Repo
	st      store.Store
	pending map[string][]byte
}

func (w *treeWriter) put(o objects.Object) objects.Hash {
	data, h := objects.Encode(o)
	w.pending[string(h[:])] = data
	return h
}

// apply returns the new hash of the tree at base and whether it is empty.
// depth is the path of base relative to the root, used in errors.
func (w *treeWriter) apply(base objects.Hash, changes []Change, depth []string) (objects.Hash, bool, error) {
	tree := &objects.Tree{}
	if !base.IsZero() && base != EmptyTree {
		loaded, err := w.repo.readTree(w.st, base)
		if err != nil {
			return objects.ZeroHash, false, err
		}
		tree = loaded
	}

	entries := make(map[string]objects.TreeEntry, len(tree.Entries))
	for _, e := range tree.Entries {
		entries[e.Name] = e
	}

	leaves := make(map[string]Change)
	nested := make(map[string][]Change)
	for _, c := range changes {
		name := c.Path[0]
		if len(c.Path) == 1 {
			leaves[name] = c
			continue
		}
		rest := c
		rest.Path = c.Path[1:]
		nested[name] = append(nested[name], rest)
	}

	for name, c := range leaves {
		path := append(append([]string(nil), depth...), name)
		if _, clash := nested[name]; clash && !c.Delete {
			return objects.ZeroHash, false, fmt.Errorf("%w: %v is both a value and a parent", ErrPathConflict, path)
		}
		existing, ok := entries[name]
		if c.Delete {
			if ok && existing.Mode == objects.ModeBlob {
				delete(entries, name)
			}
			continue
		}
		if ok && existing.Mode == objects.ModeTree {
			return objects.ZeroHash, false, fmt.Errorf("%w: %v holds other keys", ErrPathConflict, path)
		}
		entries[name] = objects.TreeEntry{
			Name: name,
			Hash: w.put(&objects.Blob{Data: c.Value}),
			Mode: objects.ModeBlob,
		}
	}

	for name, sub := range nested {
		path := append(append([]string(nil), depth...), name)
		existing, ok := entries[name]
		subBase := objects.ZeroHash
		if ok {
			if existing.Mode == objects.ModeBlob {
				if onlyDeletes(sub) {
					continue
				}
				return objects.ZeroHash, false, fmt.Errorf("%w: %v is a value", ErrPathConflict, path)
			}
			subBase = existing.Hash
		} else if onlyDeletes(sub) {
			continue
		}
		h, empty, err := w.apply(subBase, sub, path)
		if err != nil {
			return objects.ZeroHash, false, err
		}
		if empty {
			delete(entries, name)
			continue
		}
		entries[name] = objects.TreeEntry{Name: name, Hash: h, Mode: objects.ModeTree}
	}

	next := &objects.Tree{Entries: make([]objects.TreeEntry, 0, len(entries))}
	for _, e := range entries {
		next.Entries = append(next.Entries, e)
	}
	sort.Slice(next.Entries, func(i, j int) bool { return next.Entries[i].Name < next.Entries[j].Name })
	return w.put(next), len(next.Entries) == 0, nil
}

func onlyDeletes(changes []Change) bool {
	for _, c := range changes {
		if !c.Delete {
			return false
		}
	}
	return true
}

func (r *Repo) readObject(st store.Store, h objects.Hash) ([]byte, error) {
	data, err := st.Get(objectsBucket, h[:])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, h)
	}
	return data, nil
}

func (r *Repo) readTree(st store.Store, h objects.Hash) (*objects.Tree, error) {
	if h == EmptyTree {
		return &objects.Tree{}, nil
	}
	if r.trees != nil {
		if t, ok := r.trees.Get(h); ok {
			return t, nil
		}
	}
	data, err := r.readObject(st, h)
	if err != nil {
		return nil, err
	}
	t, err := objects.DecodeTree(data)
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", h.Short(), err)
	}
	if r.trees != nil {
		r.trees.Add(h, t)
	}
	return t, nil
}

func (r *Repo) readCommit(st store.Store, h objects.Hash) (*objects.Commit, error) {
	data, err := r.readObject(st, h)
	if err != nil {
		return nil, err
	}
	c, err := objects.DecodeCommit(data)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", h.Short(), err)
	}
	return c, nil
}

func (r *Repo) readBlob(st store.Store, h objects.Hash) (*objects.Blob, error) {
	data, err := r.readObject(st, h)
	if err != nil {
		return nil, err
	}
	b, err := objects.DecodeBlob(data)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", h.Short(), err)
	}
	return b, nil
}
