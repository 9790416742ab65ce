package repo

import (
	"fmt"
	"time"

	"treekv/internal/objects"
	"treekv/internal/store"
)

// CreateCommit stores a new revision of tree on top of parent (zero for a
// root commit). Both must already be present in the repository. Zero
// signature times default to now.
func (r *Repo) CreateCommit(tree, parent objects.Hash, author, committer objects.Signature, message string) (objects.Hash, error) {
	now := time.Now().UTC()
	if author.When.IsZero() {
		author.When = now
	}
	if committer.When.IsZero() {
		committer.When = author.When
	}
	c := &objects.Commit{
		Tree:      tree,
		Author:    author,
		Committer: committer,
		Message:   message,
	}
	if !parent.IsZero() {
		c.Parents = []objects.Hash{parent}
	}
	data, h := objects.Encode(c)

	err := r.update(func(st store.Store) error {
		for _, ref := range objects.References(c) {
			if ref == EmptyTree {
				continue
			}
			if _, err := r.readObject(st, ref); err != nil {
				return err
			}
		}
		if tree == EmptyTree {
			empty, _ := objects.Encode(&objects.Tree{})
			if err := st.Set(objectsBucket, EmptyTree[:], empty); err != nil {
				return err
			}
		}
		return st.Set(objectsBucket, h[:], data)
	})
	if err != nil {
		return objects.ZeroHash, fmt.Errorf("creating commit: %w", err)
	}
	logger.Debug("created commit", "commit", h.Short(), "parent", parent.Short(), "tree", tree.Short())
	return h, nil
}

// IsAncestor reports whether anc is reachable from desc by following
// first parents. The zero hash is an ancestor of everything, and every
// revision is its own ancestor.
func (r *Repo) IsAncestor(anc, desc objects.Hash) (bool, error) {
	if anc.IsZero() || anc == desc {
		return true, nil
	}
	found := false
	err := r.view(func(st store.Store) error {
		for cur := desc; !cur.IsZero(); {
			c, err := r.readCommit(st, cur)
			if err != nil {
				return err
			}
			cur = c.Parent()
			if cur == anc {
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("walking history of %s: %w", desc.Short(), err)
	}
	return found, nil
}
