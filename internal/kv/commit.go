package kv

import (
	"bytes"
	"context"
	"errors"

	"treekv/internal/objects"
	"treekv/internal/repo"
)

// Commit turns the staged entries into one revision on top of the base and
// advances the branch to it, locally and then on the bound remote.
//
// With nothing staged, or when every staged entry leaves the tree as it
// was, Commit clears the staging area and returns the unchanged base.
//
// When either branch moved since the base was read, Commit returns a
// *CommitError. The bucket is then on the winning revision and the staged
// entries that raced are dropped; see ConflictPolicy. A failed push leaves
// the local branch where it was before the call.
func (b *Bucket) Commit(ctx context.Context, opts ...CommitOption) (objects.Hash, error) {
	co := commitOptions{message: DefaultMessage, author: b.opts.author}
	for _, opt := range opts {
		opt(&co)
	}
	if b.staged.len() == 0 {
		commitsTotal.WithLabelValues("noop").Inc()
		return b.base, nil
	}

	old := b.base
	baseTree, err := b.repo.TreeOf(old)
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return objects.ZeroHash, err
	}
	tree, err := b.repo.WriteTree(baseTree, b.staged.changes())
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return objects.ZeroHash, err
	}
	if tree == baseTree {
		b.staged.clear()
		commitsTotal.WithLabelValues("noop").Inc()
		return old, nil
	}

	sig := objects.Signature{Name: co.author.Name, Email: co.author.Email}
	head, err := b.repo.CreateCommit(tree, old, sig, sig, co.message)
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return objects.ZeroHash, err
	}
	swapped, err := b.repo.CompareAndSwapRef(b.opts.branch, old, head)
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return objects.ZeroHash, err
	}
	if !swapped {
		return objects.ZeroHash, b.conflict(ctx, "local", old, objects.ZeroHash)
	}

	if b.remote != "" {
		if err := b.push(ctx, old, head); err != nil {
			return objects.ZeroHash, err
		}
	}

	b.staged.clear()
	b.base = head
	commitsTotal.WithLabelValues("ok").Inc()
	logger.Info("committed", "path", b.repo.Path(), "branch", b.opts.branch, "head", head.Short(), "parent", old.Short())
	return head, nil
}

// CommitKey stages value at key and commits.
func (b *Bucket) CommitKey(ctx context.Context, key string, value []byte, opts ...CommitOption) (objects.Hash, error) {
	if err := b.Set(key, value); err != nil {
		return objects.ZeroHash, err
	}
	return b.Commit(ctx, opts...)
}

// push publishes head, already on the local branch, to the remote. The
// local branch is moved back to old unless the push lands.
func (b *Bucket) push(ctx context.Context, old, head objects.Hash) error {
	expected, err := b.repo.RemoteRef(b.opts.branch)
	if err != nil {
		b.rollback(head, old)
		commitsTotal.WithLabelValues("error").Inc()
		return err
	}
	peer, err := b.dial(ctx)
	if err != nil {
		b.rollback(head, old)
		commitsTotal.WithLabelValues("error").Inc()
		return err
	}
	defer peer.Close()

	ok, err := b.repo.Push(ctx, peer, b.opts.branch, head, expected)
	if err != nil && !ok {
		b.rollback(head, old)
		commitsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err != nil {
		// The remote took the push; only the tracking ref failed to record.
		logger.Warn("push landed but tracking ref not recorded", "head", head.Short(), "err", err)
	}
	if !ok {
		return b.conflictWith(ctx, peer, "remote", old, head)
	}
	return nil
}

// rollback moves the local branch from head back to old after a push that
// did not land. Another writer may have moved it meanwhile; then it stays.
func (b *Bucket) rollback(head, old objects.Hash) {
	swapped, err := b.repo.CompareAndSwapRef(b.opts.branch, head, old)
	if err != nil || !swapped {
		logger.Warn("could not roll back local branch", "branch", b.opts.branch, "head", head.Short(), "to", old.Short(), "err", err)
	}
}

// conflict handles a lost race on the local branch.
func (b *Bucket) conflict(ctx context.Context, stage string, old, ours objects.Hash) error {
	if b.remote == "" {
		return b.resync(stage, old, ours, objects.ZeroHash, false)
	}
	peer, err := b.dial(ctx)
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return err
	}
	defer peer.Close()
	return b.conflictWith(ctx, peer, stage, old, ours)
}

// conflictWith fetches the remote's head and moves the local branch onto
// it when the local branch holds nothing the remote lacks but our own
// rejected commit.
func (b *Bucket) conflictWith(ctx context.Context, peer repo.Peer, stage string, old, ours objects.Hash) error {
	winner, err := b.repo.Fetch(ctx, peer, b.opts.branch)
	if err != nil {
		if !ours.IsZero() {
			b.rollback(ours, old)
		}
		commitsTotal.WithLabelValues("error").Inc()
		return err
	}
	return b.resync(stage, old, ours, winner, true)
}

func (b *Bucket) resync(stage string, old, ours, winner objects.Hash, fetched bool) error {
	local, err := b.repo.Ref(b.opts.branch)
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return err
	}
	if fetched && local != winner {
		move := local == ours && !ours.IsZero()
		if !move {
			move, err = b.repo.IsAncestor(local, winner)
			if err != nil {
				commitsTotal.WithLabelValues("error").Inc()
				return err
			}
		}
		if move {
			if _, err := b.repo.CompareAndSwapRef(b.opts.branch, local, winner); err != nil {
				commitsTotal.WithLabelValues("error").Inc()
				return err
			}
			if local, err = b.repo.Ref(b.opts.branch); err != nil {
				commitsTotal.WithLabelValues("error").Inc()
				return err
			}
		}
	}

	dropped, err := b.dropRacing(old, local)
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return err
	}
	b.base = local
	commitsTotal.WithLabelValues("conflict").Inc()
	droppedKeysTotal.Add(float64(len(dropped)))
	logger.Info("commit conflict", "path", b.repo.Path(), "stage", stage, "base", old.Short(), "winner", local.Short(), "dropped", len(dropped))
	return &CommitError{Stage: stage, Base: old, Winner: local, Dropped: dropped}
}

// dropRacing removes the staged entries that lost to the revision now at
// the base: under KeepUnrelated those whose committed value differs between
// old and winner, under DiscardAll all of them.
func (b *Bucket) dropRacing(old, winner objects.Hash) ([]string, error) {
	keys := b.staged.keys()
	if b.opts.policy == DiscardAll {
		b.staged.clear()
		return keys, nil
	}
	var dropped []string
	for _, key := range keys {
		before, hadBefore, err := readSnapshot(b.repo, old, key)
		if err != nil {
			return nil, err
		}
		after, hasAfter, err := readSnapshot(b.repo, winner, key)
		if err != nil {
			return nil, err
		}
		if hadBefore != hasAfter || !bytes.Equal(before, after) {
			dropped = append(dropped, key)
		}
	}
	b.staged.drop(dropped)
	return dropped, nil
}

func (b *Bucket) dial(ctx context.Context) (repo.Peer, error) {
	return dial(ctx, b.opts.dialer, b.remote)
}

// dial reports every failure as a *repo.TransferError.
func dial(ctx context.Context, d Dialer, url string) (repo.Peer, error) {
	peer, err := d.Dial(ctx, url)
	if err != nil {
		var te *repo.TransferError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &repo.TransferError{Op: "dial", URL: url, Err: err}
	}
	return peer, nil
}
