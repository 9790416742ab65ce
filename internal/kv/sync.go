package kv

import (
	"context"

	"treekv/internal/objects"
	"treekv/internal/repo"
)

func clone(ctx context.Context, path string, o options) (*Bucket, error) {
	peer, err := dial(ctx, o.dialer, o.remote)
	if err != nil {
		return nil, err
	}
	defer peer.Close()

	r, err := repo.Clone(ctx, peer, path, o.branch, o.store)
	if err != nil {
		return nil, err
	}
	return newBucket(r, peer.URL(), o)
}

// Update moves the base to the newest revision of the branch. A bound
// bucket first fetches the remote and fast-forwards the local branch to
// it; a local branch already ahead of the remote is kept, and one that has
// diverged from it fails with a *DivergedError and changes nothing.
// Staged entries are left alone.
func (b *Bucket) Update(ctx context.Context) error {
	if b.remote == "" {
		head, err := b.repo.Ref(b.opts.branch)
		if err != nil {
			updatesTotal.WithLabelValues("error").Inc()
			return err
		}
		b.advance(head, "local")
		return nil
	}

	peer, err := b.dial(ctx)
	if err != nil {
		updatesTotal.WithLabelValues("error").Inc()
		return err
	}
	defer peer.Close()

	upstream, err := b.repo.Fetch(ctx, peer, b.opts.branch)
	if err != nil {
		updatesTotal.WithLabelValues("error").Inc()
		return err
	}
	for {
		local, err := b.repo.Ref(b.opts.branch)
		if err != nil {
			updatesTotal.WithLabelValues("error").Inc()
			return err
		}
		if local == upstream {
			b.advance(local, "current")
			return nil
		}
		behind, err := b.repo.IsAncestor(local, upstream)
		if err != nil {
			updatesTotal.WithLabelValues("error").Inc()
			return err
		}
		if !behind {
			ahead, err := b.repo.IsAncestor(upstream, local)
			if err != nil {
				updatesTotal.WithLabelValues("error").Inc()
				return err
			}
			if ahead {
				b.advance(local, "ahead")
				return nil
			}
			updatesTotal.WithLabelValues("diverged").Inc()
			logger.Warn("update refused, histories diverged", "path", b.repo.Path(), "local", local.Short(), "remote", upstream.Short())
			return &DivergedError{Local: local, Remote: upstream}
		}
		swapped, err := b.repo.CompareAndSwapRef(b.opts.branch, local, upstream)
		if err != nil {
			updatesTotal.WithLabelValues("error").Inc()
			return err
		}
		if swapped {
			b.advance(upstream, "fast-forward")
			return nil
		}
		// Another writer sharing the directory moved the branch; decide again.
	}
}

func (b *Bucket) advance(head objects.Hash, result string) {
	if head != b.base {
		logger.Info("updated", "path", b.repo.Path(), "branch", b.opts.branch, "from", b.base.Short(), "to", head.Short(), "result", result)
	}
	b.base = head
	updatesTotal.WithLabelValues(result).Inc()
}
