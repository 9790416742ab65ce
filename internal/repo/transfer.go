package repo

import (
	"context"
	"errors"
	"fmt"
	"os"

	"treekv/internal/objects"
	"treekv/internal/store"
)

const (
	// fetchBatch is the number of hashes asked for in one GetObjects call.
	fetchBatch = 256
	// pushBatchBytes bounds the encoded size of one PutObjects call.
	pushBatchBytes = 4 << 20
)

// ErrTransfer matches every *TransferError.
var ErrTransfer = errors.New("transfer failed")

// TransferError reports a failed clone, fetch or push against a remote.
type TransferError struct {
	Op  string
	URL string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

func transferErr(op string, p Peer, err error) error {
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	return &TransferError{Op: op, URL: p.URL(), Err: err}
}

// Fetch downloads the peer's branch head together with every object it
// needs, records it as the remote-tracking value of name and returns it.
// The local branch is not moved.
func (r *Repo) Fetch(ctx context.Context, p Peer, name string) (objects.Hash, error) {
	head, err := p.FetchRef(ctx, name)
	if err != nil {
		return objects.ZeroHash, transferErr("fetch", p, err)
	}
	n, err := r.download(ctx, p, head)
	if err != nil {
		return objects.ZeroHash, transferErr("fetch", p, err)
	}
	if err := r.setRemoteRef(name, head); err != nil {
		return objects.ZeroHash, fmt.Errorf("recording remote ref: %w", err)
	}
	logger.Debug("fetched", "remote", p.URL(), "ref", name, "head", head.Short(), "objects", n)
	return head, nil
}

// download copies the closure of head that is missing locally and writes
// it in one transaction. It returns the number of objects written.
func (r *Repo) download(ctx context.Context, p Peer, head objects.Hash) (int, error) {
	if head.IsZero() {
		return 0, nil
	}
	pending := make(map[string][]byte)
	want := []objects.Hash{head}
	for len(want) > 0 {
		have, err := r.HasObjects(ctx, want)
		if err != nil {
			return 0, err
		}
		var missing []objects.Hash
		for i, h := range want {
			if !have[i] {
				missing = append(missing, h)
			}
		}

		var next []objects.Hash
		for len(missing) > 0 {
			batch := missing[:min(len(missing), fetchBatch)]
			got, err := p.GetObjects(ctx, batch)
			if err != nil {
				return 0, err
			}
			if len(got) == 0 {
				return 0, fmt.Errorf("peer returned no objects for %d requested", len(batch))
			}
			for i, data := range got {
				if objects.Sum(data) != batch[i] {
					return 0, fmt.Errorf("%w: %s does not match its content", objects.ErrCorrupt, batch[i].Short())
				}
				o, err := objects.Decode(data)
				if err != nil {
					return 0, fmt.Errorf("object %s: %w", batch[i].Short(), err)
				}
				pending[string(batch[i][:])] = data
				for _, ref := range objects.References(o) {
					if _, queued := pending[string(ref[:])]; !queued {
						next = append(next, ref)
					}
				}
			}
			missing = missing[len(got):]
		}
		want = dedupe(next, pending)
	}

	err := r.update(func(st store.Store) error {
		return st.SetMany(objectsBucket, pending)
	})
	if err != nil {
		return 0, fmt.Errorf("storing fetched objects: %w", err)
	}
	return len(pending), nil
}

func dedupe(hashes []objects.Hash, skip map[string][]byte) []objects.Hash {
	seen := make(map[objects.Hash]bool, len(hashes))
	out := hashes[:0]
	for _, h := range hashes {
		if seen[h] {
			continue
		}
		if _, ok := skip[string(h[:])]; ok {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// Push uploads every object of head the peer lacks and then moves the
// peer's branch from expected to head with a compare-and-swap. It returns
// false, with no error, when the peer's branch no longer equals expected.
// On success head becomes the remote-tracking value of name.
func (r *Repo) Push(ctx context.Context, p Peer, name string, head, expected objects.Hash) (bool, error) {
	if !head.IsZero() {
		n, err := r.upload(ctx, p, head)
		if err != nil {
			return false, transferErr("push", p, err)
		}
		logger.Debug("uploaded objects", "remote", p.URL(), "objects", n)
	}

	ok, err := p.SwapRef(ctx, name, expected, head)
	if err != nil {
		return false, transferErr("push", p, err)
	}
	if !ok {
		logger.Info("push rejected, remote moved", "remote", p.URL(), "ref", name, "expected", expected.Short())
		return false, nil
	}
	if err := r.setRemoteRef(name, head); err != nil {
		return true, fmt.Errorf("recording remote ref: %w", err)
	}
	return true, nil
}

// upload sends the objects reachable from head that the peer does not
// have, children before parents, so an interrupted push never leaves the
// peer holding an object whose references are missing.
func (r *Repo) upload(ctx context.Context, p Peer, head objects.Hash) (int, error) {
	decoded := make(map[objects.Hash]objects.Object)
	encoded := make(map[objects.Hash][]byte)

	want := []objects.Hash{head}
	for len(want) > 0 {
		has, err := p.HasObjects(ctx, want)
		if err != nil {
			return 0, err
		}
		var missing []objects.Hash
		for i, h := range want {
			if !has[i] {
				missing = append(missing, h)
			}
		}
		if len(missing) == 0 {
			break
		}
		datas, err := r.GetObjects(ctx, missing)
		if err != nil {
			return 0, err
		}
		var next []objects.Hash
		for i, data := range datas {
			o, err := objects.Decode(data)
			if err != nil {
				return 0, fmt.Errorf("object %s: %w", missing[i].Short(), err)
			}
			decoded[missing[i]] = o
			encoded[missing[i]] = data
			for _, ref := range objects.References(o) {
				if _, ok := decoded[ref]; !ok {
					next = append(next, ref)
				}
			}
		}
		want = uniq(next)
	}

	order := topoOrder(head, decoded)
	var (
		batch     [][]byte
		batchSize int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := p.PutObjects(ctx, batch)
		batch, batchSize = nil, 0
		return err
	}
	for _, h := range order {
		data := encoded[h]
		if batchSize+len(data) > pushBatchBytes {
			if err := flush(); err != nil {
				return 0, err
			}
		}
		batch = append(batch, data)
		batchSize += len(data)
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return len(order), nil
}

func uniq(hashes []objects.Hash) []objects.Hash {
	seen := make(map[objects.Hash]bool, len(hashes))
	out := hashes[:0]
	for _, h := range hashes {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// topoOrder lists the objects in set reachable from root in post-order:
// every object appears after all of its references.
func topoOrder(root objects.Hash, set map[objects.Hash]objects.Object) []objects.Hash {
	var (
		order   []objects.Hash
		visited = make(map[objects.Hash]bool, len(set))
		visit   func(h objects.Hash)
	)
	visit = func(h objects.Hash) {
		o, ok := set[h]
		if !ok || visited[h] {
			return
		}
		visited[h] = true
		for _, ref := range objects.References(o) {
			visit(ref)
		}
		order = append(order, h)
	}
	visit(root)
	return order
}

// Clone creates a repository at dest bound to p and checks out the
// peer's branch. A failed clone removes whatever it created.
func Clone(ctx context.Context, p Peer, dest, branch string, opts Options) (*Repo, error) {
	_, statErr := os.Stat(dest)
	created := os.IsNotExist(statErr)

	r, err := Init(dest, opts)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if created {
			_ = os.RemoveAll(dest)
		} else {
			_ = os.Remove(r.dbPath())
		}
	}

	if _, err := r.BindRemote(p.URL()); err != nil {
		cleanup()
		return nil, err
	}
	head, err := r.Fetch(ctx, p, branch)
	if err != nil {
		cleanup()
		return nil, transferErr("clone", p, err)
	}
	if !head.IsZero() {
		if _, err := r.CompareAndSwapRef(branch, objects.ZeroHash, head); err != nil {
			cleanup()
			return nil, err
		}
	}
	logger.Info("cloned", "remote", p.URL(), "path", r.Path(), "head", head.Short())
	return r, nil
}
