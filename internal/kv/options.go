package kv

import (
	"context"

	"treekv/internal/objects"
	"treekv/internal/remote"
	"treekv/internal/repo"
)

const (
	DefaultBranch  = "main"
	DefaultMessage = "update"
)

// DefaultAuthor signs commits when no identity is configured.
var DefaultAuthor = objects.Signature{Name: "treekv", Email: "treekv@localhost"}

// ConflictPolicy decides which staged entries survive a lost commit race.
type ConflictPolicy int

const (
	// KeepUnrelated drops only the staged keys whose committed value
	// changed between the stale base and the winning revision.
	KeepUnrelated ConflictPolicy = iota
	// DiscardAll drops every staged entry.
	DiscardAll
)

func (p ConflictPolicy) String() string {
	if p == DiscardAll {
		return "discard-all"
	}
	return "keep-unrelated"
}

// Dialer opens a connection to the remote named by url.
type Dialer interface {
	Dial(ctx context.Context, url string) (repo.Peer, error)
}

type options struct {
	remote string
	author objects.Signature
	branch string
	dialer Dialer
	policy ConflictPolicy
	store  repo.Options
}

func defaultOptions() options {
	return options{
		author: DefaultAuthor,
		branch: DefaultBranch,
		dialer: remote.NewDialer(remote.Options{}),
		policy: KeepUnrelated,
		store:  repo.DefaultOptions(),
	}
}

// Option configures Open.
type Option func(*options)

// WithRemote names the remote to clone from, or to check an existing
// binding against. Without it, or with an empty url, an existing bucket is
// opened as-is and a missing one is initialized unbound.
func WithRemote(url string) Option {
	return func(o *options) { o.remote = url }
}

// WithAuthor sets the identity recorded on commits.
func WithAuthor(sig objects.Signature) Option {
	return func(o *options) { o.author = sig }
}

// WithBranch selects the branch the bucket tracks.
func WithBranch(name string) Option {
	return func(o *options) { o.branch = name }
}

// WithDialer replaces the dialer used to reach the remote.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithConflictPolicy chooses what a lost commit race does to staged state.
func WithConflictPolicy(p ConflictPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithStoreOptions tunes access to the underlying repository.
func WithStoreOptions(so repo.Options) Option {
	return func(o *options) { o.store = so }
}

// ReadOption adjusts a single lookup.
type ReadOption func(*readOptions)

type readOptions struct {
	staged bool
	rev    objects.Hash
	atRev  bool
}

// Committed makes a lookup ignore staged entries and read the base revision.
func Committed() ReadOption {
	return func(o *readOptions) { o.staged = false }
}

// AtRevision makes a lookup read the committed revision rev, which must be
// present locally, instead of the base. Staged entries are ignored.
func AtRevision(rev objects.Hash) ReadOption {
	return func(o *readOptions) {
		o.staged = false
		o.rev, o.atRev = rev, true
	}
}

// CommitOption adjusts a single commit.
type CommitOption func(*commitOptions)

type commitOptions struct {
	message string
	author  objects.Signature
}

// WithMessage sets the commit message.
func WithMessage(msg string) CommitOption {
	return func(o *commitOptions) { o.message = msg }
}

// WithCommitAuthor overrides the bucket's author for one commit.
func WithCommitAuthor(sig objects.Signature) CommitOption {
	return func(o *commitOptions) { o.author = sig }
}
