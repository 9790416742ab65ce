package kv

import (
	"errors"
	"fmt"
	"strings"

	"treekv/internal/objects"
	"treekv/internal/repo"
)

var (
	ErrInvalidKey     = errors.New("invalid key")
	ErrKeyNotFound    = errors.New("key not found")
	ErrConflict       = errors.New("commit conflict")
	ErrRemoteMismatch = errors.New("remote mismatch")
	ErrDiverged       = errors.New("local branch diverged from remote")

	// ErrTransfer matches clone, fetch and push failures against a remote.
	ErrTransfer = repo.ErrTransfer
)

// InvalidKeyError describes a key rejected by ValidateKey.
type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key %q: %s", e.Key, e.Reason)
}

func (e *InvalidKeyError) Is(target error) bool { return target == ErrInvalidKey }

// CommitError reports a commit that lost a compare-and-swap race. By the
// time it is returned the bucket has been moved onto Winner and the staged
// entries named in Dropped are gone.
type CommitError struct {
	// Stage is "local" when the bucket's own branch moved, "remote" when
	// the push was rejected.
	Stage   string
	Base    objects.Hash
	Winner  objects.Hash
	Dropped []string
}

func (e *CommitError) Error() string {
	msg := fmt.Sprintf("commit conflict on %s branch: base %s, now %s", e.Stage, e.Base.Short(), e.Winner.Short())
	if len(e.Dropped) > 0 {
		msg += "; dropped staged " + strings.Join(e.Dropped, ", ")
	}
	return msg
}

func (e *CommitError) Is(target error) bool { return target == ErrConflict }

// RemoteMismatchError reports an explicit remote that disagrees with the
// binding already recorded for a bucket.
type RemoteMismatchError struct {
	Path      string
	Bound     string
	Requested string
}

func (e *RemoteMismatchError) Error() string {
	bound := e.Bound
	if bound == "" {
		bound = "(none)"
	}
	return fmt.Sprintf("bucket %s is bound to %s, not %s", e.Path, bound, e.Requested)
}

func (e *RemoteMismatchError) Is(target error) bool { return target == ErrRemoteMismatch }

// DivergedError reports an update that found local and remote histories
// each holding commits the other lacks.
type DivergedError struct {
	Local  objects.Hash
	Remote objects.Hash
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("local %s and remote %s have diverged", e.Local.Short(), e.Remote.Short())
}

func (e *DivergedError) Is(target error) bool { return target == ErrDiverged }
