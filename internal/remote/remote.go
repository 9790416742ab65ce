// Package remote turns the remote URL recorded in a bucket binding into a
// connected repo.Peer. A URL is either a filesystem path to another bucket
// or tcp://host:port for a bucket served over the network.
package remote

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"treekv/internal/identity"
	"treekv/internal/logging"
	"treekv/internal/repo"
	"treekv/internal/transport"
)

const tcpScheme = "tcp://"

var logger = logging.For("remote")

// Options configures a Dialer.
type Options struct {
	// Identity authenticates network connections. Nil dials with a fresh
	// in-memory key each time.
	Identity *identity.Identity
	// Store is used to open local remotes.
	Store repo.Options
	// Transport tunes network dials.
	Transport transport.DialOptions
}

// Dialer resolves remote URLs.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer with opts. A zero Store gets repo defaults.
func NewDialer(opts Options) *Dialer {
	if opts.Store == (repo.Options{}) {
		opts.Store = repo.DefaultOptions()
	}
	return &Dialer{opts: opts}
}

// Normalize returns the canonical form of url, the form stored in a
// binding: network URLs as given, paths made absolute and clean.
func Normalize(url string) (string, error) {
	if strings.HasPrefix(url, tcpScheme) {
		if _, _, err := net.SplitHostPort(strings.TrimPrefix(url, tcpScheme)); err != nil {
			return "", fmt.Errorf("remote %q: %w", url, err)
		}
		return url, nil
	}
	abs, err := filepath.Abs(url)
	if err != nil {
		return "", fmt.Errorf("remote %q: %w", url, err)
	}
	return abs, nil
}

// Dial connects to the remote at url. Failures are *repo.TransferError.
func (d *Dialer) Dial(ctx context.Context, url string) (repo.Peer, error) {
	canonical, err := Normalize(url)
	if err != nil {
		return nil, &repo.TransferError{Op: "dial", URL: url, Err: err}
	}
	if !strings.HasPrefix(canonical, tcpScheme) {
		r, err := repo.Open(canonical, d.opts.Store)
		if err != nil {
			return nil, &repo.TransferError{Op: "dial", URL: canonical, Err: err}
		}
		return r, nil
	}

	id := d.opts.Identity
	if id == nil {
		if id, err = identity.Ephemeral(); err != nil {
			return nil, &repo.TransferError{Op: "dial", URL: canonical, Err: err}
		}
	}
	c, err := transport.Dial(ctx, canonical, strings.TrimPrefix(canonical, tcpScheme), id, d.opts.Transport)
	if err != nil {
		return nil, &repo.TransferError{Op: "dial", URL: canonical, Err: err}
	}
	if d.opts.Transport.ServerKey == "" {
		// Set remote.server_key to this value to pin it.
		logger.Info("remote key not pinned", "url", canonical, "server_key", c.ServerKey())
	}
	return c, nil
}
