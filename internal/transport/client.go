package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"treekv/internal/identity"
	"treekv/internal/objects"
	"treekv/internal/repo"
	pb "treekv/pkg/proto"
)

// DialOptions controls how a Client connects.
type DialOptions struct {
	// Timeout bounds connecting, including retries and the handshake.
	Timeout time.Duration
	// Retries is the number of extra connection attempts after the first.
	Retries int
	// RequestTimeout bounds a single request round trip.
	RequestTimeout time.Duration
	// ServerKey, when set, is the hex transport key the server must present.
	ServerKey string
}

func (o DialOptions) withDefaults() DialOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	return o
}

// ErrRemote wraps an error reported by the server.
var ErrRemote = errors.New("remote error")

// Client is a repo.Peer backed by a Server. Requests are serialized over
// one connection.
type Client struct {
	url       string
	opts      DialOptions
	serverKey string

	mu sync.Mutex
	sc *secureConn
}

var _ repo.Peer = (*Client)(nil)

// Dial connects to the server at addr (host:port) and authenticates with
// id. url is what the client reports as its URL.
func Dial(ctx context.Context, url, addr string, id *identity.Identity, opts DialOptions) (*Client, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var sc *secureConn
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(opts.Retries, 0))), ctx)
	err := backoff.Retry(func() error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			tlog.Debug("dial failed", "addr", addr, "err", err)
			return err
		}
		deadline, _ := ctx.Deadline()
		sc, err = handshake(conn, true, id.NoiseKey(), deadline)
		if err != nil {
			conn.Close()
			return backoff.Permanent(fmt.Errorf("noise handshake: %w", err))
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	if opts.ServerKey != "" {
		if got := identity.PeerKeyString(sc.PeerKey()); got != opts.ServerKey {
			sc.Close()
			return nil, fmt.Errorf("server %s presented key %s, want %s", addr, got, opts.ServerKey)
		}
	}
	serverKey := identity.PeerKeyString(sc.PeerKey())
	tlog.Debug("connected", "addr", addr, "server", serverKey)
	return &Client{url: url, opts: opts, serverKey: serverKey, sc: sc}, nil
}

// URL implements repo.Peer.
func (c *Client) URL() string { return c.url }

// ServerKey returns the hex transport key the server presented.
func (c *Client) ServerKey() string {
	return c.serverKey
}

func (c *Client) call(ctx context.Context, req *pb.Request) (*pb.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc == nil {
		return nil, net.ErrClosed
	}

	deadline := time.Now().Add(c.opts.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.sc.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.sc.SetDeadline(time.Now()) })
	defer stop()

	req.ID = uuid.NewString()
	if err := WriteFrame(c.sc, req.Marshal()); err != nil {
		return nil, c.fail(ctx, req, err)
	}
	frame, err := ReadFrame(c.sc)
	if err != nil {
		return nil, c.fail(ctx, req, err)
	}
	resp, err := pb.UnmarshalResponse(frame)
	if err != nil {
		return nil, c.fail(ctx, req, err)
	}
	if resp.ID != req.ID {
		return nil, c.fail(ctx, req, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID))
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: %w: %s", req.Op, ErrRemote, resp.Error)
	}
	return resp, nil
}

// fail closes the connection after a broken exchange; the stream can no
// longer be trusted to be in step.
func (c *Client) fail(ctx context.Context, req *pb.Request, err error) error {
	c.sc.Close()
	c.sc = nil
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return fmt.Errorf("%s: %w", req.Op, err)
}

// FetchRef implements repo.Peer.
func (c *Client) FetchRef(ctx context.Context, name string) (objects.Hash, error) {
	resp, err := c.call(ctx, &pb.Request{Op: pb.OpRef, Ref: name})
	if err != nil {
		return objects.ZeroHash, err
	}
	return objects.HashFromBytes(resp.Hash)
}

// SwapRef implements repo.Peer.
func (c *Client) SwapRef(ctx context.Context, name string, old, new objects.Hash) (bool, error) {
	resp, err := c.call(ctx, &pb.Request{Op: pb.OpSwapRef, Ref: name, Old: old.Bytes(), New: new.Bytes()})
	if err != nil {
		return false, err
	}
	return resp.Swapped, nil
}

// HasObjects implements repo.Peer.
func (c *Client) HasObjects(ctx context.Context, hashes []objects.Hash) ([]bool, error) {
	resp, err := c.call(ctx, &pb.Request{Op: pb.OpHasObjects, Hashes: hashBytes(hashes)})
	if err != nil {
		return nil, err
	}
	if len(resp.Have) != len(hashes) {
		return nil, fmt.Errorf("has-objects: got %d answers for %d hashes", len(resp.Have), len(hashes))
	}
	return resp.Have, nil
}

// GetObjects implements repo.Peer. The server may answer with a prefix.
// When the first object is too large for a frame it is fetched alone, in
// pieces.
func (c *Client) GetObjects(ctx context.Context, hashes []objects.Hash) ([][]byte, error) {
	resp, err := c.call(ctx, &pb.Request{Op: pb.OpGetObjects, Hashes: hashBytes(hashes)})
	if err != nil {
		return nil, err
	}
	if len(resp.Objects) == 0 && resp.Size > 0 && len(hashes) > 0 {
		data, err := c.getChunked(ctx, hashes[0], resp.Size)
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil
	}
	if len(resp.Objects) > len(hashes) {
		return nil, fmt.Errorf("get-objects: got %d objects for %d hashes", len(resp.Objects), len(hashes))
	}
	return resp.Objects, nil
}

// PutObjects implements repo.Peer. Objects are sent in order, batched to
// fit a frame; an object above chunkSize goes on its own in pieces.
func (c *Client) PutObjects(ctx context.Context, encoded [][]byte) error {
	var (
		batch [][]byte
		size  int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := c.call(ctx, &pb.Request{Op: pb.OpPutObjects, Objects: batch})
		batch, size = nil, 0
		return err
	}
	for _, data := range encoded {
		if len(data) > chunkSize {
			if err := flush(); err != nil {
				return err
			}
			if err := c.putChunked(ctx, data); err != nil {
				return err
			}
			continue
		}
		if size+len(data)+16 > MaxPayload-responseSlack {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, data)
		size += len(data) + 16
	}
	return flush()
}

// Close implements repo.Peer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sc == nil {
		return nil
	}
	err := c.sc.Close()
	c.sc = nil
	return err
}

func hashBytes(hashes []objects.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i := range hashes {
		out[i] = hashes[i][:]
	}
	return out
}
