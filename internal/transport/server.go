// Package transport serves a repository to remote buckets over TCP and
// dials such servers. Connections are Noise XX sessions keyed by the node
// identity; each carries framed pkg/proto requests answered in order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"treekv/internal/identity"
	"treekv/internal/logging"
	"treekv/internal/objects"
	"treekv/internal/repo"
	pb "treekv/pkg/proto"
)

var tlog = logging.For("transport")

const (
	handshakeTimeout = 10 * time.Second
	// responseSlack leaves room for the response envelope around objects.
	responseSlack = 64 << 10
)

// ServerConfig controls a Server.
type ServerConfig struct {
	Listen string
	// AllowedPeers lists the hex transport keys admitted; empty admits all.
	AllowedPeers []string
	// RateLimit caps requests per second per peer; zero disables the cap.
	RateLimit float64
	// IdleTimeout closes a connection that sends no request for this long.
	IdleTimeout time.Duration
}

// Server answers remote requests against one repository.
type Server struct {
	repo     *repo.Repo
	cfg      ServerConfig
	noiseKey noise.DHKey
	peerKey  string
	allowed  map[string]bool
	limiter  *RateLimiter

	mu       sync.Mutex
	listener net.Listener
	conns    map[*secureConn]struct{}
	wg       sync.WaitGroup

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer prepares a server for r using id as its transport key.
func NewServer(r *repo.Repo, id *identity.Identity, cfg ServerConfig) *Server {
	s := &Server{
		repo:     r,
		cfg:      cfg,
		noiseKey: id.NoiseKey(),
		peerKey:  id.PeerKey(),
		conns:    make(map[*secureConn]struct{}),
		done:     make(chan struct{}),
	}
	if len(cfg.AllowedPeers) > 0 {
		s.allowed = make(map[string]bool, len(cfg.AllowedPeers))
		for _, k := range cfg.AllowedPeers {
			s.allowed[k] = true
		}
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit)
	}
	return s
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	tlog.Info("serving repository", "addr", ln.Addr().String(), "path", s.repo.Path())
	return nil
}

// PeerKey returns the hex transport key clients see during the handshake.
func (s *Server) PeerKey() string { return s.peerKey }

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is done or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("transport: Serve called before Listen")
	}
	if s.limiter != nil {
		go s.limiter.CleanupLoop(s.done, time.Minute)
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				s.wg.Wait()
				return nil
			default:
			}
			tlog.Warn("accept error", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}
		for sc := range s.conns {
			sc.Close()
		}
	})
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	sc, err := handshake(conn, false, s.noiseKey, time.Now().Add(handshakeTimeout))
	if err != nil {
		tlog.Warn("inbound handshake failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	peer := identity.PeerKeyString(sc.PeerKey())
	if s.allowed != nil && !s.allowed[peer] {
		tlog.Info("rejecting peer not in allow-list", "peer", peer, "remote", conn.RemoteAddr())
		sc.Close()
		return
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		sc.Close()
		return
	default:
	}
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		sc.Close()
	}()

	tlog.Debug("peer connected", "peer", peer, "remote", conn.RemoteAddr())
	var st connState
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = sc.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		frame, err := ReadFrame(sc)
		if err != nil {
			tlog.Debug("peer disconnected", "peer", peer, "err", err)
			return
		}
		req, err := pb.UnmarshalRequest(frame)
		if err != nil {
			tlog.Warn("dropping peer after malformed request", "peer", peer, "err", err)
			return
		}

		var resp *pb.Response
		if s.limiter != nil && !s.limiter.Allow(peer) {
			resp = &pb.Response{Error: "rate limited"}
		} else {
			resp = s.dispatch(ctx, &st, req)
		}
		resp.ID = req.ID
		if err := WriteFrame(sc, resp.Marshal()); err != nil {
			tlog.Debug("write failed", "peer", peer, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, st *connState, req *pb.Request) *pb.Response {
	resp, err := s.serve(ctx, st, req)
	if err != nil {
		tlog.Debug("request failed", "op", req.Op, "ref", req.Ref, "err", err)
		return &pb.Response{Error: err.Error()}
	}
	return resp
}

func (s *Server) serve(ctx context.Context, st *connState, req *pb.Request) (*pb.Response, error) {
	switch req.Op {
	case pb.OpRef:
		h, err := s.repo.FetchRef(ctx, req.Ref)
		if err != nil {
			return nil, err
		}
		return &pb.Response{Hash: h.Bytes()}, nil

	case pb.OpSwapRef:
		old, err := objects.HashFromBytes(req.Old)
		if err != nil {
			return nil, err
		}
		new, err := objects.HashFromBytes(req.New)
		if err != nil {
			return nil, err
		}
		ok, err := s.repo.SwapRef(ctx, req.Ref, old, new)
		if err != nil {
			return nil, err
		}
		if ok {
			tlog.Info("ref updated by peer", "ref", req.Ref, "old", old.Short(), "new", new.Short())
		}
		return &pb.Response{Swapped: ok}, nil

	case pb.OpHasObjects:
		hashes, err := parseHashes(req.Hashes)
		if err != nil {
			return nil, err
		}
		have, err := s.repo.HasObjects(ctx, hashes)
		if err != nil {
			return nil, err
		}
		return &pb.Response{Have: have}, nil

	case pb.OpGetObjects:
		hashes, err := parseHashes(req.Hashes)
		if err != nil {
			return nil, err
		}
		datas, err := s.repo.GetObjects(ctx, hashes)
		if err != nil {
			return nil, err
		}
		resp := &pb.Response{Objects: fitPayload(datas)}
		if len(resp.Objects) == 0 && len(datas) > 0 {
			resp.Size = uint64(len(datas[0]))
		}
		return resp, nil

	case pb.OpPutObjects:
		if err := s.repo.PutObjects(ctx, req.Objects); err != nil {
			return nil, err
		}
		return &pb.Response{}, nil

	case pb.OpGetChunk:
		h, err := singleHash(req.Hashes)
		if err != nil {
			return nil, err
		}
		data, err := st.object(ctx, s.repo, h)
		if err != nil {
			return nil, err
		}
		if req.Offset >= uint64(len(data)) {
			return nil, fmt.Errorf("offset %d past the end of %s", req.Offset, h.Short())
		}
		end := min(req.Offset+chunkSize, uint64(len(data)))
		return &pb.Response{Objects: [][]byte{data[req.Offset:end]}, Size: uint64(len(data))}, nil

	case pb.OpPutChunk:
		h, err := singleHash(req.Hashes)
		if err != nil {
			return nil, err
		}
		if len(req.Objects) != 1 {
			return nil, fmt.Errorf("want one piece, got %d", len(req.Objects))
		}
		data, done, err := st.receive(h, req.Offset, req.Size, req.Objects[0])
		if err != nil {
			return nil, err
		}
		if done {
			if err := s.repo.PutObjects(ctx, [][]byte{data}); err != nil {
				return nil, err
			}
			tlog.Debug("stored object sent in pieces", "object", h.Short(), "bytes", len(data))
		}
		return &pb.Response{}, nil
	}
	return nil, fmt.Errorf("unsupported op %s", req.Op)
}

// fitPayload returns the longest prefix of datas that fits in one frame.
// The prefix is empty when the first object alone is too large; the client
// then fetches that one with get-chunk.
func fitPayload(datas [][]byte) [][]byte {
	size := 0
	for i, d := range datas {
		size += len(d) + 16
		if size > MaxPayload-responseSlack {
			return datas[:i]
		}
	}
	return datas
}

func parseHashes(raw [][]byte) ([]objects.Hash, error) {
	out := make([]objects.Hash, len(raw))
	for i, b := range raw {
		h, err := objects.HashFromBytes(b)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}
