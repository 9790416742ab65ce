package main

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"treekv/internal/config"
	"treekv/internal/identity"
	"treekv/internal/kv"
	"treekv/internal/ssh"
	"treekv/internal/transport"
)

type bufferTerminal struct {
	io.Reader
	*strings.Builder
}

func console(t *testing.T, srv *transport.Server, b *kv.Bucket, line string) (string, bool) {
	t.Helper()
	reg := ssh.NewCommandRegistry()
	registerConsoleCommands(reg, srv)
	var out strings.Builder
	terminal := term.NewTerminal(bufferTerminal{strings.NewReader(""), &out}, "")
	_, ok := reg.Execute(context.Background(), line, "tester", b, terminal)
	return out.String(), ok
}

func TestConsoleNode(t *testing.T) {
	ctx := context.Background()
	b, err := kv.Open(ctx, t.TempDir())
	require.NoError(t, err)
	_, err = b.CommitKey(ctx, "k", []byte("v"))
	require.NoError(t, err)
	id, err := identity.Ephemeral()
	require.NoError(t, err)
	srv := transport.NewServer(b.Repo(), id, transport.ServerConfig{Listen: "127.0.0.1:0"})
	require.NoError(t, srv.Listen())
	defer srv.Stop()

	out, ok := console(t, srv, b, "/node")
	require.True(t, ok, out)
	require.Contains(t, out, "tcp://"+srv.Addr())
	require.Contains(t, out, srv.PeerKey())
	bucketID, err := b.Repo().ID()
	require.NoError(t, err)
	require.NotEmpty(t, bucketID)
	require.Contains(t, out, "bucket id:     "+bucketID)
	require.Contains(t, out, "branch main     "+b.Head().Short())
}

func TestConsoleLogUsage(t *testing.T) {
	b, err := kv.Open(context.Background(), t.TempDir())
	require.NoError(t, err)

	out, ok := console(t, nil, b, "/log nope")
	require.False(t, ok)
	require.Contains(t, out, "Usage: /log [n]")

	out, ok = console(t, nil, b, "/log")
	require.True(t, ok)
	require.Contains(t, out, "No revisions yet.")
}

func TestDialOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Remote.DialTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.Remote.ServerKey = strings.Repeat("AB", 32)

	opts := dialOptions(cfg)
	require.Equal(t, 2*time.Second, opts.Timeout)
	require.Equal(t, 3, opts.Retries)
	require.Equal(t, 30*time.Second, opts.RequestTimeout)
	require.Equal(t, strings.Repeat("ab", 32), opts.ServerKey)
}
