package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"

	"treekv/internal/config"
	"treekv/internal/kv"
)

func TestApplyOverrides(t *testing.T) {
	a := &app{opts: globalOptions{
		Bucket:    "~/elsewhere",
		Remote:    "tcp://127.0.0.1:7411",
		Branch:    "dev",
		LogLevel:  "debug",
		LogFormat: "json",
	}}
	cfg := config.Defaults()
	a.apply(cfg)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "elsewhere"), cfg.Bucket.Path)
	require.Equal(t, "tcp://127.0.0.1:7411", cfg.Bucket.Remote)
	require.Equal(t, "dev", cfg.Bucket.Branch)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.False(t, strings.HasPrefix(cfg.Serve.Identity, "~"))
}

func TestApplyKeepsConfigWithoutFlags(t *testing.T) {
	cfg := config.Defaults()
	cfg.Bucket.Remote = "/srv/origin"
	(&app{}).apply(cfg)
	require.Equal(t, "/srv/origin", cfg.Bucket.Remote)
	require.Equal(t, "main", cfg.Bucket.Branch)
}

func TestParseSubcommands(t *testing.T) {
	a := &app{}
	p := flags.NewParser(&a.opts, flags.None)
	a.register(p)

	for _, name := range []string{"init", "clone", "get", "set", "del", "ls", "update", "log", "serve", "id"} {
		require.NotNil(t, p.Find(name), name)
	}

	var ran flags.Commander
	p.CommandHandler = func(c flags.Commander, _ []string) error {
		ran = c
		return nil
	}
	_, err := p.ParseArgs([]string{"-b", "/tmp/b", "get", "--default", "x", "a/b"})
	require.NoError(t, err)
	cmd, ok := ran.(*getCommand)
	require.True(t, ok)
	require.Equal(t, "/tmp/b", a.opts.Bucket)
	require.Equal(t, "a/b", cmd.Args.Key)
	require.NotNil(t, cmd.Default)
	require.Equal(t, "x", *cmd.Default)
}

func TestPrintHistory(t *testing.T) {
	ctx := context.Background()
	b, err := kv.Open(ctx, t.TempDir(), kv.WithAuthor(kv.DefaultAuthor))
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, printHistory(&out, b, 0, false))
	require.Empty(t, out.String())

	_, err = b.CommitKey(ctx, "a", []byte("1"), kv.WithMessage("first"))
	require.NoError(t, err)
	_, err = b.CommitKey(ctx, "a", []byte("2"), kv.WithMessage("second"))
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, printHistory(&out, b, 0, false))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], b.Head().Short()))
	require.True(t, strings.HasSuffix(lines[0], "second"))
	require.Contains(t, lines[1], "treekv")

	out.Reset()
	require.NoError(t, printHistory(&out, b, 1, false))
	require.Equal(t, 1, strings.Count(out.String(), "\n"))

	out.Reset()
	require.NoError(t, printHistory(&out, b, 1, true))
	require.True(t, strings.HasPrefix(out.String(), b.Head().String()+" "))
}
