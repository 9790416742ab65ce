package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"

	"treekv/internal/config"
	"treekv/internal/identity"
	"treekv/internal/kv"
	"treekv/internal/logging"
	"treekv/internal/objects"
	"treekv/internal/remote"
	"treekv/internal/repo"
	"treekv/internal/transport"
)

// globalOptions override the matching config file values when set.
type globalOptions struct {
	Config    string `short:"c" long:"config" description:"path to config file"`
	Bucket    string `short:"b" long:"bucket" description:"bucket directory (overrides config)"`
	Remote    string `short:"r" long:"remote" description:"remote the bucket is bound to (overrides config)"`
	Branch    string `long:"branch" description:"branch to track (overrides config)"`
	LogLevel  string `long:"log-level" description:"debug, info, warn or error (overrides config)"`
	LogFormat string `long:"log-format" choice:"text" choice:"json" description:"log format (overrides config)"`
}

type app struct {
	opts globalOptions
}

func main() {
	a := &app{}
	parser := flags.NewParser(&a.opts, flags.Default)
	parser.ShortDescription = "versioned key-value buckets"
	a.register(parser)

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func (a *app) register(p *flags.Parser) {
	commands := []struct {
		name, short, long string
		data              any
	}{
		{"init", "Create an empty bucket", "Create an unbound bucket at the configured path, or open the one already there.", &initCommand{app: a}},
		{"clone", "Clone a bucket from a remote", "Create a bucket bound to REMOTE holding the remote branch.", &cloneCommand{app: a}},
		{"get", "Print a value", "Print the committed value of KEY.", &getCommand{app: a}},
		{"set", "Commit a value", "Commit VALUE at KEY. Without VALUE the value is read from stdin.", &setCommand{app: a}},
		{"del", "Commit a delete", "Remove KEY in a new revision.", &delCommand{app: a}},
		{"ls", "List keys", "List the keys under PREFIX, or every key.", &lsCommand{app: a}},
		{"update", "Move to the latest revision", "Fetch the remote and fast-forward the bucket to it.", &updateCommand{app: a}},
		{"log", "Show history", "Show the revisions behind the bucket head, newest first.", &logCommand{app: a}},
		{"serve", "Serve the bucket", "Serve the bucket to remote clones, an SSH console and a metrics endpoint.", &serveCommand{app: a}},
		{"id", "Show the node identity", "Print the transport key and SSH fingerprint of the configured identity.", &idCommand{app: a}},
	}
	for _, c := range commands {
		if _, err := p.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			panic(err)
		}
	}
}

// setup loads the config, applies flag overrides and starts logging.
func (a *app) setup() (*config.Config, error) {
	cfg, err := config.Load(a.opts.Config)
	if err != nil {
		return nil, err
	}
	a.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func (a *app) apply(cfg *config.Config) {
	if a.opts.Bucket != "" {
		cfg.Bucket.Path = a.opts.Bucket
	}
	if a.opts.Remote != "" {
		cfg.Bucket.Remote = a.opts.Remote
	}
	if a.opts.Branch != "" {
		cfg.Bucket.Branch = a.opts.Branch
	}
	if a.opts.LogLevel != "" {
		cfg.Logging.Level = a.opts.LogLevel
	}
	if a.opts.LogFormat != "" {
		cfg.Logging.Format = a.opts.LogFormat
	}
	cfg.Bucket.Path = config.ExpandHome(cfg.Bucket.Path)
	cfg.Serve.Identity = config.ExpandHome(cfg.Serve.Identity)
}

// bucketOptions translates cfg into Open options. The configured identity
// authenticates network remotes when its key file exists; otherwise dials
// use a throwaway key.
func bucketOptions(cfg *config.Config) ([]kv.Option, error) {
	storeOpts := repo.Options{
		OpenTimeout:   cfg.Store.OpenTimeout.Duration,
		TreeCacheSize: cfg.Store.TreeCacheSize,
	}
	var id *identity.Identity
	if _, err := os.Stat(cfg.Serve.Identity); err == nil {
		if id, err = identity.Load(cfg.Serve.Identity); err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
	}
	dialer := remote.NewDialer(remote.Options{
		Identity:  id,
		Store:     storeOpts,
		Transport: dialOptions(cfg),
	})
	return []kv.Option{
		kv.WithRemote(cfg.Bucket.Remote),
		kv.WithBranch(cfg.Bucket.Branch),
		kv.WithAuthor(objects.Signature{Name: cfg.Author.Name, Email: cfg.Author.Email}),
		kv.WithStoreOptions(storeOpts),
		kv.WithDialer(dialer),
	}, nil
}

func dialOptions(cfg *config.Config) transport.DialOptions {
	return transport.DialOptions{
		Timeout:        cfg.Remote.DialTimeout.Duration,
		Retries:        cfg.Remote.DialRetries,
		RequestTimeout: cfg.Remote.RequestTimeout.Duration,
		ServerKey:      strings.ToLower(cfg.Remote.ServerKey),
	}
}

// openBucket runs setup and opens the configured bucket.
func (a *app) openBucket(ctx context.Context) (*kv.Bucket, *config.Config, error) {
	cfg, err := a.setup()
	if err != nil {
		return nil, nil, err
	}
	opts, err := bucketOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	b, err := kv.Open(ctx, cfg.Bucket.Path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return b, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
