package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"treekv/internal/identity"
	"treekv/internal/kv"
	"treekv/internal/objects"
	"treekv/internal/repo"
)

type initCommand struct {
	app *app
}

func (c *initCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := c.app.setup()
	if err != nil {
		return err
	}
	existed := repo.Exists(cfg.Bucket.Path)
	cfg.Bucket.Remote = ""
	opts, err := bucketOptions(cfg)
	if err != nil {
		return err
	}
	b, err := kv.Open(ctx, cfg.Bucket.Path, opts...)
	if err != nil {
		return err
	}
	if existed {
		fmt.Printf("Bucket already exists at %s (head %s)\n", b.Path(), b.Head().Short())
		return nil
	}
	fmt.Printf("Initialized empty bucket at %s\n", b.Path())
	return nil
}

type cloneCommand struct {
	app  *app
	Args struct {
		Remote string `positional-arg-name:"REMOTE" required:"yes"`
		Path   string `positional-arg-name:"PATH"`
	} `positional-args:"yes"`
}

func (c *cloneCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	c.app.opts.Remote = c.Args.Remote
	if c.Args.Path != "" {
		c.app.opts.Bucket = c.Args.Path
	}
	b, _, err := c.app.openBucket(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Cloned %s into %s at %s\n", b.Remote(), b.Path(), b.Head().Short())
	return nil
}

type getCommand struct {
	app     *app
	Default *string `short:"d" long:"default" description:"print this instead of failing when the key is absent"`
	Rev     string  `long:"rev" description:"read this revision (full hash, see log --full) instead of the head"`
	Args    struct {
		Key string `positional-arg-name:"KEY" required:"yes"`
	} `positional-args:"yes"`
}

func (c *getCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	var opts []kv.ReadOption
	if c.Rev != "" {
		rev, err := objects.ParseHash(c.Rev)
		if err != nil {
			return fmt.Errorf("--rev: %w", err)
		}
		opts = append(opts, kv.AtRevision(rev))
	}
	b, _, err := c.app.openBucket(ctx)
	if err != nil {
		return err
	}
	value, err := b.Item(c.Args.Key, opts...)
	if errors.Is(err, kv.ErrKeyNotFound) && c.Default != nil {
		value, err = []byte(*c.Default), nil
	}
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(value)
	if err == nil && term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println()
	}
	return err
}

type setCommand struct {
	app     *app
	Message string `short:"m" long:"message" description:"commit message"`
	Args    struct {
		Key   string  `positional-arg-name:"KEY" required:"yes"`
		Value *string `positional-arg-name:"VALUE"`
	} `positional-args:"yes"`
}

func (c *setCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	var value []byte
	switch {
	case c.Args.Value != nil:
		value = []byte(*c.Args.Value)
	case term.IsTerminal(int(os.Stdin.Fd())):
		return errors.New("no value given and stdin is a terminal")
	default:
		var err error
		if value, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("reading value: %w", err)
		}
	}

	b, _, err := c.app.openBucket(ctx)
	if err != nil {
		return err
	}
	head, err := b.CommitKey(ctx, c.Args.Key, value, commitOptions(c.Message)...)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", head.Short(), c.Args.Key)
	return nil
}

type delCommand struct {
	app     *app
	Message string `short:"m" long:"message" description:"commit message"`
	Args    struct {
		Keys []string `positional-arg-name:"KEY" required:"1"`
	} `positional-args:"yes"`
}

func (c *delCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, _, err := c.app.openBucket(ctx)
	if err != nil {
		return err
	}
	for _, k := range c.Args.Keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	before := b.Head()
	head, err := b.Commit(ctx, commitOptions(c.Message)...)
	if err != nil {
		return err
	}
	if head == before {
		fmt.Println("Nothing to delete.")
		return nil
	}
	fmt.Printf("%s deleted %s\n", head.Short(), strings.Join(c.Args.Keys, ", "))
	return nil
}

func commitOptions(msg string) []kv.CommitOption {
	if msg == "" {
		return nil
	}
	return []kv.CommitOption{kv.WithMessage(msg)}
}

type lsCommand struct {
	app  *app
	Args struct {
		Prefix string `positional-arg-name:"PREFIX"`
	} `positional-args:"yes"`
}

func (c *lsCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, _, err := c.app.openBucket(ctx)
	if err != nil {
		return err
	}
	keys, err := b.Keys(c.Args.Prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

type updateCommand struct {
	app *app
}

func (c *updateCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, _, err := c.app.openBucket(ctx)
	if err != nil {
		return err
	}
	before := b.Head()
	if err := b.Update(ctx); err != nil {
		return err
	}
	if b.Head() == before {
		fmt.Printf("Already at %s\n", before.Short())
		return nil
	}
	fmt.Printf("Updated %s..%s\n", before.Short(), b.Head().Short())
	return nil
}

type logCommand struct {
	app   *app
	Limit int  `short:"n" long:"limit" default:"20" description:"number of revisions to show, 0 for all"`
	Full  bool `long:"full" description:"print full revision hashes"`
}

func (c *logCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, _, err := c.app.openBucket(ctx)
	if err != nil {
		return err
	}
	return printHistory(os.Stdout, b, c.Limit, c.Full)
}

func printHistory(w io.Writer, b *kv.Bucket, limit int, full bool) error {
	revs, err := b.History(limit)
	if err != nil {
		return err
	}
	for _, r := range revs {
		c := r.Commit
		rev := r.Hash.Short()
		if full {
			rev = r.Hash.String()
		}
		_, _ = fmt.Fprintf(w, "%s %s %-16s %s\n",
			rev, c.Committer.When.Local().Format("2006-01-02 15:04"), c.Author.Name, c.Message)
	}
	return nil
}

type idCommand struct {
	app *app
}

func (c *idCommand) Execute([]string) error {
	cfg, err := c.app.setup()
	if err != nil {
		return err
	}
	id, err := identity.Load(cfg.Serve.Identity)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	fmt.Printf("Key file:      %s\n", cfg.Serve.Identity)
	fmt.Printf("Transport key: %s\n", id.PeerKey())
	fmt.Printf("SSH:           %s\n", id.Fingerprint)
	return nil
}
