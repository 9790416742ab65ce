package ssh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"treekv/internal/kv"
	"treekv/internal/objects"

	"golang.org/x/term"
)

// CommandContext holds the state available to command handlers.
type CommandContext struct {
	Ctx      context.Context
	Bucket   *kv.Bucket
	Terminal *term.Terminal
	// User is the SSH login name; it signs commits made in the session.
	User string
	Args []string
	// Rest is the line after the command name, spacing preserved.
	Rest string

	failed *bool
}

// Fail prints err to the terminal and marks the command as failed.
func (c CommandContext) Fail(err error) bool {
	_, _ = fmt.Fprintf(c.Terminal, "error: %v\r\n", err)
	c.markFailed()
	return false
}

// Usage prints the usage line for a malformed command and marks it failed.
func (c CommandContext) Usage(text string) bool {
	_, _ = fmt.Fprintf(c.Terminal, "Usage: %s\r\n", text)
	c.markFailed()
	return false
}

func (c CommandContext) markFailed() {
	if c.failed != nil {
		*c.failed = true
	}
}

// CommandHandler processes a console command. Returns true if the session
// should be closed (e.g., /quit). Staged entries still pending at that
// point are discarded by the caller.
type CommandHandler func(ctx CommandContext) bool

// Command describes a registered console command.
type Command struct {
	Usage   string // full usage for help (e.g., "/get <key>"); defaults to command name
	Help    string
	Handler CommandHandler
}

// CommandRegistrar is the interface for registering commands before the server starts.
type CommandRegistrar interface {
	Register(name string, cmd Command)
	RegisterBuiltins()
}

// CommandRegistry maps command names to handlers and produces dynamic help.
// It is safe for concurrent use; Dispatch and HelpText may be called from
// multiple goroutines (e.g., concurrent SSH sessions).
// Once frozen (via Freeze), no new commands can be registered.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]Command
	order    []string // insertion order for stable help output
	frozen   bool
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]Command),
	}
}

// Register adds a command to the registry. The name should include the leading
// slash (e.g., "/get"). Registering the same name twice overwrites the previous entry.
// Panics if cmd.Handler is nil or if the registry is frozen.
func (r *CommandRegistry) Register(name string, cmd Command) {
	if cmd.Handler == nil {
		panic("ssh: Register called with nil handler for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("ssh: Register called on frozen registry for " + name)
	}
	if _, exists := r.commands[name]; !exists {
		r.order = append(r.order, name)
	}
	r.commands[name] = cmd
}

// Freeze prevents further command registration. This is called automatically
// when the server starts listening. Calling Register on a frozen registry panics.
func (r *CommandRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Dispatch parses a command line and calls the matching handler.
// Returns true if the session should be closed.
func (r *CommandRegistry) Dispatch(ctx context.Context, line, user string, bucket *kv.Bucket, terminal *term.Terminal) bool {
	exit, _ := r.Execute(ctx, line, user, bucket, terminal)
	return exit
}

// Execute is Dispatch that also reports whether the command succeeded. An
// unknown command, a usage error and a failed bucket operation all report
// ok == false.
func (r *CommandRegistry) Execute(ctx context.Context, line, user string, bucket *kv.Bucket, terminal *term.Terminal) (exit, ok bool) {
	line = strings.TrimSpace(line)
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, true
	}
	name := parts[0]

	r.mu.RLock()
	cmd, found := r.commands[name]
	r.mu.RUnlock()

	if !found {
		_, _ = fmt.Fprintf(terminal, "Unknown command: %s (try /help)\r\n", name)
		return false, false
	}

	var failed bool
	exit = cmd.Handler(CommandContext{
		Ctx:      ctx,
		Bucket:   bucket,
		Terminal: terminal,
		User:     user,
		Args:     parts[1:],
		Rest:     strings.TrimSpace(strings.TrimPrefix(line, name)),
		failed:   &failed,
	})
	return exit, !failed
}

// HelpText returns a formatted help string listing all registered commands
// in registration order.
func (r *CommandRegistry) HelpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range r.order {
		cmd := r.commands[name]
		display := name
		if cmd.Usage != "" {
			display = cmd.Usage
		}
		_, _ = fmt.Fprintf(&b, "  %-18s %s\n", display, cmd.Help)
	}
	return b.String()
}

// RegisterBuiltins registers the bucket commands followed by /quit and
// /help.
func (r *CommandRegistry) RegisterBuiltins() {
	r.Register("/get", Command{
		Usage: "/get <key>",
		Help:  "print a value, staged writes included",
		Handler: func(ctx CommandContext) bool {
			if len(ctx.Args) != 1 {
				return ctx.Usage("/get <key>")
			}
			value, err := ctx.Bucket.Item(ctx.Args[0])
			if errors.Is(err, kv.ErrKeyNotFound) {
				_, _ = fmt.Fprintf(ctx.Terminal, "%s is not set\r\n", ctx.Args[0])
				ctx.markFailed()
				return false
			}
			if err != nil {
				return ctx.Fail(err)
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "%s\r\n", value)
			return false
		},
	})

	r.Register("/set", Command{
		Usage: "/set <key> <value>",
		Help:  "stage a write",
		Handler: func(ctx CommandContext) bool {
			if len(ctx.Args) < 2 {
				return ctx.Usage("/set <key> <value>")
			}
			key := ctx.Args[0]
			value := strings.TrimSpace(strings.TrimPrefix(ctx.Rest, key))
			if err := ctx.Bucket.Set(key, []byte(value)); err != nil {
				return ctx.Fail(err)
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "staged %s\r\n", key)
			return false
		},
	})

	r.Register("/del", Command{
		Usage: "/del <key>",
		Help:  "stage a delete",
		Handler: func(ctx CommandContext) bool {
			if len(ctx.Args) != 1 {
				return ctx.Usage("/del <key>")
			}
			if err := ctx.Bucket.Delete(ctx.Args[0]); err != nil {
				return ctx.Fail(err)
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "staged delete of %s\r\n", ctx.Args[0])
			return false
		},
	})

	r.Register("/staged", Command{
		Help: "list keys with pending changes",
		Handler: func(ctx CommandContext) bool {
			keys := ctx.Bucket.Staged()
			if len(keys) == 0 {
				_, _ = fmt.Fprintln(ctx.Terminal, "Nothing staged.")
				return false
			}
			for _, k := range keys {
				_, _ = fmt.Fprintf(ctx.Terminal, "  %s\r\n", k)
			}
			return false
		},
	})

	r.Register("/discard", Command{
		Help: "drop every staged change",
		Handler: func(ctx CommandContext) bool {
			n := len(ctx.Bucket.Staged())
			ctx.Bucket.Discard()
			_, _ = fmt.Fprintf(ctx.Terminal, "discarded %d staged change(s)\r\n", n)
			return false
		},
	})

	r.Register("/commit", Command{
		Usage: "/commit [message]",
		Help:  "commit staged changes",
		Handler: func(ctx CommandContext) bool {
			var opts []kv.CommitOption
			if ctx.Rest != "" {
				opts = append(opts, kv.WithMessage(ctx.Rest))
			}
			if ctx.User != "" {
				opts = append(opts, kv.WithCommitAuthor(objects.Signature{Name: ctx.User, Email: ctx.User + "@ssh"}))
			}
			before := ctx.Bucket.Head()
			head, err := ctx.Bucket.Commit(ctx.Ctx, opts...)
			var ce *kv.CommitError
			if errors.As(err, &ce) {
				_, _ = fmt.Fprintf(ctx.Terminal, "conflict: %s branch moved to %s\r\n", ce.Stage, ce.Winner.Short())
				if len(ce.Dropped) > 0 {
					_, _ = fmt.Fprintf(ctx.Terminal, "dropped: %s\r\n", strings.Join(ce.Dropped, ", "))
				}
				ctx.markFailed()
				return false
			}
			if err != nil {
				return ctx.Fail(err)
			}
			if head == before {
				_, _ = fmt.Fprintln(ctx.Terminal, "Nothing to commit.")
				return false
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "committed %s\r\n", head.Short())
			return false
		},
	})

	r.Register("/update", Command{
		Help: "move to the latest revision",
		Handler: func(ctx CommandContext) bool {
			if err := ctx.Bucket.Update(ctx.Ctx); err != nil {
				return ctx.Fail(err)
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "at %s\r\n", ctx.Bucket.Head().Short())
			return false
		},
	})

	r.Register("/ls", Command{
		Usage: "/ls [prefix]",
		Help:  "list visible keys",
		Handler: func(ctx CommandContext) bool {
			prefix := ""
			if len(ctx.Args) > 0 {
				prefix = ctx.Args[0]
			}
			keys, err := ctx.Bucket.Keys(prefix)
			if err != nil {
				return ctx.Fail(err)
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "Keys (%d):\r\n", len(keys))
			for _, k := range keys {
				_, _ = fmt.Fprintf(ctx.Terminal, "  %s\r\n", k)
			}
			return false
		},
	})

	r.Register("/head", Command{
		Help: "show branch, revision and remote",
		Handler: func(ctx CommandContext) bool {
			b := ctx.Bucket
			remote := b.Remote()
			if remote == "" {
				remote = "(none)"
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "branch %s at %s, remote %s\r\n", b.Branch(), b.Head().Short(), remote)
			return false
		},
	})

	r.Register("/quit", Command{
		Help: "disconnect",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprintln(ctx.Terminal, "Goodbye.")
			return true
		},
	})

	r.Register("/help", Command{
		Help: "show this help",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprint(ctx.Terminal, r.HelpText())
			return false
		},
	})
}
