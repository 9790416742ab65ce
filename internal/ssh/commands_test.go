package ssh

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"treekv/internal/kv"

	"golang.org/x/term"
)

// mockTerminal creates a term.Terminal backed by an in-memory pipe.
// Returns the terminal and a function that reads all written output.
func mockTerminal(t *testing.T) (*term.Terminal, func() string) {
	t.Helper()
	r, w, err := pipePair()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	t.Cleanup(func() { _ = w.Close() })
	terminal := term.NewTerminal(readWriter{r, w}, "> ")
	readOutput := func() string {
		_ = w.Close()
		data, _ := io.ReadAll(r)
		return string(data)
	}
	return terminal, readOutput
}

func testBucket(t *testing.T) *kv.Bucket {
	t.Helper()
	b, err := kv.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("opening bucket: %v", err)
	}
	return b
}

// run dispatches each line on a fresh terminal and returns the combined
// output of the last one.
func run(t *testing.T, reg *CommandRegistry, b *kv.Bucket, lines ...string) (string, bool) {
	t.Helper()
	var (
		out  string
		exit bool
	)
	for _, line := range lines {
		terminal, readOutput := mockTerminal(t)
		exit = reg.Dispatch(context.Background(), line, "tester", b, terminal)
		out = readOutput()
	}
	return out, exit
}

func builtins() *CommandRegistry {
	reg := NewCommandRegistry()
	reg.RegisterBuiltins()
	return reg
}

func TestRegistryDispatchKnown(t *testing.T) {
	b := testBucket(t)
	terminal, readOutput := mockTerminal(t)

	var called bool
	reg := NewCommandRegistry()
	reg.Register("/ping", Command{
		Help: "test command",
		Handler: func(ctx CommandContext) bool {
			called = true
			if ctx.Bucket != b {
				t.Error("Bucket mismatch")
			}
			if ctx.User != "alice" {
				t.Errorf("User: got %q, want alice", ctx.User)
			}
			if len(ctx.Args) != 2 || ctx.Args[0] != "pong" {
				t.Errorf("Args: got %v, want [pong  again]", ctx.Args)
			}
			if ctx.Rest != "pong   again" {
				t.Errorf("Rest: got %q", ctx.Rest)
			}
			return false
		},
	})

	exit := reg.Dispatch(context.Background(), "/ping pong   again", "alice", b, terminal)
	_ = readOutput()

	if !called {
		t.Error("handler was not called")
	}
	if exit {
		t.Error("expected exit=false")
	}
}

func TestRegistryDispatchUnknown(t *testing.T) {
	b := testBucket(t)
	out, exit := run(t, NewCommandRegistry(), b, "/nope")

	if exit {
		t.Error("expected exit=false for unknown command")
	}
	if !strings.Contains(out, "Unknown command: /nope") {
		t.Errorf("expected unknown command message, got: %q", out)
	}
}

func TestRegistryDispatchExit(t *testing.T) {
	b := testBucket(t)
	reg := NewCommandRegistry()
	reg.Register("/exit", Command{
		Help:    "exit",
		Handler: func(_ CommandContext) bool { return true },
	})

	if _, exit := run(t, reg, b, "/exit"); !exit {
		t.Error("expected exit=true")
	}
}

func TestRegistryHelpText(t *testing.T) {
	help := builtins().HelpText()

	if !strings.Contains(help, "Commands:") {
		t.Error("help should start with 'Commands:'")
	}

	for _, cmd := range []string{"/get <key>", "/set <key> <value>", "/del", "/commit", "/update", "/ls", "/quit", "/help"} {
		if !strings.Contains(help, cmd) {
			t.Errorf("help should contain %q", cmd)
		}
	}

	// /help should be last
	lines := strings.Split(strings.TrimSpace(help), "\n")
	lastLine := lines[len(lines)-1]
	if !strings.Contains(lastLine, "/help") {
		t.Errorf("last line should be /help, got: %q", lastLine)
	}
}

func TestRegistryHelpDynamic(t *testing.T) {
	reg := builtins()
	reg.Register("/custom", Command{Help: "a custom command", Handler: func(_ CommandContext) bool { return false }})

	help := reg.HelpText()
	if !strings.Contains(help, "/custom") {
		t.Error("help should include dynamically registered /custom")
	}
	if !strings.Contains(help, "a custom command") {
		t.Error("help should include custom command description")
	}
}

func TestBuiltins(t *testing.T) {
	tests := []struct {
		name     string
		setup    []string
		cmd      string
		wantOut  []string
		wantExit bool
		wantOK   bool
	}{
		{"get_usage", nil, "/get", []string{"Usage: /get <key>"}, false, false},
		{"get_unset", nil, "/get a/b", []string{"a/b is not set"}, false, false},
		{"get_invalid", nil, "/get a//b", []string{"error:", "invalid key"}, false, false},
		{"set_usage", nil, "/set a", []string{"Usage: /set <key> <value>"}, false, false},
		{"set", nil, "/set a/b hello", []string{"staged a/b"}, false, true},
		{"set_then_get", []string{"/set a hello  world"}, "/get a", []string{"hello  world"}, false, true},
		{"del", []string{"/set a 1"}, "/del a", []string{"staged delete of a"}, false, true},
		{"del_then_get", []string{"/set a 1", "/del a"}, "/get a", []string{"a is not set"}, false, false},
		{"staged_empty", nil, "/staged", []string{"Nothing staged."}, false, true},
		{"staged", []string{"/set b 1", "/set a 2"}, "/staged", []string{"  a", "  b"}, false, true},
		{"discard", []string{"/set a 1", "/set b 2"}, "/discard", []string{"discarded 2 staged change(s)"}, false, true},
		{"commit_nothing", nil, "/commit", []string{"Nothing to commit."}, false, true},
		{"commit", []string{"/set a 1"}, "/commit first", []string{"committed"}, false, true},
		{"ls", []string{"/set x/a 1", "/set x/b 2", "/set y 3"}, "/ls x", []string{"Keys (2):", "x/a", "x/b"}, false, true},
		{"update_unbound", nil, "/update", []string{"at (none)"}, false, true},
		{"head", nil, "/head", []string{"branch main at (none), remote (none)"}, false, true},
		{"quit", nil, "/quit", []string{"Goodbye"}, true, true},
		{"help", nil, "/help", []string{"Commands:", "/get"}, false, true},
		{"set_invalid", nil, "/set /bad x", []string{"error:", "invalid key"}, false, false},
		{"commit_path_conflict", []string{"/set a/b 1", "/commit", "/set a 2"}, "/commit", []string{"error:", "conflicts"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBucket(t)
			reg := builtins()
			run(t, reg, b, tt.setup...)

			terminal, readOutput := mockTerminal(t)
			exit, ok := reg.Execute(context.Background(), tt.cmd, "tester", b, terminal)
			out := readOutput()

			if exit != tt.wantExit {
				t.Errorf("exit: got %v, want %v", exit, tt.wantExit)
			}
			if ok != tt.wantOK {
				t.Errorf("ok: got %v, want %v", ok, tt.wantOK)
			}
			for _, want := range tt.wantOut {
				if !strings.Contains(out, want) {
					t.Errorf("expected %q in output, got: %q", want, out)
				}
			}
		})
	}
}

func TestBuiltinCommitSignsWithUser(t *testing.T) {
	b := testBucket(t)
	reg := builtins()

	run(t, reg, b, "/set k v", "/commit hello there")

	if len(b.Staged()) != 0 {
		t.Fatalf("staged after commit: %v", b.Staged())
	}
	c, err := b.Repo().ReadCommit(b.Head())
	if err != nil {
		t.Fatalf("reading commit: %v", err)
	}
	if c.Message != "hello there" {
		t.Errorf("message: got %q", c.Message)
	}
	if c.Author.Name != "tester" || c.Author.Email != "tester@ssh" {
		t.Errorf("author: got %+v", c.Author)
	}
}

func TestBuiltinCommitConflict(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	mine, err := kv.Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	other, err := kv.Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.CommitKey(ctx, "k", []byte("theirs")); err != nil {
		t.Fatal(err)
	}

	reg := builtins()
	run(t, reg, mine, "/set k mine")
	terminal, readOutput := mockTerminal(t)
	_, ok := reg.Execute(ctx, "/commit", "tester", mine, terminal)
	out := readOutput()
	if ok {
		t.Error("a conflicting commit should report failure")
	}
	if !strings.Contains(out, "conflict: local branch moved to") {
		t.Errorf("expected conflict report, got: %q", out)
	}
	if !strings.Contains(out, "dropped: k") {
		t.Errorf("expected dropped key report, got: %q", out)
	}
	if mine.Head() != other.Head() {
		t.Errorf("bucket not moved onto winner: %s vs %s", mine.Head().Short(), other.Head().Short())
	}
}

func TestExecuteReportsFailure(t *testing.T) {
	b := testBucket(t)
	reg := NewCommandRegistry()
	reg.Register("/boom", Command{Handler: func(ctx CommandContext) bool {
		return ctx.Fail(fmt.Errorf("went wrong"))
	}})
	reg.Register("/fine", Command{Handler: func(CommandContext) bool { return false }})

	for _, tc := range []struct {
		line string
		ok   bool
	}{
		{"/boom", false},
		{"/fine", true},
		{"/missing", false},
		{"   ", true},
	} {
		terminal, readOutput := mockTerminal(t)
		exit, ok := reg.Execute(context.Background(), tc.line, "tester", b, terminal)
		out := readOutput()
		if exit {
			t.Errorf("%q: unexpected exit", tc.line)
		}
		if ok != tc.ok {
			t.Errorf("%q: ok got %v, want %v (output %q)", tc.line, ok, tc.ok, out)
		}
	}
}

func TestRegisterNilHandlerPanics(t *testing.T) {
	reg := NewCommandRegistry()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for nil handler")
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "/boom") {
			t.Errorf("unexpected panic value: %v", r)
		}
	}()
	reg.Register("/boom", Command{Help: "should panic"})
}

func TestRegistryOverwrite(t *testing.T) {
	reg := NewCommandRegistry()
	var called int
	reg.Register("/test", Command{Help: "v1", Handler: func(_ CommandContext) bool { called = 1; return false }})
	reg.Register("/test", Command{Help: "v2", Handler: func(_ CommandContext) bool { called = 2; return false }})

	run(t, reg, testBucket(t), "/test")

	if called != 2 {
		t.Errorf("expected overwritten handler (2), got %d", called)
	}

	// Should not duplicate in order
	help := reg.HelpText()
	if strings.Count(help, "/test") != 1 {
		t.Errorf("/test should appear once in help, got:\n%s", help)
	}
}

func TestRegistryFreeze(t *testing.T) {
	reg := NewCommandRegistry()
	reg.Register("/before", Command{Help: "registered before freeze", Handler: func(_ CommandContext) bool { return false }})

	reg.Freeze()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic when registering on frozen registry")
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "frozen") {
			t.Errorf("unexpected panic value: %v", r)
		}
	}()
	reg.Register("/after", Command{Help: "should panic", Handler: func(_ CommandContext) bool { return false }})
}

func TestRegistryConcurrentDispatch(t *testing.T) {
	reg := NewCommandRegistry()
	var counter int
	var mu sync.Mutex
	reg.Register("/count", Command{
		Help: "increment counter",
		Handler: func(_ CommandContext) bool {
			mu.Lock()
			counter++
			mu.Unlock()
			return false
		},
	})

	const goroutines = 100
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			terminal, readOutput := mockTerminal(t)
			reg.Dispatch(context.Background(), "/count", fmt.Sprintf("user%d", id), nil, terminal)
			_ = readOutput()
		}(i)
	}

	wg.Wait()

	if counter != goroutines {
		t.Errorf("expected counter=%d, got %d", goroutines, counter)
	}
}
