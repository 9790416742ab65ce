package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"treekv/internal/ssh"
	"treekv/internal/transport"
)

// registerConsoleCommands adds the commands that need more than the
// session's bucket.
func registerConsoleCommands(reg ssh.CommandRegistrar, srv *transport.Server) {
	reg.Register("/log", ssh.Command{
		Usage:   "/log [n]",
		Help:    "show the last n revisions (default 10)",
		Handler: handleLog,
	})

	if srv != nil {
		reg.Register("/node", ssh.Command{
			Help:    "show how remotes reach this node",
			Handler: handleNode(srv),
		})
	}
}

func handleLog(ctx ssh.CommandContext) bool {
	limit := 10
	if len(ctx.Args) > 0 {
		n, err := strconv.Atoi(ctx.Args[0])
		if err != nil || n < 0 {
			return ctx.Usage("/log [n]")
		}
		limit = n
	}
	var b strings.Builder
	if err := printHistory(&b, ctx.Bucket, limit, false); err != nil {
		return ctx.Fail(err)
	}
	if b.Len() == 0 {
		_, _ = fmt.Fprintln(ctx.Terminal, "No revisions yet.")
		return false
	}
	_, _ = fmt.Fprint(ctx.Terminal, b.String())
	return false
}

func handleNode(srv *transport.Server) func(ssh.CommandContext) bool {
	return func(ctx ssh.CommandContext) bool {
		r := ctx.Bucket.Repo()
		id, err := r.ID()
		if err != nil {
			return ctx.Fail(err)
		}
		refs, err := r.Refs()
		if err != nil {
			return ctx.Fail(err)
		}
		_, _ = fmt.Fprintf(ctx.Terminal, "remote url:    tcp://%s\r\n", srv.Addr())
		_, _ = fmt.Fprintf(ctx.Terminal, "transport key: %s\r\n", srv.PeerKey())
		_, _ = fmt.Fprintf(ctx.Terminal, "bucket id:     %s\r\n", id)
		names := make([]string, 0, len(refs))
		for name := range refs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, _ = fmt.Fprintf(ctx.Terminal, "branch %-8s %s\r\n", name, refs[name].Short())
		}
		return false
	}
}
