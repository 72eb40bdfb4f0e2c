package target

import (
	"context"
	"strconv"
	"time"

	"github.com/roach88/context-compat/internal/proc"
)

// CLI drives the context command-line binary. Every method builds a fresh
// invocation; a CLI value holds no per-run state.
type CLI struct {
	Binary  string
	Env     map[string]string
	Timeout time.Duration

	// Dir is the working directory for every invocation.
	Dir string
}

// InDir returns a copy of c that runs from dir.
func (c CLI) InDir(dir string) CLI {
	c.Dir = dir
	return c
}

// Run executes the binary with raw arguments.
func (c CLI) Run(ctx context.Context, args ...string) (*proc.Result, error) {
	return proc.Run(ctx, c.Invocation(args...))
}

// Invocation describes running the binary with args.
func (c CLI) Invocation(args ...string) proc.Invocation {
	return proc.Invocation{
		Binary:  c.Binary,
		Args:    args,
		Env:     c.Env,
		Dir:     c.Dir,
		Timeout: c.Timeout,
	}
}

// BuildArgs is the argument list of a build.
func BuildArgs(sources, cache string, force bool) []string {
	args := []string{"build", "--sources", sources, "--cache", cache}
	if force {
		args = append(args, "--force")
	}
	return args
}

// ResolveArgs is the argument list of a resolve. budget is passed verbatim.
func ResolveArgs(cache, query, budget string) []string {
	return []string{"resolve", "--cache", cache, "--query", query, "--budget", budget}
}

// InspectArgs is the argument list of an inspect.
func InspectArgs(cache string) []string {
	return []string{"inspect", "--cache", cache}
}

// Build builds a cache from a document directory.
func (c CLI) Build(ctx context.Context, sources, cache string, force bool) (*proc.Result, error) {
	return c.Run(ctx, BuildArgs(sources, cache, force)...)
}

// Resolve selects documents for query within budget.
func (c CLI) Resolve(ctx context.Context, cache, query string, budget int64) (*proc.Result, error) {
	return c.ResolveRaw(ctx, cache, query, strconv.FormatInt(budget, 10))
}

// ResolveRaw passes the budget argument through untouched so invalid
// budgets reach the binary.
func (c CLI) ResolveRaw(ctx context.Context, cache, query, budgetArg string) (*proc.Result, error) {
	return c.Run(ctx, ResolveArgs(cache, query, budgetArg)...)
}

// Inspect reports cache metadata.
func (c CLI) Inspect(ctx context.Context, cache string) (*proc.Result, error) {
	return c.Run(ctx, InspectArgs(cache)...)
}

// ExitOf returns the exit status of a completed result.
func ExitOf(res *proc.Result) ExitCode {
	return ExitCode(res.ExitCode)
}
