package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/fixture"
	"github.com/roach88/context-compat/internal/log"
	"github.com/roach88/context-compat/internal/proc"
	"github.com/roach88/context-compat/internal/rpc"
	"github.com/roach88/context-compat/internal/schema"
	"github.com/roach88/context-compat/internal/target"
)

// Case is one named check.
type Case struct {
	Name string

	// Requires lists targets this case needs beyond its group's.
	Requires []Target

	Run func(ctx context.Context, env *Env) error
}

// Group is a sequence of cases run in order on one worker. Setup runs once
// before the first case; state it creates lives on the Env.
type Group struct {
	Name     string
	Requires []Target
	Setup    func(ctx context.Context, env *Env) error
	Cases    []Case
}

// Env is what a case sees. One Env is created per group.
type Env struct {
	Targets     Targets
	Fixtures    *fixture.Set
	Validator   *schema.Validator
	Policy      compare.Policy
	Timeout     time.Duration
	CallTimeout time.Duration
	Logger      *log.Logger

	tempRoot string
	mcp      *target.MCP
	closers  []func() error
	informed []compare.Entry
}

// CLI returns the current command-line target.
func (e *Env) CLI() target.CLI {
	return target.CLI{Binary: e.Targets.CLI, Timeout: e.Timeout}
}

// PreviousCLI returns the previous-release command-line target.
func (e *Env) PreviousCLI() target.CLI {
	return target.CLI{Binary: e.Targets.Previous, Timeout: e.Timeout}
}

// TempDir creates a fresh directory that is removed after the group.
func (e *Env) TempDir() (string, error) {
	if e.tempRoot == "" {
		root, err := os.MkdirTemp("", "compat-")
		if err != nil {
			return "", err
		}
		e.tempRoot = root
	}
	return os.MkdirTemp(e.tempRoot, "case-")
}

// OnClose registers fn to run after the last case of the group.
func (e *Env) OnClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

// Inform records differences that do not fail the current case.
func (e *Env) Inform(entries ...compare.Entry) {
	for _, entry := range entries {
		e.informed = append(e.informed, entry)
		e.Logger.Info("informational difference", map[string]any{
			"path":   entry.Path,
			"kind":   string(entry.Kind),
			"detail": entry.Detail,
		})
	}
}

// StartMCP spawns the server against the fixture caches. The session is
// shared by later cases and closed after the group.
func (e *Env) StartMCP(ctx context.Context) (*target.MCP, error) {
	if e.mcp != nil {
		return e.mcp, nil
	}
	cfg := target.MCPConfig{
		Binary:      e.Targets.Server,
		CallTimeout: e.CallTimeout,
		Logger:      e.Logger,
	}
	if e.Fixtures != nil {
		cfg.CacheRoot = e.Fixtures.CachesRoot()
	}
	m, err := target.StartMCP(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.mcp = m
	e.OnClose(m.Close)
	return m, nil
}

// MCP returns the session started by StartMCP, or nil.
func (e *Env) MCP() *target.MCP {
	return e.mcp
}

func (e *Env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.Logger.Debug("group cleanup failed", map[string]any{"error": err.Error()})
		}
	}
	e.closers = nil
	if e.tempRoot != "" {
		_ = os.RemoveAll(e.tempRoot)
	}
}

// Options configures a suite run.
type Options struct {
	// Parallelism bounds how many groups run at once. Zero means NumCPU.
	Parallelism int

	Targets   Targets
	Fixtures  *fixture.Set
	Validator *schema.Validator
	Policy    compare.Policy

	// Timeout bounds each process; CallTimeout each protocol round trip.
	Timeout     time.Duration
	CallTimeout time.Duration

	Logger *log.Logger

	// Now and NewRunID are injectable for deterministic reports.
	Now      func() time.Time
	NewRunID func() string

	// Filter selects cases by group and case name. Nil runs everything.
	Filter func(group, name string) bool
}

func (o *Options) defaults() {
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.NumCPU()
	}
	if o.Timeout <= 0 {
		o.Timeout = proc.DefaultTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = rpc.DefaultCallTimeout
	}
	if o.Policy.Mode == "" {
		o.Policy = compare.Tolerant()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewRunID == nil {
		o.NewRunID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
}

// Run executes groups and returns the aggregated report. It never stops
// early on failure; cancelling ctx makes remaining cases fail fast.
func Run(ctx context.Context, groups []Group, opts Options) *SuiteReport {
	opts.defaults()

	report := &SuiteReport{
		RunID:     opts.NewRunID(),
		StartedAt: opts.Now(),
		Targets:   opts.Targets,
	}
	if opts.Fixtures != nil {
		report.ContractVersion = string(opts.Fixtures.Version)
	}

	selected := filterGroups(groups, opts.Filter)
	results := make([][]Outcome, len(selected))

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := opts.Parallelism
	if workers > len(selected) {
		workers = len(selected)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = runGroup(ctx, selected[i], opts)
			}
		}()
	}
	for i := range selected {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, outs := range results {
		report.Outcomes = append(report.Outcomes, outs...)
	}
	report.tally()
	report.Duration = opts.Now().Sub(report.StartedAt)

	opts.Logger.Info("suite finished", map[string]any{
		"passed":  report.Passed,
		"failed":  report.Failed,
		"skipped": report.Skipped,
		"total":   report.Total,
	})
	return report
}

func filterGroups(groups []Group, filter func(group, name string) bool) []Group {
	if filter == nil {
		return groups
	}
	var out []Group
	for _, g := range groups {
		var cases []Case
		for _, c := range g.Cases {
			if filter(g.Name, c.Name) {
				cases = append(cases, c)
			}
		}
		if len(cases) > 0 {
			g.Cases = cases
			out = append(out, g)
		}
	}
	return out
}

// missingTarget returns the first required target without a configured
// binary.
func missingTarget(targets Targets, required ...[]Target) (Target, bool) {
	for _, list := range required {
		for _, t := range list {
			if targets.Path(t) == "" {
				return t, true
			}
		}
	}
	return "", false
}

func notConfigured(t Target) Outcome {
	return Outcome{Status: StatusSkipped, Category: CategorySkip,
		Reason: "binary not configured: " + t.EnvVar()}
}

func runGroup(ctx context.Context, g Group, opts Options) []Outcome {
	outcomes := make([]Outcome, len(g.Cases))
	stamp := func(o Outcome, c Case) Outcome {
		o.Group, o.Case = g.Name, c.Name
		return o
	}

	if t, ok := missingTarget(opts.Targets, g.Requires); ok {
		for i, c := range g.Cases {
			outcomes[i] = stamp(notConfigured(t), c)
		}
		logOutcomes(opts.Logger, outcomes)
		return outcomes
	}

	env := &Env{
		Targets:     opts.Targets,
		Fixtures:    opts.Fixtures,
		Validator:   opts.Validator,
		Policy:      opts.Policy,
		Timeout:     opts.Timeout,
		CallTimeout: opts.CallTimeout,
		Logger:      opts.Logger.With(map[string]any{"group": g.Name}),
	}
	defer env.close()

	if g.Setup != nil {
		if err := protect(func() error { return g.Setup(ctx, env) }); err != nil {
			o := outcomeOf(err, opts.Targets)
			if o.Status == StatusFailed {
				o.Reason = "setup: " + o.Reason
			}
			for i, c := range g.Cases {
				outcomes[i] = stamp(o, c)
			}
			logOutcomes(opts.Logger, outcomes)
			return outcomes
		}
	}

	for i, c := range g.Cases {
		if t, ok := missingTarget(opts.Targets, c.Requires); ok {
			outcomes[i] = stamp(notConfigured(t), c)
			continue
		}

		env.informed = nil
		start := opts.Now()
		err := protect(func() error { return c.Run(ctx, env) })
		o := stamp(outcomeOf(err, opts.Targets), c)
		o.Duration = opts.Now().Sub(start)
		o.Informational = env.informed
		outcomes[i] = o

		if rpc.IsSessionFatal(err) {
			abortSession(outcomes, i, g, err)
			break
		}
	}

	logOutcomes(opts.Logger, outcomes)
	return outcomes
}

// abortSession fails every case of the group after a session-fatal error
// at index culprit. Cases that already passed are failed too: their
// results came from a session that turned out to be broken.
func abortSession(outcomes []Outcome, culprit int, g Group, cause error) {
	category := CategoryProtocolError
	if rpc.IsTimeout(cause) {
		category = CategoryTimeout
	}
	reason := fmt.Sprintf("session aborted by %s: %v", g.Cases[culprit].Name, cause)
	for i, c := range g.Cases {
		if i == culprit {
			continue
		}
		if outcomes[i].Status == StatusSkipped && i < culprit {
			continue
		}
		outcomes[i] = Outcome{
			Group:    g.Name,
			Case:     c.Name,
			Status:   StatusFailed,
			Category: category,
			Reason:   reason,
			Duration: outcomes[i].Duration,
		}
	}
}

// protect runs fn, turning a panic into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func logOutcomes(logger *log.Logger, outcomes []Outcome) {
	for _, o := range outcomes {
		fields := map[string]any{
			"group":    o.Group,
			"case":     o.Case,
			"status":   string(o.Status),
			"duration": o.Duration.String(),
		}
		switch o.Status {
		case StatusFailed:
			fields["category"] = string(o.Category)
			fields["reason"] = o.Reason
			logger.Warn("case failed", fields)
		case StatusSkipped:
			fields["reason"] = o.Reason
			logger.Debug("case skipped", fields)
		default:
			logger.Debug("case passed", fields)
		}
	}
}

// ErrSessionNotStarted is returned by cases that expect a shared session
// from their group's Setup.
var ErrSessionNotStarted = errors.New("protocol session not started")
