package suites

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/context-compat/internal/canon"
	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/crossver"
	"github.com/roach88/context-compat/internal/harness"
	"github.com/roach88/context-compat/internal/proc"
	"github.com/roach88/context-compat/internal/schema"
	"github.com/roach88/context-compat/internal/target"
)

// inspectFields are the inspect fields two builds of the same sources must
// agree on. created_at is deliberately absent.
var inspectFields = []string{"cache_version", "document_count", "valid"}

// caseInput is the resolved input of one CLI case. It is prepared once per
// case so repeated runs see identical arguments.
type caseInput struct {
	spec    CaseSpec
	cache   string
	text    string
	budget  string
	sources string
}

func prepare(env *harness.Env, c CaseSpec) (*caseInput, error) {
	in := &caseInput{spec: c}

	if c.Documents != "" {
		in.sources = env.Fixtures.DocumentsPath(c.Documents)
	}
	switch {
	case c.CacheState != "":
		cache, err := synthesizeCache(env, c.CacheState)
		if err != nil {
			return nil, err
		}
		in.cache = cache
	case c.Cache != "":
		in.cache = env.Fixtures.CachePath(c.Cache)
	}

	if c.Query != "" {
		q, err := env.Fixtures.Query(c.Query)
		if err != nil {
			return nil, err
		}
		in.text, in.budget = q.Query, q.BudgetArg()
	}
	if c.Text != nil {
		in.text = *c.Text
	}
	if c.Budget != nil {
		in.budget = *c.Budget
	}
	return in, nil
}

// args returns the command line of one run. Builds get a fresh cache
// directory every time.
func (in *caseInput) args(env *harness.Env) ([]string, error) {
	switch in.spec.Command {
	case CommandInspect:
		return target.InspectArgs(in.cache), nil
	case CommandBuild:
		dir, err := env.TempDir()
		if err != nil {
			return nil, err
		}
		return target.BuildArgs(in.sources, filepath.Join(dir, "cache"), false), nil
	default:
		return target.ResolveArgs(in.cache, in.text, in.budget), nil
	}
}

// synthesizeCache creates a broken cache in a case temp dir.
func synthesizeCache(env *harness.Env, state string) (string, error) {
	dir, err := env.TempDir()
	if err != nil {
		return "", err
	}
	cache := filepath.Join(dir, state)

	switch state {
	case StateMissing:
		return cache, nil
	case StateNoManifest:
		return cache, os.Mkdir(cache, 0o755)
	case StateCorrupt:
		if err := os.Mkdir(cache, 0o755); err != nil {
			return "", err
		}
		return cache, os.WriteFile(filepath.Join(cache, "manifest.json"), []byte("not valid json"), 0o644)
	case StateUnreadable:
		if os.Geteuid() == 0 {
			return "", harness.Skip("running as root: file permissions are not enforced")
		}
		if err := os.Mkdir(cache, 0o755); err != nil {
			return "", err
		}
		manifest := filepath.Join(cache, "manifest.json")
		if err := os.WriteFile(manifest, []byte("{}"), 0o644); err != nil {
			return "", err
		}
		return cache, os.Chmod(manifest, 0o000)
	default:
		return "", fmt.Errorf("unknown cache state %q", state)
	}
}

func allowedExits(c CaseSpec) []target.ExitCode {
	var names []string
	if c.ExitCode != "" {
		names = append(names, c.ExitCode)
	}
	names = append(names, c.ExitCodes...)
	if len(names) == 0 {
		return []target.ExitCode{target.ExitSuccess}
	}
	codes := make([]target.ExitCode, 0, len(names))
	for _, n := range names {
		// Names were checked when the manifest was loaded.
		code, _ := target.ParseExitCode(n)
		codes = append(codes, code)
	}
	return codes
}

func checkExit(res *proc.Result, allowed ...target.ExitCode) error {
	got := target.ExitOf(res)
	names := make([]string, len(allowed))
	for i, code := range allowed {
		if code == got {
			return nil
		}
		names[i] = fmt.Sprintf("%d (%s)", int(code), code)
	}
	return &harness.AssertionError{
		Check:    "exit code",
		Expected: strings.Join(names, " or "),
		Actual:   fmt.Sprintf("%d (%s)", res.ExitCode, got),
		Context:  "stderr: " + res.StderrString(),
	}
}

// runOnce executes the case once with cli and checks the exit status.
func runOnce(ctx context.Context, env *harness.Env, in *caseInput, cli target.CLI) (*proc.Result, error) {
	args, err := in.args(env)
	if err != nil {
		return nil, err
	}
	res, err := cli.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if err := checkExit(res, allowedExits(in.spec)...); err != nil {
		return nil, err
	}
	return res, nil
}

func validateOutput(env *harness.Env, kind string, doc []byte) error {
	version := string(env.Fixtures.Version)
	if kind == "auto" {
		_, err := env.Validator.Classify(doc, version)
		return err
	}
	return env.Validator.Validate(doc, schema.Key{Version: version, Kind: schema.Kind(kind)})
}

func policyFor(env *harness.Env, name string) compare.Policy {
	if name == "" {
		return env.Policy
	}
	return compare.Policy{Mode: compare.Mode(name), Tolerance: tolerance(env)}
}

// tolerance is the run's configured tolerance. A zero tolerance under a
// tolerant run policy was asked for and is kept; an exact run policy
// carries none, so tolerant cases fall back to the default.
func tolerance(env *harness.Env) compare.Tolerance {
	if env.Policy.Mode == compare.ModeExact && env.Policy.Tolerance == (compare.Tolerance{}) {
		return compare.DefaultTolerance()
	}
	return env.Policy.Tolerance
}

// compareExpected judges output against a golden file after text
// canonicalization. Tolerated numeric drift is recorded, not failed.
func compareExpected(env *harness.Env, name, policy string, output []byte) error {
	expected, err := env.Fixtures.Expected(name)
	if err != nil {
		return err
	}
	p := policyFor(env, policy)
	actual, want := compare.CanonicalizeText(output), compare.CanonicalizeText(expected)

	report, err := compare.Diff(actual, want, p)
	if err != nil {
		return err
	}
	env.Inform(report.Informational()...)
	if !report.HasBreaking() {
		return nil
	}
	mismatch := &compare.MismatchError{Mode: p.Mode, Report: report}
	if p.Mode == compare.ModeExact && canon.Equivalent(actual, want) {
		return fmt.Errorf("%w (formatting only: outputs are equal after canonicalization)", mismatch)
	}
	return mismatch
}

func cliCase(c CaseSpec) harness.Case {
	hc := harness.Case{Name: c.Name}
	switch c.Type {
	case TypeDeterminism:
		hc.Run = func(ctx context.Context, env *harness.Env) error { return runDeterminism(ctx, env, c) }
	case TypeWorkdir:
		hc.Run = func(ctx context.Context, env *harness.Env) error { return runWorkdir(ctx, env, c) }
	case TypeBuildDeterminism:
		hc.Run = func(ctx context.Context, env *harness.Env) error { return runBuildDeterminism(ctx, env, c) }
	case TypeCrossVersion:
		hc.Requires = []harness.Target{harness.TargetPrevious}
		hc.Run = func(ctx context.Context, env *harness.Env) error { return runCrossVersion(ctx, env, c) }
	default:
		hc.Run = func(ctx context.Context, env *harness.Env) error { return runChecked(ctx, env, c) }
	}
	return hc
}

func runDeterminism(ctx context.Context, env *harness.Env, c CaseSpec) error {
	in, err := prepare(env, c)
	if err != nil {
		return err
	}
	first, err := runOnce(ctx, env, in, env.CLI())
	if err != nil {
		return err
	}
	second, err := runOnce(ctx, env, in, env.CLI())
	if err != nil {
		return err
	}
	return compare.Compare(second.Stdout, first.Stdout, compare.Exact())
}

func runWorkdir(ctx context.Context, env *harness.Env, c CaseSpec) error {
	in, err := prepare(env, c)
	if err != nil {
		return err
	}
	var outputs [2][]byte
	for i := range outputs {
		dir, err := env.TempDir()
		if err != nil {
			return err
		}
		res, err := runOnce(ctx, env, in, env.CLI().InDir(dir))
		if err != nil {
			return err
		}
		outputs[i] = res.Stdout
	}
	return compare.Compare(outputs[1], outputs[0], compare.Exact())
}

// runChecked covers golden, schema, exit_code and assert cases: one run,
// then every check the case declares.
func runChecked(ctx context.Context, env *harness.Env, c CaseSpec) error {
	in, err := prepare(env, c)
	if err != nil {
		return err
	}
	res, err := runOnce(ctx, env, in, env.CLI())
	if err != nil {
		return err
	}

	if c.Kind != "" {
		if len(bytes.TrimSpace(res.Stdout)) == 0 {
			return &harness.AssertionError{Check: "output", Expected: "a " + c.Kind + " document", Actual: "empty stdout"}
		}
		if err := validateOutput(env, c.Kind, res.Stdout); err != nil {
			return err
		}
	}
	if c.Expected != "" {
		if err := compareExpected(env, c.Expected, c.Policy, res.Stdout); err != nil {
			return err
		}
	}
	return checkAssertions(env, res.Stdout, c.Assert)
}

func runBuildDeterminism(ctx context.Context, env *harness.Env, c CaseSpec) error {
	sources := env.Fixtures.DocumentsPath(c.Documents)

	var caches [2]string
	for i := range caches {
		wd, err := env.TempDir()
		if err != nil {
			return err
		}
		out, err := env.TempDir()
		if err != nil {
			return err
		}
		caches[i] = filepath.Join(out, "cache")
		res, err := env.CLI().InDir(wd).Build(ctx, sources, caches[i], false)
		if err != nil {
			return err
		}
		if err := checkExit(res, target.ExitSuccess); err != nil {
			return fmt.Errorf("build %d: %w", i+1, err)
		}
	}

	if err := compareManifests(caches[0], caches[1], c.Ignore); err != nil {
		return err
	}
	if err := compareCacheFiles(caches[0], caches[1]); err != nil {
		return err
	}

	text, budget := "hello", "4000"
	if c.Query != "" {
		q, err := env.Fixtures.Query(c.Query)
		if err != nil {
			return err
		}
		text, budget = q.Query, q.BudgetArg()
	}

	var inspects, resolves [2][]byte
	for i, cache := range caches {
		res, err := env.CLI().Inspect(ctx, cache)
		if err != nil {
			return err
		}
		if err := checkExit(res, target.ExitSuccess); err != nil {
			return err
		}
		if err := validateOutput(env, string(schema.KindInspectOutput), res.Stdout); err != nil {
			return err
		}
		if inspects[i], err = pick(res.Stdout, inspectFields); err != nil {
			return err
		}

		res, err = env.CLI().ResolveRaw(ctx, cache, text, budget)
		if err != nil {
			return err
		}
		if err := checkExit(res, target.ExitSuccess); err != nil {
			return err
		}
		if err := validateOutput(env, string(schema.KindSelectionResult), res.Stdout); err != nil {
			return err
		}
		resolves[i] = res.Stdout
	}

	if err := compare.Compare(inspects[1], inspects[0], compare.Tolerant()); err != nil {
		return err
	}
	return compare.Compare(resolves[1], resolves[0], compare.Exact())
}

// compareManifests compares two manifest.json files with ignored keys
// removed.
func compareManifests(a, b string, ignore []string) error {
	var docs [2][]byte
	for i, dir := range []string{a, b} {
		data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		if docs[i], err = omit(data, ignore); err != nil {
			return fmt.Errorf("manifest %s: %w", dir, err)
		}
	}
	return compare.Compare(docs[1], docs[0], compare.Tolerant())
}

// compareCacheFiles requires every file other than the manifest to be
// byte-identical between two caches.
func compareCacheFiles(a, b string) error {
	filesA, err := cacheFiles(a)
	if err != nil {
		return err
	}
	filesB, err := cacheFiles(b)
	if err != nil {
		return err
	}
	if strings.Join(filesA, "\n") != strings.Join(filesB, "\n") {
		return &harness.AssertionError{
			Check:    "cache file list",
			Expected: strings.Join(filesA, ", "),
			Actual:   strings.Join(filesB, ", "),
		}
	}
	for _, rel := range filesA {
		da, err := os.ReadFile(filepath.Join(a, rel))
		if err != nil {
			return err
		}
		db, err := os.ReadFile(filepath.Join(b, rel))
		if err != nil {
			return err
		}
		if !bytes.Equal(da, db) {
			return &harness.AssertionError{
				Check:    "cache file " + filepath.ToSlash(rel),
				Expected: "identical bytes in both builds",
				Actual:   "contents differ",
			}
		}
	}
	return nil
}

func cacheFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel != "manifest.json" {
			files = append(files, rel)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// pick keeps only fields of a JSON object, canonically encoded.
func pick(doc []byte, fields []string) ([]byte, error) {
	obj, err := decodeObject(doc)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := obj[f]; ok {
			out[f] = v
		}
	}
	return canon.Marshal(out)
}

// omit drops keys from a JSON object, canonically encoded.
func omit(doc []byte, keys []string) ([]byte, error) {
	obj, err := decodeObject(doc)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		delete(obj, k)
	}
	return canon.Marshal(obj)
}

func decodeObject(doc []byte) (map[string]any, error) {
	v, err := compare.Decode(doc)
	if err != nil {
		return nil, &compare.ParseError{Side: "actual", Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &harness.AssertionError{Check: "output", Expected: "a JSON object", Actual: compare.TypeName(v)}
	}
	return obj, nil
}

func runCrossVersion(ctx context.Context, env *harness.Env, c CaseSpec) error {
	d := crossver.NewDiffer()
	d.Tolerance = tolerance(env)
	d.Fields = c.Fields

	var report *compare.Report
	if c.Command == CommandBuild {
		if len(d.Fields) == 0 {
			d.Fields = inspectFields
		}
		var err error
		if report, err = crossBuild(ctx, env, d, c); err != nil {
			return err
		}
	} else {
		in, err := prepare(env, c)
		if err != nil {
			return err
		}
		args, err := in.args(env)
		if err != nil {
			return err
		}
		report, err = d.RunPair(ctx, env.PreviousCLI().Invocation(args...), env.CLI().Invocation(args...))
		if err != nil {
			return err
		}
	}

	env.Inform(report.Informational()...)
	return crossver.Check(report, c.AllowBreaking)
}

// crossBuild builds the same sources with both releases and diffs the
// inspect output of the two caches.
func crossBuild(ctx context.Context, env *harness.Env, d *crossver.Differ, c CaseSpec) (*compare.Report, error) {
	sources := env.Fixtures.DocumentsPath(c.Documents)
	clis := []target.CLI{env.PreviousCLI(), env.CLI()}
	caches := make([]string, len(clis))
	for i, cli := range clis {
		dir, err := env.TempDir()
		if err != nil {
			return nil, err
		}
		caches[i] = filepath.Join(dir, "cache")
		res, err := cli.Build(ctx, sources, caches[i], false)
		if err != nil {
			return nil, err
		}
		if err := checkExit(res, target.ExitSuccess); err != nil {
			return nil, fmt.Errorf("%s build: %w", []string{"previous", "current"}[i], err)
		}
	}
	return d.RunPair(ctx,
		clis[0].Invocation(target.InspectArgs(caches[0])...),
		clis[1].Invocation(target.InspectArgs(caches[1])...))
}
