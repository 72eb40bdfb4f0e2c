package testutil

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// Fake binaries are the test binary itself, re-executed through a small
// shell wrapper with ModeEnv set. Packages that use them call RunMain from
// their TestMain so the re-executed binary runs the fake instead of tests.

// ModeEnv selects the fake behaviour in a re-executed test binary.
const ModeEnv = "COMPAT_FAKE_MODE"

// Fake modes.
const (
	ModeCLI    = "cli"
	ModeServer = "server"
	ModeSleep  = "sleep"
	ModeEcho   = "echo"
)

// Variant knobs, passed to fakes through the environment.
const (
	EnvScoreShift       = "FAKE_SCORE_SHIFT"
	EnvExtraField       = "FAKE_EXTRA_FIELD"
	EnvReverseOrder     = "FAKE_REVERSE_ORDER"
	EnvNondeterministic = "FAKE_NONDETERMINISTIC"
	EnvServerFault      = "FAKE_SERVER_FAULT"
	EnvExitCode         = "FAKE_EXIT_CODE"
)

// RunMain is a TestMain body. It runs a fake when ModeEnv is set and the
// package's tests otherwise.
func RunMain(m *testing.M) {
	if mode := os.Getenv(ModeEnv); mode != "" {
		os.Exit(runFake(mode, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

// FakeBinary writes an executable wrapper named name into a temp dir and
// returns its path. Running it runs the fake in the given mode with env
// exported.
func FakeBinary(t testing.TB, name, mode string, env map[string]string) string {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}

	script := "#!/bin/sh\n"
	script += fmt.Sprintf("%s=%s\nexport %s\n", ModeEnv, shellQuote(mode), ModeEnv)
	for _, k := range sortedKeys(env) {
		script += fmt.Sprintf("%s=%s\nexport %s\n", k, shellQuote(env[k]), k)
	}
	script += fmt.Sprintf("exec %s \"$@\"\n", shellQuote(exe))

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func shellQuote(s string) string {
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += `'\''`
			continue
		}
		out += string(r)
	}
	return out + "'"
}

func variantFromEnv() Variant {
	v := Variant{
		ExtraField:       os.Getenv(EnvExtraField) == "1",
		ReverseOrder:     os.Getenv(EnvReverseOrder) == "1",
		Nondeterministic: os.Getenv(EnvNondeterministic) == "1",
	}
	if s := os.Getenv(EnvScoreShift); s != "" {
		v.ScoreShift, _ = strconv.ParseFloat(s, 64)
	}
	return v
}

func runFake(mode string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	switch mode {
	case ModeCLI:
		return fakeCLI(args, stdout, stderr)
	case ModeServer:
		return fakeServer(stdin, stdout, stderr, os.Getenv(EnvServerFault))
	case ModeSleep:
		time.Sleep(time.Minute)
		return 0
	case ModeEcho:
		return fakeEcho(args, stdin, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown fake mode %q\n", mode)
		return 2
	}
}

// fakeEcho prints its args one per line, copies stdin to stderr and exits
// with FAKE_EXIT_CODE.
func fakeEcho(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	for _, a := range args {
		fmt.Fprintln(stdout, a)
	}
	if wd, err := os.Getwd(); err == nil && os.Getenv("FAKE_PRINT_WD") == "1" {
		fmt.Fprintln(stdout, wd)
	}
	if name := os.Getenv("FAKE_PRINT_ENV"); name != "" {
		fmt.Fprintf(stdout, "%s=%s\n", name, os.Getenv(name))
	}
	_, _ = io.Copy(stderr, stdin)
	code, _ := strconv.Atoi(os.Getenv(EnvExitCode))
	return code
}

func fakeCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: context <build|resolve|inspect> [flags]")
		return fakeExitUsage
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	sources := fs.String("sources", "", "")
	cache := fs.String("cache", "", "")
	force := fs.Bool("force", false, "")
	query := fs.String("query", "", "")
	budget := fs.String("budget", "", "")
	if err := fs.Parse(args[1:]); err != nil {
		return fakeExitUsage
	}

	var (
		out []byte
		err error
	)
	switch args[0] {
	case "build":
		err = FakeBuild(*sources, *cache, *force)
		if err == nil {
			out = []byte(`{"status":"ok"}`)
		}
	case "resolve":
		out, err = FakeResolve(*cache, *query, *budget, variantFromEnv())
	case "inspect":
		out, err = FakeInspect(*cache)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		return fakeExitUsage
	}

	if err != nil {
		var ee *engineError
		if !errors.As(err, &ee) {
			ee = &engineError{code: 7, msg: err.Error()}
		}
		fmt.Fprintf(stderr, "error: %s\n", ee.msg)
		stdout.Write(errorEnvelope(ee.code, ee.msg))
		fmt.Fprintln(stdout)
		return ee.code
	}
	stdout.Write(out)
	fmt.Fprintln(stdout)
	return fakeExitOK
}
