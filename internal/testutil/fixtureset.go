package testutil

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/roach88/context-compat/fixtures"
	"github.com/roach88/context-compat/internal/fixture"
)

// expectedOutputs lists the golden outputs a full v0 fixture tree carries,
// as produced by the fake engine.
var expectedOutputs = []struct {
	name    string
	command string
	cache   string
	query   string
}{
	{"minimal_basic", "resolve", "minimal", "basic"},
	{"minimal_zero_budget", "resolve", "minimal", "zero_budget"},
	{"realistic_basic", "resolve", "realistic", "basic"},
	{"realistic_multi_term", "resolve", "realistic", "multi_term"},
	{"inspect_minimal", "inspect", "minimal", ""},
	{"inspect_realistic", "inspect", "realistic", ""},
	{"tie_break_ordering", "resolve", "tie_break", "tie_break"},
	{"tie_break_zero_score", "resolve", "tie_break", "no_match"},
}

// NewFixtureRoot materializes a complete fixture tree in a temp dir: the
// shipped contract files plus caches and expected outputs generated by the
// fake engine, sealed with a checksums file. It returns the root that holds
// the version directories.
func NewFixtureRoot(t testing.TB) string {
	t.Helper()

	root := t.TempDir()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("build fixture tree: %v", err)
		}
	}

	must(fs.WalkDir(fixtures.FS, "v0", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		dst := filepath.Join(root, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		data, err := fixtures.FS.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o644)
	}))

	v0 := filepath.Join(root, "v0")
	caches := filepath.Join(v0, "caches")
	for _, name := range []string{"minimal", "realistic", "tie_break"} {
		must(FakeBuild(filepath.Join(v0, "documents", name), filepath.Join(caches, name), false))
	}

	// A cache written by a newer engine.
	must(FakeBuild(filepath.Join(v0, "documents", "minimal"), filepath.Join(caches, "future_version"), false))
	manifestPath := filepath.Join(caches, "future_version", "manifest.json")
	data, err := os.ReadFile(manifestPath)
	must(err)
	data = []byte(strings.Replace(string(data), `"cache_version": "v0"`, `"cache_version": "v99"`, 1))
	must(os.WriteFile(manifestPath, data, 0o644))

	expected := filepath.Join(v0, "expected")
	must(os.MkdirAll(expected, 0o755))
	for _, e := range expectedOutputs {
		var out []byte
		if e.command == "inspect" {
			out, err = FakeInspect(filepath.Join(caches, e.cache))
		} else {
			q := readQuery(t, filepath.Join(v0, "queries", e.query+".json"))
			out, err = FakeResolve(filepath.Join(caches, e.cache), q.Query, strconv.FormatInt(q.Budget, 10), Variant{})
		}
		must(err)
		must(os.WriteFile(filepath.Join(expected, e.name+".json"), append(out, '\n'), 0o644))
	}

	missing, err := json.Marshal(map[string]fakeErrorBody{
		"error": {Code: "cache_missing", Message: "Cache does not exist"},
	})
	must(err)
	must(os.WriteFile(filepath.Join(expected, "mcp_error_cache_missing.json"), append(missing, '\n'), 0o644))

	must(fixture.Seal(v0))
	return root
}

type fixtureQuery struct {
	Query  string `json:"query"`
	Budget int64  `json:"budget"`
}

func readQuery(t testing.TB, path string) fixtureQuery {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read query fixture: %v", err)
	}
	var q fixtureQuery
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatalf("parse query fixture %s: %v", path, err)
	}
	return q
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
