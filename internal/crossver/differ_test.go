package crossver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/proc"
	"github.com/roach88/context-compat/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunMain(m)
}

func paths(entries []compare.Entry) []string {
	out := []string{}
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestDiff_Identical(t *testing.T) {
	doc := []byte(`{"a":[1,2],"b":{"c":"d"}}`)
	report, err := NewDiffer().Diff(doc, doc)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Len())
}

func TestDiff_Classification(t *testing.T) {
	tests := []struct {
		name     string
		prev     string
		curr     string
		breaking []string
		info     []string
	}{
		{"additive field", `{"a":1}`, `{"a":1,"b":2}`, []string{}, []string{"$.b"}},
		{"removed field", `{"a":1,"b":2}`, `{"a":1}`, []string{"$.b"}, []string{}},
		{"type change", `{"a":1}`, `{"a":"1"}`, []string{"$.a"}, []string{}},
		{"drift within tolerance", `{"s":0.75}`, `{"s":0.7500000000001}`, []string{}, []string{"$.s"}},
		{"value change", `{"s":0.75}`, `{"s":0.8}`, []string{"$.s"}, []string{}},
		{"string change", `{"q":"a"}`, `{"q":"b"}`, []string{"$.q"}, []string{}},
		{"array grows", `{"l":[1]}`, `{"l":[1,2]}`, []string{"$.l[1]"}, []string{}},
		{"array shrinks", `{"l":[1,2]}`, `{"l":[1]}`, []string{"$.l[1]"}, []string{}},
		{"unidentified reorder", `{"l":["a","b"]}`, `{"l":["b","a"]}`, []string{"$.l[0]", "$.l[1]"}, []string{}},
		{"nested additive", `{"o":{"x":1}}`, `{"o":{"x":1,"y":true}}`, []string{}, []string{"$.o.y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := NewDiffer().Diff([]byte(tt.prev), []byte(tt.curr))
			require.NoError(t, err)
			assert.Equal(t, tt.breaking, paths(report.Breaking()))
			assert.Equal(t, tt.info, paths(report.Informational()))
		})
	}
}

func TestDiff_MovesAreFollowedByIdentity(t *testing.T) {
	prev := `{"documents":[{"id":"a","score":0.5},{"id":"b","score":0.25}]}`
	curr := `{"documents":[{"id":"b","score":0.25},{"id":"a","score":0.5}]}`

	report, err := NewDiffer().Diff([]byte(prev), []byte(curr))
	require.NoError(t, err)

	breaking := report.Breaking()
	require.Len(t, breaking, 2)
	assert.Equal(t, "$.documents[0]", breaking[0].Path)
	assert.Contains(t, breaking[0].Detail, "id=a moved from index 0 to 1")
	assert.Contains(t, breaking[1].Detail, "id=b moved from index 1 to 0")
}

func TestDiff_IdentityAddAndRemove(t *testing.T) {
	prev := `{"documents":[{"id":"a"},{"id":"b"}]}`
	curr := `{"documents":[{"id":"a"},{"id":"c"}]}`

	report, err := NewDiffer().Diff([]byte(prev), []byte(curr))
	require.NoError(t, err)

	kinds := map[compare.Kind]int{}
	for _, e := range report.Breaking() {
		kinds[e.Kind]++
	}
	assert.Equal(t, map[compare.Kind]int{compare.KindRemoved: 1, compare.KindAdded: 1}, kinds)
}

func TestDiff_FieldRestriction(t *testing.T) {
	d := NewDiffer()
	d.Fields = []string{"valid", "document_count"}

	prev := `{"valid":true,"document_count":2,"created_at":"2026-01-01T00:00:00Z"}`
	curr := `{"valid":true,"document_count":2,"created_at":"2026-02-01T00:00:00Z","extra":1}`
	report, err := d.Diff([]byte(prev), []byte(curr))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Len())

	_, err = d.Diff([]byte(`[]`), []byte(`{}`))
	assert.Error(t, err)
}

func TestDiff_ParseErrors(t *testing.T) {
	_, err := NewDiffer().Diff([]byte(`{`), []byte(`{}`))
	var pe *compare.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "previous", pe.Side)
}

func TestCheck(t *testing.T) {
	report := &compare.Report{}
	report.Add(compare.Entry{Path: "$.engine", Kind: compare.KindAdded, Severity: compare.SeverityInformational})
	assert.NoError(t, Check(report, nil))

	report.Add(compare.Entry{Path: "$.documents[0]", Kind: compare.KindChanged, Severity: compare.SeverityBreaking})
	var re *RegressionError
	require.ErrorAs(t, Check(report, nil), &re)
	assert.Len(t, re.Unexpected, 1)

	assert.NoError(t, Check(report, []string{"$.documents[0]"}))

	require.ErrorAs(t, Check(report, []string{"$.documents[0]", "$.selection"}), &re)
	assert.Equal(t, []string{"$.selection"}, re.Missing)
	assert.Contains(t, re.Error(), "not observed")
}

func fakePair(t *testing.T, prevEnv map[string]string) (proc.Invocation, proc.Invocation) {
	t.Helper()
	root := testutil.NewFixtureRoot(t)
	cache := filepath.Join(root, "v0", "caches", "realistic")
	args := []string{"resolve", "--cache", cache, "--query", "deployment security", "--budget", "4000"}

	prev := testutil.FakeBinary(t, "context-prev", testutil.ModeCLI, prevEnv)
	curr := testutil.FakeBinary(t, "context", testutil.ModeCLI, nil)
	return proc.Invocation{Binary: prev, Args: args}, proc.Invocation{Binary: curr, Args: args}
}

func TestRunPair(t *testing.T) {
	tests := []struct {
		name         string
		prevEnv      map[string]string
		wantBreaking int
		wantInfo     int
	}{
		{"same release", nil, 0, 0},
		{"current release dropped a field", map[string]string{testutil.EnvExtraField: "1"}, 1, 0},
		{"older release ranked differently", map[string]string{testutil.EnvReverseOrder: "1"}, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev, curr := fakePair(t, tt.prevEnv)
			report, err := NewDiffer().RunPair(context.Background(), prev, curr)
			require.NoError(t, err)
			assert.Len(t, report.Breaking(), tt.wantBreaking, report.String())
			assert.Len(t, report.Informational(), tt.wantInfo, report.String())
		})
	}
}

func TestRunPair_NewFieldInCurrentIsInformational(t *testing.T) {
	root := testutil.NewFixtureRoot(t)
	cache := filepath.Join(root, "v0", "caches", "realistic")
	args := []string{"resolve", "--cache", cache, "--query", "deployment security", "--budget", "4000"}
	prev := proc.Invocation{Binary: testutil.FakeBinary(t, "context-prev", testutil.ModeCLI, nil), Args: args}
	curr := proc.Invocation{Binary: testutil.FakeBinary(t, "context", testutil.ModeCLI, map[string]string{testutil.EnvExtraField: "1"}), Args: args}

	report, err := NewDiffer().RunPair(context.Background(), prev, curr)
	require.NoError(t, err)
	assert.NoError(t, Check(report, nil))
	assert.Equal(t, []string{"$.engine"}, paths(report.Informational()))
}

func TestRunPair_ExitCodeChange(t *testing.T) {
	root := testutil.NewFixtureRoot(t)
	missing := filepath.Join(root, "nope")
	prev := proc.Invocation{Binary: testutil.FakeBinary(t, "context-prev", testutil.ModeCLI, nil),
		Args: []string{"resolve", "--cache", missing, "--query", "x", "--budget", "1"}}
	curr := proc.Invocation{Binary: testutil.FakeBinary(t, "context", testutil.ModeCLI, nil),
		Args: []string{"resolve", "--cache", missing, "--query", "x", "--budget", "-1"}}

	report, err := NewDiffer().RunPair(context.Background(), prev, curr)
	require.NoError(t, err)
	require.NotEmpty(t, report.Breaking())
	assert.Equal(t, "exit_code", report.Breaking()[0].Path)
}

func TestRunPair_BothReleasesSilent(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "context")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexit 4\n"), 0o755))
	inv := proc.Invocation{Binary: bin, Args: []string{"inspect", "--cache", "missing"}}

	report, err := NewDiffer().RunPair(context.Background(), inv, inv)
	require.NoError(t, err)
	assert.Zero(t, report.Len())
	assert.NoError(t, Check(report, nil))

	other := filepath.Join(t.TempDir(), "context-prev")
	require.NoError(t, os.WriteFile(other, []byte("#!/bin/sh\nexit 5\n"), 0o755))
	report, err = NewDiffer().RunPair(context.Background(), proc.Invocation{Binary: other}, inv)
	require.NoError(t, err)
	assert.Equal(t, []string{"exit_code"}, paths(report.Breaking()))
}

func TestRunPair_SpawnFailure(t *testing.T) {
	_, curr := fakePair(t, nil)
	prev := proc.Invocation{Binary: filepath.Join(t.TempDir(), "missing")}
	_, err := NewDiffer().RunPair(context.Background(), prev, curr)
	assert.True(t, proc.IsSpawnError(err))
}
