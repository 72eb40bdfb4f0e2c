package testutil

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/context-compat/internal/fixture"
)

func TestFakeScore_MarshalJSON(t *testing.T) {
	tests := []struct {
		score fakeScore
		want  string
	}{
		{0, "0.0"},
		{1, "1.0"},
		{0.75, "0.75"},
		{0.5, "0.5"},
		{fakeScore(float32(1) / float32(3)), "0.33333334"},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.score)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(got))
	}
}

func TestNewFixtureRoot_Layout(t *testing.T) {
	root := NewFixtureRoot(t)
	v0 := filepath.Join(root, "v0")

	for _, rel := range []string{
		"caches/minimal/manifest.json",
		"caches/realistic/index.json",
		"caches/tie_break/docs/a.md",
		"caches/future_version/manifest.json",
		"expected/minimal_basic.json",
		"expected/tie_break_zero_score.json",
		"expected/mcp_error_cache_missing.json",
		"queries/basic.json",
		"schemas/selection_result.schema.json",
		fixture.ChecksumsFile,
	} {
		_, err := os.Stat(filepath.Join(v0, filepath.FromSlash(rel)))
		assert.NoError(t, err, rel)
	}
}

func TestFakeResolve_TieBreakByID(t *testing.T) {
	root := NewFixtureRoot(t)
	out, err := FakeResolve(filepath.Join(root, "v0", "caches", "tie_break"), "deployment", "4000", Variant{})
	require.NoError(t, err)

	assert.Contains(t, string(out), `"score":0.5`)

	var res fakeResult
	require.NoError(t, json.Unmarshal(out, &res))
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "a.md", res.Documents[0].ID)
	assert.Equal(t, "b.md", res.Documents[1].ID)
}

func TestFakeResolve_FloatFormats(t *testing.T) {
	root := NewFixtureRoot(t)
	cache := filepath.Join(root, "v0", "caches", "realistic")

	out, err := FakeResolve(cache, "deployment", "4000", Variant{})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"score":0.75`)
	assert.Contains(t, string(out), `"score":0.0`)

	out, err = FakeResolve(cache, "deployment security", "4000", Variant{})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"score":0.33333334`)
}

func TestFakeResolve_ZeroBudgetSelectsNothing(t *testing.T) {
	root := NewFixtureRoot(t)
	out, err := FakeResolve(filepath.Join(root, "v0", "caches", "minimal"), "hello", "0", Variant{})
	require.NoError(t, err)

	var res fakeResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Empty(t, res.Documents)
	assert.Equal(t, 2, res.Selection.DocumentsExcludedByBudget)
}

func TestFakeResolve_ErrorCodes(t *testing.T) {
	root := NewFixtureRoot(t)
	caches := filepath.Join(root, "v0", "caches")

	tests := []struct {
		name   string
		cache  string
		budget string
		code   int
	}{
		{"negative budget", filepath.Join(caches, "minimal"), "-1", fakeExitInvalidBudget},
		{"missing cache", filepath.Join(caches, "nope"), "100", fakeExitCacheMissing},
		{"future version", filepath.Join(caches, "future_version"), "100", fakeExitCacheInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FakeResolve(tt.cache, "test", tt.budget, Variant{})
			var ee *engineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.code, ee.code)
		})
	}
}

func TestFakeBinary_RunsCLI(t *testing.T) {
	root := NewFixtureRoot(t)
	bin := FakeBinary(t, "context", ModeCLI, nil)

	out, err := exec.Command(bin, "inspect", "--cache", filepath.Join(root, "v0", "caches", "minimal")).Output()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, true, got["valid"])
	assert.Equal(t, float64(2), got["document_count"])
}

func TestFakeBinary_ExitCode(t *testing.T) {
	bin := FakeBinary(t, "context", ModeCLI, nil)

	err := exec.Command(bin, "resolve", "--cache", t.TempDir()+"/missing", "--query", "x", "--budget", "1").Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, fakeExitCacheMissing, exitErr.ExitCode())
}
