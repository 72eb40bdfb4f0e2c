package fixture_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/context-compat/internal/fixture"
	"github.com/roach88/context-compat/internal/testutil"
)

func openV0(t *testing.T) *fixture.Set {
	t.Helper()
	repo, err := fixture.Open(testutil.NewFixtureRoot(t))
	require.NoError(t, err)
	set, err := repo.Set("v0")
	require.NoError(t, err)
	return set
}

func TestRepository_Versions(t *testing.T) {
	root := testutil.NewFixtureRoot(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "v10"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "v2"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scratch"), 0o755))

	repo, err := fixture.Open(root)
	require.NoError(t, err)
	versions, err := repo.Versions()
	require.NoError(t, err)
	assert.Equal(t, []fixture.ContractVersion{"v0", "v2", "v10"}, versions)
}

func TestRepository_Errors(t *testing.T) {
	_, err := fixture.Open(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)

	repo, err := fixture.Open(testutil.NewFixtureRoot(t))
	require.NoError(t, err)
	_, err = repo.Set("v7")
	assert.ErrorContains(t, err, "not found")
	_, err = repo.Set("latest")
	assert.ErrorContains(t, err, "invalid contract version")
}

func TestSet_Listings(t *testing.T) {
	set := openV0(t)

	caches, err := set.Caches()
	require.NoError(t, err)
	assert.Equal(t, []string{"future_version", "minimal", "realistic", "tie_break"}, caches)

	queries, err := set.Queries()
	require.NoError(t, err)
	assert.Contains(t, queries, "zero_budget")
	assert.Contains(t, queries, "tie_break")

	corpora, err := set.Corpora()
	require.NoError(t, err)
	assert.Equal(t, []string{"minimal", "realistic", "tie_break"}, corpora)

	expected, err := set.ExpectedOutputs()
	require.NoError(t, err)
	assert.Contains(t, expected, "minimal_zero_budget")
}

func TestSet_Query(t *testing.T) {
	set := openV0(t)

	q, err := set.Query("zero_budget")
	require.NoError(t, err)
	assert.Equal(t, fixture.QuerySpec{Query: "hello", Budget: 0}, q)
	assert.Equal(t, "0", q.BudgetArg())

	_, err = set.Query("absent")
	assert.Error(t, err)
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    fixture.QuerySpec
		wantErr string
	}{
		{"valid", `{"query":"a b","budget":10}`, fixture.QuerySpec{Query: "a b", Budget: 10}, ""},
		{"negative budget passes through", `{"query":"a","budget":-5}`, fixture.QuerySpec{Query: "a", Budget: -5}, ""},
		{"empty query", `{"query":"","budget":1}`, fixture.QuerySpec{Query: "", Budget: 1}, ""},
		{"unknown field", `{"query":"a","budget":1,"limit":2}`, fixture.QuerySpec{}, "unknown field"},
		{"missing budget", `{"query":"a"}`, fixture.QuerySpec{}, "missing \"budget\""},
		{"missing query", `{"budget":1}`, fixture.QuerySpec{}, "missing \"query\""},
		{"fractional budget", `{"query":"a","budget":1.5}`, fixture.QuerySpec{}, "not an integer"},
		{"string budget", `{"query":"a","budget":"ten"}`, fixture.QuerySpec{}, "decode"},
		{"trailing data", `{"query":"a","budget":1} {}`, fixture.QuerySpec{}, "unexpected data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fixture.ParseQuery([]byte(tt.input))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSet_VerifySealed(t *testing.T) {
	assert.NoError(t, openV0(t).Verify())
}

func TestSet_VerifyDetectsTampering(t *testing.T) {
	set := openV0(t)

	require.NoError(t, os.WriteFile(set.ExpectedPath("minimal_basic"), []byte("{}\n"), 0o644))
	require.NoError(t, os.Remove(set.QueryPath("basic")))
	require.NoError(t, os.WriteFile(set.QueryPath("new"), []byte(`{"query":"x","budget":1}`), 0o644))

	err := set.Verify()
	var te *fixture.TamperError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, []string{"expected/minimal_basic.json"}, te.Modified)
	assert.Equal(t, []string{"queries/basic.json"}, te.Missing)
	assert.Equal(t, []string{"queries/new.json"}, te.Unlisted)
	assert.Contains(t, err.Error(), "new contract version")
}

func TestSet_VerifyUnsealed(t *testing.T) {
	set := openV0(t)
	require.NoError(t, os.Remove(filepath.Join(set.Dir, fixture.ChecksumsFile)))
	assert.True(t, errors.Is(set.Verify(), fixture.ErrNotSealed))
}

func TestChecksums_RoundTrip(t *testing.T) {
	sums := fixture.Checksums{
		"b.json": "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae",
		"a.json": "fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9",
	}
	data := sums.Marshal()
	assert.Equal(t,
		"fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9  a.json\n"+
			"2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae  b.json\n",
		string(data))

	parsed, err := fixture.ParseChecksums(data)
	require.NoError(t, err)
	assert.Equal(t, sums, parsed)

	_, err = fixture.ParseChecksums([]byte("nothex  a.json\n"))
	assert.Error(t, err)
}
