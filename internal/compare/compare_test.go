package compare

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_ExactMatch(t *testing.T) {
	err := Compare([]byte(`{"a":1}`), []byte(`{"a":1}`), Exact())
	assert.NoError(t, err)
}

func TestCompare_ExactReportsFirstDifference(t *testing.T) {
	expected := []byte("{\n  \"a\": 1\n}")
	actual := []byte("{\n  \"a\": 2\n}")

	err := Compare(actual, expected, Exact())
	var me *MismatchError
	require.ErrorAs(t, err, &me)

	require.Len(t, me.Report.Entries, 1)
	e := me.Report.Entries[0]
	assert.Equal(t, SeverityBreaking, e.Severity)
	assert.Contains(t, e.Detail, "first difference at byte 9 (line 2, column 8)")
	assert.Contains(t, e.Detail, "--- expected")
	assert.Contains(t, e.Detail, "+++ actual")
	assert.Equal(t, `  "a": 1`, e.Old)
	assert.Equal(t, `  "a": 2`, e.New)
}

func TestCompare_ExactNotesFormattingOnlyDifference(t *testing.T) {
	err := Compare([]byte(`{"b":1,"a":2}`), []byte(`{"a": 2, "b": 1}`), Exact())
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.Report.Entries[0].Detail, "differ only in formatting")
}

func TestCompare_TolerantIgnoresKeyOrder(t *testing.T) {
	err := Compare([]byte(`{"b":[1,2],"a":"x"}`), []byte(`{"a":"x","b":[1,2]}`), Tolerant())
	assert.NoError(t, err)
}

func TestCompare_TolerantArrayOrderIsSignificant(t *testing.T) {
	err := Compare([]byte(`{"ids":["b","a"]}`), []byte(`{"ids":["a","b"]}`), Tolerant())
	var me *MismatchError
	require.ErrorAs(t, err, &me)

	paths := []string{}
	for _, e := range me.Report.Breaking() {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"$.ids[0]", "$.ids[1]"}, paths)
}

func TestCompare_TolerantNumbers(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		policy   Policy
		wantErr  bool
	}{
		{"identical", `0.75`, `0.75`, Tolerant(), false},
		{"same value different literal", `1.0`, `1`, Tolerant(), false},
		{"within relative tolerance", `1.0000000001`, `1.0`, Tolerant(), false},
		{"outside tolerance", `0.76`, `0.75`, Tolerant(), true},
		{"custom tolerance", `0.76`, `0.75`, Policy{Mode: ModeTolerant, Tolerance: Tolerance{Abs: 0.02}}, false},
		{"zero tolerance", `1.0000000001`, `1.0`, Policy{Mode: ModeTolerant}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Compare([]byte(tt.actual), []byte(tt.expected), tt.policy)
			if tt.wantErr {
				assert.True(t, IsMismatch(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDiff_ToleratedDriftIsInformational(t *testing.T) {
	report, err := Diff([]byte(`{"score":0.7500000001}`), []byte(`{"score":0.75}`), Tolerant())
	require.NoError(t, err)

	require.Len(t, report.Entries, 1)
	assert.Equal(t, SeverityInformational, report.Entries[0].Severity)
	assert.Equal(t, "$.score", report.Entries[0].Path)
	assert.False(t, report.HasBreaking())
}

func TestDiff_TolerantKinds(t *testing.T) {
	expected := `{"keep":1,"gone":true,"typed":"1","list":[1]}`
	actual := `{"keep":1,"extra":null,"typed":1,"list":[1,2]}`

	report, err := Diff([]byte(actual), []byte(expected), Tolerant())
	require.NoError(t, err)

	got := map[string]Kind{}
	for _, e := range report.Entries {
		got[e.Path] = e.Kind
		assert.Equal(t, SeverityBreaking, e.Severity, e.Path)
	}
	assert.Equal(t, map[string]Kind{
		"$.extra":   KindAdded,
		"$.gone":    KindRemoved,
		"$.list[1]": KindAdded,
		"$.typed":   KindChanged,
	}, got)
}

func TestDiff_DeterministicOrder(t *testing.T) {
	expected := []byte(`{"z":1,"a":1,"m":1}`)
	actual := []byte(`{"z":2,"a":2,"m":2}`)

	first, err := Diff(actual, expected, Tolerant())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Diff(actual, expected, Tolerant())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "$.a", first.Entries[0].Path)
	assert.Equal(t, "$.z", first.Entries[2].Path)
}

func TestCompare_TolerantParseErrors(t *testing.T) {
	err := Compare([]byte(`not json`), []byte(`{}`), Tolerant())
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "actual", pe.Side)

	err = Compare([]byte(`{}`), []byte(`{} trailing`), Tolerant())
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "expected", pe.Side)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, Exact().Validate())
	assert.NoError(t, Tolerant().Validate())
	assert.Error(t, Policy{Mode: "fuzzy"}.Validate())
	assert.Error(t, Policy{Mode: ModeTolerant, Tolerance: Tolerance{Rel: -1}}.Validate())
}

func TestCanonicalizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"crlf", "a\r\nb\r\n", "a\nb"},
		{"trailing spaces", "a  \nb\t\n", "a\nb"},
		{"trailing newlines", "a\n\n\n", "a"},
		{"untouched", `{"a":1}`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(CanonicalizeText([]byte(tt.input))))
		})
	}
}

func TestJoinKeyQuotesOddKeys(t *testing.T) {
	assert.Equal(t, "$.plain_key", JoinKey("$", "plain_key"))
	assert.Equal(t, `$["a.b"]`, JoinKey("$", "a.b"))
	assert.Equal(t, "$.list[3]", JoinIndex("$.list", 3))
}

func TestReportString(t *testing.T) {
	r := &Report{}
	assert.Equal(t, "no differences", r.String())

	r.Add(Entry{Path: "$.a", Kind: KindChanged, Severity: SeverityBreaking, Old: json.Number("1"), New: json.Number("2")})
	assert.Equal(t, "[breaking] changed $.a: 1 -> 2", r.String())
}
