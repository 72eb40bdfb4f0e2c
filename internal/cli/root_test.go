package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "compare", "validate", "diff", "fixtures", "history"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	flags := cmd.PersistentFlags()
	for _, name := range []string{"verbose", "format", "fixtures", "contract", "db"} {
		assert.NotNil(t, flags.Lookup(name), "missing flag --%s", name)
	}
	assert.Equal(t, "text", flags.Lookup("format").DefValue)
	assert.Equal(t, "v", flags.Lookup("verbose").Shorthand)
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	clearEnv(t)
	res := execute(t, nil, "fixtures", "list", "--format", "xml")

	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.err.Error(), `invalid format "xml"`)
}

func TestRootCommand_FormatFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMPAT_FORMAT", "json")
	doc := writeFile(t, "doc.json", `{"a":1}`)

	res := execute(t, nil, "compare", doc, doc)
	require.NoError(t, res.err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestRootCommand_FlagOverridesEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMPAT_FORMAT", "json")
	doc := writeFile(t, "doc.json", `{"a":1}`)

	res := execute(t, nil, "compare", doc, doc, "--format", "text")

	require.NoError(t, res.err)
	assert.Equal(t, "no differences\n", res.stdout)
}

func TestRootCommand_InvalidEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMPAT_TIMEOUT", "soon")
	doc := writeFile(t, "doc.json", `{}`)

	res := execute(t, nil, "compare", doc, doc)

	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stdout, "Error [E002]")
	assert.Contains(t, res.stdout, "COMPAT_TIMEOUT")
}

func TestExecute_ExitCodes(t *testing.T) {
	clearEnv(t)
	doc := writeFile(t, "doc.json", `{"a":1}`)
	other := writeFile(t, "other.json", `{"a":2}`)

	assert.Equal(t, ExitSuccess, Execute([]string{"compare", doc, doc}))
	assert.Equal(t, ExitFailure, Execute([]string{"compare", doc, other}))
	assert.Equal(t, ExitCommandError, Execute([]string{"no-such-command"}))
}
