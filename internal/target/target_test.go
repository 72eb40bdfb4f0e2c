package target

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/context-compat/internal/rpc"
	"github.com/roach88/context-compat/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunMain(m)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, "cache_missing", ExitCacheMissing.String())
	assert.Equal(t, "unknown(9)", ExitCode(9).String())
	assert.True(t, ExitInternal.Valid())
	assert.False(t, ExitCode(-1).Valid())

	code, err := ParseExitCode("invalid_budget")
	require.NoError(t, err)
	assert.Equal(t, ExitInvalidBudget, code)
	_, err = ParseExitCode("nope")
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	assert.Equal(t, []string{"build", "--sources", "s", "--cache", "c", "--force"}, BuildArgs("s", "c", true))
	assert.Equal(t, []string{"resolve", "--cache", "c", "--query", "q", "--budget", "-1"}, ResolveArgs("c", "q", "-1"))
	assert.Equal(t, []string{"inspect", "--cache", "c"}, InspectArgs("c"))
}

func TestCLI_ExitCodes(t *testing.T) {
	root := testutil.NewFixtureRoot(t)
	caches := filepath.Join(root, "v0", "caches")
	cli := CLI{Binary: testutil.FakeBinary(t, "context", testutil.ModeCLI, nil)}
	ctx := context.Background()

	tests := []struct {
		name   string
		cache  string
		budget string
		want   ExitCode
	}{
		{"ok", filepath.Join(caches, "minimal"), "4000", ExitSuccess},
		{"negative budget", filepath.Join(caches, "minimal"), "-1", ExitInvalidBudget},
		{"non-numeric budget", filepath.Join(caches, "minimal"), "lots", ExitInvalidBudget},
		{"missing cache", filepath.Join(root, "absent"), "10", ExitCacheMissing},
		{"future cache", filepath.Join(caches, "future_version"), "10", ExitCacheInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := cli.ResolveRaw(ctx, tt.cache, "hello", tt.budget)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ExitOf(res), res.StderrString())
		})
	}
}

func TestCLI_BuildAndInspect(t *testing.T) {
	root := testutil.NewFixtureRoot(t)
	cli := CLI{Binary: testutil.FakeBinary(t, "context", testutil.ModeCLI, nil)}
	ctx := context.Background()
	cache := filepath.Join(t.TempDir(), "cache")

	res, err := cli.Build(ctx, filepath.Join(root, "v0", "documents", "minimal"), cache, false)
	require.NoError(t, err)
	require.True(t, res.Success(), res.StderrString())

	res, err = cli.Inspect(ctx, cache)
	require.NoError(t, err)
	assert.Contains(t, res.StdoutString(), `"document_count":2`)

	res, err = cli.InDir(t.TempDir()).Resolve(ctx, cache, "hello", 4000)
	require.NoError(t, err)
	assert.True(t, res.Success())
}

func startMCP(t *testing.T) *MCP {
	t.Helper()
	root := testutil.NewFixtureRoot(t)
	m, err := StartMCP(context.Background(), MCPConfig{
		Binary:    testutil.FakeBinary(t, "mcp-context-server", testutil.ModeServer, nil),
		CacheRoot: filepath.Join(root, "v0", "caches"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMCP_Handshake(t *testing.T) {
	m := startMCP(t)
	ctx := context.Background()

	info, err := m.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, testutil.FakeServerName, info.ServerInfo.Name)

	tools, err := m.ListTools(ctx)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{ToolResolve, ToolListCaches, ToolInspectCache}, names)
}

func TestMCP_CallTool(t *testing.T) {
	m := startMCP(t)
	ctx := context.Background()
	_, err := m.Initialize(ctx)
	require.NoError(t, err)

	res, err := m.CallTool(ctx, ToolResolve, map[string]any{"cache": "minimal", "query": "hello world", "budget": 4000})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Text(), `"cache_version":"v0"`)

	res, err = m.CallTool(ctx, ToolResolve, map[string]any{"cache": "absent", "query": "x", "budget": 1})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.JSONEq(t, `{"error":{"code":"cache_missing","message":"Cache does not exist"}}`, res.Text())

	_, err = m.CallTool(ctx, "context.unknown", map[string]any{})
	var rpcErr *rpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)
	assert.False(t, rpc.IsSessionFatal(err))
}

func TestMCP_Repeat(t *testing.T) {
	m := startMCP(t)
	ctx := context.Background()

	resps, err := m.Repeat(ctx, ToolCall(ToolListCaches, map[string]any{}), 3)
	require.NoError(t, err)
	require.Len(t, resps, 3)
	for _, r := range resps {
		assert.Equal(t, string(resps[0].Result), string(r.Result))
	}
}
