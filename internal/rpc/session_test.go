package rpc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/context-compat/internal/proc"
	"github.com/roach88/context-compat/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunMain(m)
}

func startFake(t *testing.T, fault string, timeout time.Duration) *Session {
	t.Helper()
	root := testutil.NewFixtureRoot(t)
	env := map[string]string{"CONTEXT_CACHE_ROOT": filepath.Join(root, "v0", "caches")}
	if fault != "" {
		env[testutil.EnvServerFault] = fault
	}
	bin := testutil.FakeBinary(t, "mcp-context-server", testutil.ModeServer, env)

	s, err := Start(context.Background(), Config{Binary: bin, CallTimeout: timeout})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_Initialize(t *testing.T) {
	s := startFake(t, "", 0)

	resp, err := s.Call(context.Background(), "initialize", map[string]any{"protocolVersion": "2024-11-05"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "1", string(resp.ID))

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	require.NoError(t, resp.Decode(&result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, testutil.FakeServerName, result.ServerInfo.Name)
}

func TestSession_ApplicationErrorIsNotAGoError(t *testing.T) {
	s := startFake(t, "", 0)

	resp, err := s.Call(context.Background(), "no/such/method", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)

	// The session is still usable.
	resp, err = s.Call(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
}

func TestSession_CallSequenceKeepsOrder(t *testing.T) {
	s := startFake(t, "", 0)

	params := map[string]any{"name": "context.resolve", "arguments": map[string]any{"cache": "minimal", "query": "hello", "budget": 4000}}
	calls := []Call{{Method: "initialize"}}
	for i := 0; i < 5; i++ {
		calls = append(calls, Call{Method: "tools/call", Params: params})
	}

	resps, err := s.CallSequence(context.Background(), calls)
	require.NoError(t, err)
	require.Len(t, resps, len(calls))
	for i, r := range resps {
		assert.JSONEq(t, strconv.Itoa(i+1), string(r.ID))
	}
	for _, r := range resps[2:] {
		assert.Equal(t, string(resps[1].Result), string(r.Result))
	}
}

func TestSession_NotificationsAreSkipped(t *testing.T) {
	s := startFake(t, testutil.FaultNotify, 0)

	resp, err := s.Call(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 1, s.Notifications())
}

func TestSession_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		fault string
		calls []string
		kind  ProtocolErrorKind
	}{
		{"unknown id", testutil.FaultBadID, []string{"initialize"}, KindUnmatchedID},
		{"garbage line", testutil.FaultGarbage, []string{"initialize", "tools/list"}, KindMalformed},
		{"duplicate response", testutil.FaultDuplicate, []string{"initialize", "tools/list"}, KindIDCollision},
		{"server exits", testutil.FaultExit, []string{"initialize", "tools/list"}, KindClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startFake(t, tt.fault, 5*time.Second)

			var err error
			for _, m := range tt.calls {
				if _, err = s.Call(context.Background(), m, nil); err != nil {
					break
				}
			}
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.True(t, IsSessionFatal(err))

			// A broken session stays broken.
			_, again := s.Call(context.Background(), "initialize", nil)
			assert.Equal(t, err, again)
		})
	}
}

func TestSession_CallTimeoutBreaksSession(t *testing.T) {
	s := startFake(t, testutil.FaultHang, 300*time.Millisecond)

	_, err := s.Call(context.Background(), "initialize", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Call(context.Background(), "tools/call", map[string]any{"name": "context.list_caches"})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, IsSessionFatal(err))

	_, err = s.Call(context.Background(), "tools/list", nil)
	assert.True(t, IsTimeout(err))
}

func TestSession_CloseIsBoundedWhenDescendantHoldsOutput(t *testing.T) {
	// Without exec the shell forks sleep, which inherits stdout and stderr
	// and outlives the killed shell.
	bin := filepath.Join(t.TempDir(), "wrapped-server")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nread l\nsleep 30\n"), 0o755))

	s, err := Start(context.Background(), Config{Binary: bin, CallTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	_, err = s.Call(context.Background(), "initialize", nil)
	require.True(t, IsTimeout(err))

	start := time.Now()
	_ = s.Close()
	assert.Less(t, time.Since(start), closeGrace+waitDelay+time.Second)
}

func TestSession_ClosedDetailReportsReadError(t *testing.T) {
	s := &Session{exited: make(chan struct{}), readErr: errors.New("input/output error")}
	assert.Equal(t, "reading server output: input/output error", s.closedDetail())

	s = &Session{exited: make(chan struct{})}
	close(s.exited)
	assert.Equal(t, "server exited", s.closedDetail())
}

func TestSession_CancelledContext(t *testing.T) {
	s := startFake(t, testutil.FaultHang, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, "tools/call", map[string]any{"name": "context.list_caches"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Error(t, s.Err())
}

func TestStart_SpawnFailure(t *testing.T) {
	_, err := Start(context.Background(), Config{Binary: filepath.Join(t.TempDir(), "missing")})
	assert.True(t, proc.IsSpawnError(err))

	_, err = Start(context.Background(), Config{})
	assert.True(t, proc.IsSpawnError(err))
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s := startFake(t, "", 0)
	_, err := s.Call(context.Background(), "initialize", nil)
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
