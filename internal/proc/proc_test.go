package proc

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/context-compat/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunMain(m)
}

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	bin := testutil.FakeBinary(t, "echo", testutil.ModeEcho, map[string]string{
		testutil.EnvExitCode: "3",
	})

	res, err := Run(context.Background(), Invocation{
		Binary:  bin,
		Args:    []string{"alpha", "beta"},
		Stdin:   []byte("from stdin"),
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "alpha\nbeta", res.StdoutString())
	assert.Equal(t, "from stdin", res.StderrString())
	assert.False(t, res.Success())
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRun_EnvOverridesAndWorkingDir(t *testing.T) {
	bin := testutil.FakeBinary(t, "echo", testutil.ModeEcho, map[string]string{
		"FAKE_PRINT_WD":  "1",
		"FAKE_PRINT_ENV": "COMPAT_PROBE",
	})
	dir := t.TempDir()

	res, err := Run(context.Background(), Invocation{
		Binary: bin,
		Env:    map[string]string{"COMPAT_PROBE": "42"},
		Dir:    dir,
	})
	require.NoError(t, err)
	require.True(t, res.Success())

	lines := strings.Split(res.StdoutString(), "\n")
	require.Len(t, lines, 2)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(lines[0])
	require.NoError(t, err)
	assert.Equal(t, resolved, gotDir)
	assert.Equal(t, "COMPAT_PROBE=42", lines[1])
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	bin := testutil.FakeBinary(t, "sleep", testutil.ModeSleep, nil)

	start := time.Now()
	res, err := Run(context.Background(), Invocation{
		Binary:  bin,
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)

	assert.True(t, IsTimeout(err))
	assert.False(t, IsSpawnError(err))
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Less(t, time.Since(start), 20*time.Second)
}

func TestRun_SpawnFailure(t *testing.T) {
	tests := []struct {
		name   string
		binary string
	}{
		{"missing binary", filepath.Join(t.TempDir(), "does-not-exist")},
		{"empty path", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Run(context.Background(), Invocation{Binary: tt.binary})
			require.Error(t, err)
			assert.True(t, IsSpawnError(err))
			assert.Equal(t, StatusSpawnFailed, res.Status)
			assert.Equal(t, -1, res.ExitCode)
		})
	}
}

func TestRun_ParentCancellationIsNotTimeout(t *testing.T) {
	bin := testutil.FakeBinary(t, "sleep", testutil.ModeSleep, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, Invocation{Binary: bin, Timeout: time.Minute})
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergeEnv(t *testing.T) {
	base := []string{"A=1", "B=2", "PATH=/bin"}

	got := MergeEnv(base, map[string]string{"B": "3", "C": "4"})

	assert.Equal(t, []string{"A=1", "PATH=/bin", "B=3", "C=4"}, got)
}
