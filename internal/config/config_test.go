package config

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/report"
)

// clearEnv blanks every variable the harness reads, so the host
// environment cannot leak into a test. Empty variables count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		KeyCLIBin, KeyServerBin, KeyPreviousBin, KeyFixtures, KeyContract,
		KeyTimeout, KeyCallTimeout, KeyParallel, KeyRelTol, KeyAbsTol, KeyDB,
		KeyS3Bucket, KeyS3Prefix, KeyS3Region, KeyS3Endpoint, KeyS3PathStyle,
		KeyFormat, KeyVerbose,
	} {
		t.Setenv(EnvVar(key), "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Empty(t, cfg.Targets.CLI)
	assert.Empty(t, cfg.Targets.Server)
	assert.Empty(t, cfg.Targets.Previous)
	assert.Equal(t, "fixtures", cfg.Fixtures)
	assert.Equal(t, "v0", string(cfg.Contract))
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, runtime.NumCPU(), cfg.Parallel)
	assert.Equal(t, compare.DefaultTolerance(), cfg.Tolerance)
	assert.Equal(t, report.FormatText, cfg.Format)
	assert.False(t, cfg.HistoryEnabled())
	assert.False(t, cfg.UploadEnabled())
	assert.False(t, cfg.S3.UsePathStyle)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONTEXT_CLI_BIN", "/opt/context/bin/context")
	t.Setenv("MCP_SERVER_BIN", "/opt/context/bin/mcp-context-server")
	t.Setenv("CONTEXT_PREV_BIN", "/opt/context-0.9/bin/context")
	t.Setenv("COMPAT_FIXTURES", "/srv/fixtures")
	t.Setenv("COMPAT_CONTRACT", "v1")
	t.Setenv("COMPAT_TIMEOUT", "45s")
	t.Setenv("COMPAT_CALL_TIMEOUT", "2s")
	t.Setenv("COMPAT_PARALLEL", "3")
	t.Setenv("COMPAT_REL_TOL", "1e-6")
	t.Setenv("COMPAT_ABS_TOL", "0")
	t.Setenv("COMPAT_DB", "/var/lib/compat/history.db")
	t.Setenv("COMPAT_S3_BUCKET", "compat-reports")
	t.Setenv("COMPAT_S3_PREFIX", "nightly")
	t.Setenv("COMPAT_S3_REGION", "eu-west-1")
	t.Setenv("COMPAT_S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("COMPAT_S3_PATH_STYLE", "true")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "/opt/context/bin/context", cfg.Targets.CLI)
	assert.Equal(t, "/opt/context/bin/mcp-context-server", cfg.Targets.Server)
	assert.Equal(t, "/opt/context-0.9/bin/context", cfg.Targets.Previous)
	assert.Equal(t, "/srv/fixtures", cfg.Fixtures)
	assert.Equal(t, "v1", string(cfg.Contract))
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 2*time.Second, cfg.CallTimeout)
	assert.Equal(t, 3, cfg.Parallel)
	assert.Equal(t, compare.Tolerance{Rel: 1e-6, Abs: 0}, cfg.Tolerance)
	assert.True(t, cfg.HistoryEnabled())
	assert.Equal(t, report.S3Config{
		Bucket:       "compat-reports",
		Prefix:       "nightly",
		Region:       "eu-west-1",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
	}, cfg.S3)
	assert.True(t, cfg.UploadEnabled())

	policy := cfg.Policy()
	assert.Equal(t, compare.ModeTolerant, policy.Mode)
	assert.Equal(t, cfg.Tolerance, policy.Tolerance)
}

func TestLoad_OverrideBeatsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMPAT_CONTRACT", "v1")

	v := New()
	v.Set(KeyContract, "v2")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(cfg.Contract))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		env     string
		value   string
		wantErr string
	}{
		{"COMPAT_CONTRACT", "latest", "COMPAT_CONTRACT: invalid contract version"},
		{"COMPAT_FORMAT", "xml", "COMPAT_FORMAT: invalid format"},
		{"COMPAT_TIMEOUT", "soon", "COMPAT_TIMEOUT"},
		{"COMPAT_TIMEOUT", "0s", "COMPAT_TIMEOUT: must be positive"},
		{"COMPAT_CALL_TIMEOUT", "-1s", "COMPAT_CALL_TIMEOUT: must be positive"},
		{"COMPAT_PARALLEL", "-2", "COMPAT_PARALLEL: must be a non-negative integer"},
		{"COMPAT_PARALLEL", "many", "COMPAT_PARALLEL: must be a non-negative integer"},
		{"COMPAT_REL_TOL", "-0.1", "COMPAT_REL_TOL: must not be negative"},
		{"COMPAT_ABS_TOL", "tiny", "COMPAT_ABS_TOL"},
		{"COMPAT_S3_PATH_STYLE", "maybe", "COMPAT_S3_PATH_STYLE"},
	}
	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.value)

			_, err := Load(New())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvVar(t *testing.T) {
	assert.Equal(t, "CONTEXT_CLI_BIN", EnvVar(KeyCLIBin))
	assert.Equal(t, "MCP_SERVER_BIN", EnvVar(KeyServerBin))
	assert.Equal(t, "CONTEXT_PREV_BIN", EnvVar(KeyPreviousBin))
	assert.Equal(t, "COMPAT_CALL_TIMEOUT", EnvVar(KeyCallTimeout))
	assert.Equal(t, "COMPAT_S3_BUCKET", EnvVar(KeyS3Bucket))
}
