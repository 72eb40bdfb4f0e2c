// Package config resolves harness configuration from the environment and
// command-line flags using viper. Flags bound to the same keys take
// precedence over environment variables, which take precedence over the
// defaults below.
package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/fixture"
	"github.com/roach88/context-compat/internal/harness"
	"github.com/roach88/context-compat/internal/proc"
	"github.com/roach88/context-compat/internal/report"
	"github.com/roach88/context-compat/internal/rpc"
)

// Keys of every setting.
const (
	KeyCLIBin      = "cli_bin"
	KeyServerBin   = "server_bin"
	KeyPreviousBin = "previous_bin"
	KeyFixtures    = "fixtures"
	KeyContract    = "contract"
	KeyTimeout     = "timeout"
	KeyCallTimeout = "call_timeout"
	KeyParallel    = "parallel"
	KeyRelTol      = "rel_tol"
	KeyAbsTol      = "abs_tol"
	KeyDB          = "db"
	KeyS3Bucket    = "s3_bucket"
	KeyS3Prefix    = "s3_prefix"
	KeyS3Region    = "s3_region"
	KeyS3Endpoint  = "s3_endpoint"
	KeyS3PathStyle = "s3_path_style"
	KeyFormat      = "format"
	KeyVerbose     = "verbose"
)

// Defaults for settings that are not numeric.
const (
	DefaultFixtures = "fixtures"
	DefaultContract = "v0"
)

// envPrefix prefixes every harness-owned variable. Target binaries keep
// the names the binaries' own test suites use.
const envPrefix = "COMPAT"

var targetEnv = map[string]string{
	KeyCLIBin:      harness.EnvCLIBin,
	KeyServerBin:   harness.EnvServerBin,
	KeyPreviousBin: harness.EnvPreviousBin,
}

// Config is the resolved harness configuration.
type Config struct {
	Targets     harness.Targets
	Fixtures    string
	Contract    fixture.ContractVersion
	Timeout     time.Duration
	CallTimeout time.Duration
	Parallel    int
	Tolerance   compare.Tolerance

	// DB is the run history database. Empty disables history.
	DB string

	// S3 configures report upload. An empty bucket disables upload.
	S3 report.S3Config

	Format  report.Format
	Verbose bool
}

// New returns a viper instance with defaults and environment bindings for
// every key.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, env := range targetEnv {
		_ = v.BindEnv(key, env)
	}

	v.SetDefault(KeyFixtures, DefaultFixtures)
	v.SetDefault(KeyContract, DefaultContract)
	v.SetDefault(KeyTimeout, proc.DefaultTimeout.String())
	v.SetDefault(KeyCallTimeout, rpc.DefaultCallTimeout.String())
	v.SetDefault(KeyParallel, "0")
	v.SetDefault(KeyRelTol, strconv.FormatFloat(compare.DefaultRelTolerance, 'g', -1, 64))
	v.SetDefault(KeyAbsTol, strconv.FormatFloat(compare.DefaultAbsTolerance, 'g', -1, 64))
	v.SetDefault(KeyFormat, string(report.FormatText))
	v.SetDefault(KeyS3PathStyle, "false")
	return v
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Targets: harness.Targets{
			CLI:      v.GetString(KeyCLIBin),
			Server:   v.GetString(KeyServerBin),
			Previous: v.GetString(KeyPreviousBin),
		},
		Fixtures: v.GetString(KeyFixtures),
		DB:       v.GetString(KeyDB),
		S3: report.S3Config{
			Bucket:   v.GetString(KeyS3Bucket),
			Prefix:   v.GetString(KeyS3Prefix),
			Region:   v.GetString(KeyS3Region),
			Endpoint: v.GetString(KeyS3Endpoint),
		},
		Verbose: v.GetBool(KeyVerbose),
	}

	var err error
	if cfg.Contract, err = fixture.ParseVersion(v.GetString(KeyContract)); err != nil {
		return nil, settingError(KeyContract, err)
	}
	if cfg.Format, err = report.ParseFormat(v.GetString(KeyFormat)); err != nil {
		return nil, settingError(KeyFormat, err)
	}
	if cfg.Timeout, err = positiveDuration(v, KeyTimeout); err != nil {
		return nil, err
	}
	if cfg.CallTimeout, err = positiveDuration(v, KeyCallTimeout); err != nil {
		return nil, err
	}
	if cfg.Parallel, err = strconv.Atoi(v.GetString(KeyParallel)); err != nil || cfg.Parallel < 0 {
		return nil, settingError(KeyParallel, fmt.Errorf("must be a non-negative integer, got %q", v.GetString(KeyParallel)))
	}
	if cfg.Parallel == 0 {
		cfg.Parallel = runtime.NumCPU()
	}
	if cfg.Tolerance.Rel, err = nonNegativeFloat(v, KeyRelTol); err != nil {
		return nil, err
	}
	if cfg.Tolerance.Abs, err = nonNegativeFloat(v, KeyAbsTol); err != nil {
		return nil, err
	}
	if cfg.S3.UsePathStyle, err = strconv.ParseBool(v.GetString(KeyS3PathStyle)); err != nil {
		return nil, settingError(KeyS3PathStyle, err)
	}
	return cfg, nil
}

// Policy returns the tolerant comparison policy with the configured
// tolerance.
func (c *Config) Policy() compare.Policy {
	return compare.Policy{Mode: compare.ModeTolerant, Tolerance: c.Tolerance}
}

// HistoryEnabled reports whether runs are recorded.
func (c *Config) HistoryEnabled() bool {
	return c.DB != ""
}

// UploadEnabled reports whether reports can be uploaded.
func (c *Config) UploadEnabled() bool {
	return c.S3.Bucket != ""
}

// EnvVar returns the environment variable that sets key.
func EnvVar(key string) string {
	if env, ok := targetEnv[key]; ok {
		return env
	}
	return envPrefix + "_" + strings.ToUpper(key)
}

func settingError(key string, err error) error {
	return fmt.Errorf("%s: %w", EnvVar(key), err)
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, settingError(key, err)
	}
	if d <= 0 {
		return 0, settingError(key, fmt.Errorf("must be positive, got %s", d))
	}
	return d, nil
}

func nonNegativeFloat(v *viper.Viper, key string) (float64, error) {
	f, err := strconv.ParseFloat(v.GetString(key), 64)
	if err != nil {
		return 0, settingError(key, err)
	}
	if f < 0 {
		return 0, settingError(key, fmt.Errorf("must not be negative, got %g", f))
	}
	return f, nil
}
