package suites

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/schema"
	"github.com/roach88/context-compat/internal/target"
)

// Manifest is the suite.yaml of one contract version.
type Manifest struct {
	// Version must name the contract version directory holding the file.
	Version string `yaml:"version"`

	Cases    []CaseSpec    `yaml:"cases"`
	Sessions []SessionSpec `yaml:"sessions,omitempty"`
}

// CaseType selects how a CLI case is judged.
type CaseType string

const (
	TypeDeterminism      CaseType = "determinism"
	TypeWorkdir          CaseType = "workdir"
	TypeGolden           CaseType = "golden"
	TypeSchema           CaseType = "schema"
	TypeExitCode         CaseType = "exit_code"
	TypeAssert           CaseType = "assert"
	TypeBuildDeterminism CaseType = "build_determinism"
	TypeCrossVersion     CaseType = "cross_version"
)

// Cache states a case can synthesize instead of using a fixture cache.
const (
	StateMissing    = "missing"
	StateCorrupt    = "corrupt"
	StateNoManifest = "no_manifest"
	StateUnreadable = "unreadable"
)

// Commands a case can run.
const (
	CommandResolve = "resolve"
	CommandInspect = "inspect"
	CommandBuild   = "build"
)

// CaseSpec declares one CLI case.
type CaseSpec struct {
	Name        string   `yaml:"name"`
	Type        CaseType `yaml:"type"`
	Description string   `yaml:"description,omitempty"`

	// Command defaults to resolve.
	Command string `yaml:"command,omitempty"`

	// Cache names a fixture cache; CacheState synthesizes one instead.
	Cache      string `yaml:"cache,omitempty"`
	CacheState string `yaml:"cache_state,omitempty"`

	// Query names a query fixture. Text and Budget override its fields;
	// Budget is passed to the binary verbatim.
	Query  string  `yaml:"query,omitempty"`
	Text   *string `yaml:"text,omitempty"`
	Budget *string `yaml:"budget,omitempty"`

	// Documents names the source corpus of a build.
	Documents string `yaml:"documents,omitempty"`

	// Expected names an expected output compared under Policy.
	Expected string `yaml:"expected,omitempty"`
	Policy   string `yaml:"policy,omitempty"`

	// Kind validates stdout against a schema; "auto" classifies it.
	Kind string `yaml:"kind,omitempty"`

	// ExitCode is the required exit status; ExitCodes lists acceptable
	// alternatives. Both default to success.
	ExitCode  string   `yaml:"exit_code,omitempty"`
	ExitCodes []string `yaml:"exit_codes,omitempty"`

	Assert *Assertions `yaml:"assert,omitempty"`

	// Fields restricts a cross-version diff to these top-level fields.
	Fields []string `yaml:"fields,omitempty"`

	// AllowBreaking documents the exact breaking paths of an intentional
	// contract change.
	AllowBreaking []string `yaml:"allow_breaking,omitempty"`

	// Ignore lists manifest keys that may differ between two builds.
	Ignore []string `yaml:"ignore,omitempty"`
}

// Assertions are semantic checks on a selection or inspect output.
type Assertions struct {
	// Order is the exact list of selected document ids.
	Order []string `yaml:"order,omitempty"`

	EqualScores bool `yaml:"equal_scores,omitempty"`
	ZeroScores  bool `yaml:"zero_scores,omitempty"`
	Empty       bool `yaml:"empty,omitempty"`

	// Contains lists substrings of the raw output, e.g. `"score":0.75`.
	Contains []string `yaml:"contains,omitempty"`

	// Fields maps selector paths to their expected JSON values.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Positive lists selector paths whose numbers must be greater than 0.
	Positive []string `yaml:"positive,omitempty"`
}

// SessionSpec declares one protocol session. Its steps run in order on one
// server process.
type SessionSpec struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Steps       []StepSpec `yaml:"steps"`
}

// StepAction selects what a session step does.
type StepAction string

const (
	StepInitialize  StepAction = "initialize"
	StepToolsList   StepAction = "tools_list"
	StepToolCall    StepAction = "tool_call"
	StepMethodError StepAction = "method_error"
	StepStability   StepAction = "stability"
)

// StepSpec is one step of a session.
type StepSpec struct {
	Name string     `yaml:"name"`
	Do   StepAction `yaml:"do"`

	// ServerName is checked by initialize when set.
	ServerName string `yaml:"server_name,omitempty"`

	// Tools is the exact tool name list tools_list must return.
	Tools []string `yaml:"tools,omitempty"`

	Tool      string         `yaml:"tool,omitempty"`
	Arguments map[string]any `yaml:"arguments,omitempty"`

	// Method and RPCCode drive method_error.
	Method  string `yaml:"method,omitempty"`
	RPCCode int    `yaml:"rpc_code,omitempty"`

	Kind      string      `yaml:"kind,omitempty"`
	IsError   bool        `yaml:"is_error,omitempty"`
	ErrorCode string      `yaml:"error_code,omitempty"`
	Expected  string      `yaml:"expected,omitempty"`
	Assert    *Assertions `yaml:"assert,omitempty"`

	// Repeat is the number of identical calls a stability step sends.
	Repeat int `yaml:"repeat,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes a manifest, rejecting unknown fields.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse suite manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid suite manifest: %w", err)
	}
	return &m, nil
}

// Validate checks every case and session for completeness.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(m.Cases) == 0 && len(m.Sessions) == 0 {
		return fmt.Errorf("at least one case or session is required")
	}

	names := make(map[string]bool)
	for i := range m.Cases {
		c := &m.Cases[i]
		if err := validateCase(c); err != nil {
			return fmt.Errorf("cases[%d] (%s): %w", i, c.Name, err)
		}
		key := string(c.Type) + "/" + c.Name
		if names[key] {
			return fmt.Errorf("cases[%d]: duplicate case %s", i, key)
		}
		names[key] = true
	}
	for i := range m.Sessions {
		s := &m.Sessions[i]
		if err := validateSession(s); err != nil {
			return fmt.Errorf("sessions[%d] (%s): %w", i, s.Name, err)
		}
		key := "session/" + s.Name
		if names[key] {
			return fmt.Errorf("sessions[%d]: duplicate session %s", i, s.Name)
		}
		names[key] = true
	}
	return nil
}

func validateCase(c *CaseSpec) error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Command == "" {
		c.Command = CommandResolve
	}
	switch c.Command {
	case CommandResolve, CommandInspect, CommandBuild:
	default:
		return fmt.Errorf("unknown command %q", c.Command)
	}

	switch c.CacheState {
	case "", StateMissing, StateCorrupt, StateNoManifest, StateUnreadable:
	default:
		return fmt.Errorf("unknown cache_state %q", c.CacheState)
	}
	if c.Cache != "" && c.CacheState != "" {
		return fmt.Errorf("cache and cache_state are mutually exclusive")
	}

	if c.Policy != "" {
		if _, err := compare.ParseMode(c.Policy); err != nil {
			return err
		}
	}
	if c.Kind != "" && c.Kind != "auto" {
		if _, err := schema.ParseKind(c.Kind); err != nil {
			return err
		}
	}
	for _, name := range append([]string{c.ExitCode}, c.ExitCodes...) {
		if name == "" {
			continue
		}
		if _, err := target.ParseExitCode(name); err != nil {
			return err
		}
	}

	needsInput := func() error {
		if c.Command == CommandBuild {
			if c.Documents == "" {
				return fmt.Errorf("build needs documents")
			}
			return nil
		}
		if c.Cache == "" && c.CacheState == "" {
			return fmt.Errorf("cache or cache_state is required")
		}
		if c.Command == CommandResolve && c.Query == "" && (c.Text == nil || c.Budget == nil) {
			return fmt.Errorf("resolve needs a query fixture or both text and budget")
		}
		return nil
	}

	switch c.Type {
	case TypeDeterminism, TypeWorkdir:
		return needsInput()
	case TypeGolden:
		if c.Expected == "" {
			return fmt.Errorf("golden needs expected")
		}
		return needsInput()
	case TypeSchema:
		if c.Kind == "" {
			return fmt.Errorf("schema needs kind")
		}
		return needsInput()
	case TypeExitCode:
		if c.ExitCode == "" && len(c.ExitCodes) == 0 {
			return fmt.Errorf("exit_code needs exit_code or exit_codes")
		}
		return needsInput()
	case TypeAssert:
		if c.Assert == nil && c.Expected == "" {
			return fmt.Errorf("assert needs assert or expected")
		}
		return needsInput()
	case TypeBuildDeterminism:
		if c.Documents == "" {
			return fmt.Errorf("build_determinism needs documents")
		}
		return nil
	case TypeCrossVersion:
		return needsInput()
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown type %q", c.Type)
	}
}

func validateSession(s *SessionSpec) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	seen := make(map[string]bool)
	for i, step := range s.Steps {
		if step.Name == "" {
			return fmt.Errorf("steps[%d]: name is required", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("steps[%d]: duplicate step %q", i, step.Name)
		}
		seen[step.Name] = true
		if step.Kind != "" {
			if _, err := schema.ParseKind(step.Kind); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}

		switch step.Do {
		case StepInitialize, StepToolsList:
		case StepToolCall:
			if step.Tool == "" {
				return fmt.Errorf("steps[%d]: tool_call needs tool", i)
			}
		case StepMethodError:
			if step.Method == "" || step.RPCCode == 0 {
				return fmt.Errorf("steps[%d]: method_error needs method and rpc_code", i)
			}
		case StepStability:
			if step.Tool == "" {
				return fmt.Errorf("steps[%d]: stability needs tool", i)
			}
			if step.Repeat < 2 {
				return fmt.Errorf("steps[%d]: stability needs repeat >= 2", i)
			}
		case "":
			return fmt.Errorf("steps[%d]: do is required", i)
		default:
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Do)
		}
	}
	return nil
}
