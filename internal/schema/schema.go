// Package schema validates machine-readable outputs against the frozen JSON
// Schemas that ship with each contract version.
//
// Schemas are compiled through CUE's JSON Schema decoder and documents are
// checked by unification. Validation fails closed: a document that is not
// JSON is a violation, never a skip.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
	"cuelang.org/go/encoding/jsonschema"
)

// Kind names one documented output shape.
type Kind string

const (
	KindSelectionResult Kind = "selection_result"
	KindInspectOutput   Kind = "inspect_output"
	KindErrorEnvelope   Kind = "error_envelope"
	KindMCPError        Kind = "mcp_error"
)

// Kinds lists every output kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindSelectionResult, KindInspectOutput, KindErrorEnvelope, KindMCPError}
}

// ParseKind validates an output kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown output kind %q", s)
}

// Key selects a schema.
type Key struct {
	Version string
	Kind    Kind
}

func (k Key) String() string {
	return k.Version + "/" + string(k.Kind)
}

// File returns the schema file path of k relative to the fixture root.
func (k Key) File() string {
	return path.Join(k.Version, "schemas", string(k.Kind)+".schema.json")
}

// Violation is one way a document fails its schema.
type Violation struct {
	Path    string `json:"path" msgpack:"path" yaml:"path"`
	Message string `json:"message" msgpack:"message" yaml:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// ViolationError reports a document that does not conform to its schema.
type ViolationError struct {
	Key        Key
	Violations []Violation
}

func (e *ViolationError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("document does not conform to %s", e.Key)
	}
	return fmt.Sprintf("document does not conform to %s: %d violation(s), first: %s",
		e.Key, len(e.Violations), e.Violations[0])
}

// IsViolation reports whether err is (or wraps) a ViolationError.
func IsViolation(err error) bool {
	var ve *ViolationError
	return errors.As(err, &ve)
}

// Validator compiles schemas from a fixture tree on first use.
// It is safe for concurrent use.
type Validator struct {
	source fs.FS

	mu       sync.Mutex
	ctx      *cue.Context
	compiled map[Key]cue.Value
}

// NewValidator returns a validator reading schemas from source, which is
// rooted at the directory holding the contract version directories.
func NewValidator(source fs.FS) *Validator {
	return &Validator{
		source:   source,
		ctx:      cuecontext.New(),
		compiled: make(map[Key]cue.Value),
	}
}

// Validate checks doc against the schema for key. It returns nil, a
// *ViolationError, or an error when the schema itself cannot be loaded.
func (v *Validator) Validate(doc []byte, key Key) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.load(key)
	if err != nil {
		return err
	}
	return v.check(doc, key, s)
}

// Classify returns the single kind whose schema doc satisfies. A document
// matching no kind, or more than one, is a *ViolationError.
func (v *Validator) Classify(doc []byte, version string) (Kind, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		matched []Kind
		all     []Violation
	)
	for _, kind := range Kinds() {
		key := Key{Version: version, Kind: kind}
		s, err := v.load(key)
		if err != nil {
			return "", err
		}
		err = v.check(doc, key, s)
		var ve *ViolationError
		switch {
		case err == nil:
			matched = append(matched, kind)
		case errors.As(err, &ve):
			for _, viol := range ve.Violations {
				all = append(all, Violation{Path: viol.Path, Message: string(kind) + ": " + viol.Message})
			}
		default:
			return "", err
		}
	}

	switch len(matched) {
	case 1:
		return matched[0], nil
	case 0:
		return "", &ViolationError{Key: Key{Version: version, Kind: "any"}, Violations: all}
	default:
		names := make([]string, len(matched))
		for i, k := range matched {
			names[i] = string(k)
		}
		return "", &ViolationError{
			Key:        Key{Version: version, Kind: "any"},
			Violations: []Violation{{Path: "$", Message: "document matches more than one schema: " + strings.Join(names, ", ")}},
		}
	}
}

func (v *Validator) load(key Key) (cue.Value, error) {
	if s, ok := v.compiled[key]; ok {
		return s, nil
	}

	data, err := fs.ReadFile(v.source, key.File())
	if err != nil {
		return cue.Value{}, fmt.Errorf("load schema %s: %w", key, err)
	}
	raw := v.ctx.CompileBytes(data, cue.Filename(key.File()))
	if err := raw.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("parse schema %s: %w", key, err)
	}
	f, err := jsonschema.Extract(raw, &jsonschema.Config{})
	if err != nil {
		return cue.Value{}, fmt.Errorf("decode schema %s: %w", key, err)
	}
	s := v.ctx.BuildFile(f)
	if err := s.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("build schema %s: %w", key, err)
	}

	v.compiled[key] = s
	return s, nil
}

func (v *Validator) check(doc []byte, key Key, s cue.Value) error {
	if !json.Valid(doc) {
		return &ViolationError{Key: key, Violations: []Violation{{Path: "$", Message: "document is not valid JSON"}}}
	}
	expr, err := cuejson.Extract("output", doc)
	if err != nil {
		return &ViolationError{Key: key, Violations: []Violation{{Path: "$", Message: err.Error()}}}
	}
	data := v.ctx.BuildExpr(expr)
	if err := data.Err(); err != nil {
		return &ViolationError{Key: key, Violations: []Violation{{Path: "$", Message: err.Error()}}}
	}

	err = s.Unify(data).Validate(cue.Concrete(true), cue.Final())
	if err == nil {
		return nil
	}
	return &ViolationError{Key: key, Violations: violations(err)}
}

// violations flattens a CUE error list into sorted, de-duplicated entries.
func violations(err error) []Violation {
	seen := make(map[Violation]bool)
	var out []Violation
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		viol := Violation{Path: jsonPath(e.Path()), Message: fmt.Sprintf(format, args...)}
		if !seen[viol] {
			seen[viol] = true
			out = append(out, viol)
		}
	}
	if len(out) == 0 {
		out = append(out, Violation{Path: "$", Message: err.Error()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// jsonPath renders a CUE selector path as "$.a.b[0]".
func jsonPath(sels []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range sels {
		if s != "" && strings.Trim(s, "0123456789") == "" {
			b.WriteString("[" + s + "]")
			continue
		}
		b.WriteString("." + strings.Trim(s, `"`))
	}
	return b.String()
}
