package schema

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	cuejson "cuelang.org/go/encoding/json"
)

// ErrNoValue is returned by Lookup when a path selects nothing.
var ErrNoValue = errors.New("no value at path")

// Lookup returns the JSON encoding of the value at path in doc. Paths use
// CUE selector syntax: "selection.documents_selected", "documents[0].id",
// or a quoted label for keys that are not identifiers.
func (v *Validator) Lookup(doc []byte, path string) ([]byte, error) {
	p := cue.ParsePath(path)
	if err := p.Err(); err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	expr, err := cuejson.Extract("output", doc)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	val := v.ctx.BuildExpr(expr)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	field := val.LookupPath(p)
	if !field.Exists() {
		return nil, fmt.Errorf("%s: %w", path, ErrNoValue)
	}
	return field.MarshalJSON()
}
