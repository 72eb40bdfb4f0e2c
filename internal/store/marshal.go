package store

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/context-compat/internal/canon"
	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/harness"
	"github.com/roach88/context-compat/internal/schema"
)

// details is the blob stored with each outcome.
type details struct {
	Diff          *compare.Report    `msgpack:"diff,omitempty"`
	Violations    []schema.Violation `msgpack:"violations,omitempty"`
	Informational []compare.Entry    `msgpack:"informational,omitempty"`
}

// marshalDetails encodes the details of o, or nil when it has none.
func marshalDetails(o harness.Outcome) ([]byte, error) {
	if o.Diff == nil && len(o.Violations) == 0 && len(o.Informational) == 0 {
		return nil, nil
	}
	data, err := msgpack.Marshal(details{Diff: o.Diff, Violations: o.Violations, Informational: o.Informational})
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return data, nil
}

// unmarshalDetails decodes a details blob into o. Numbers held by diff
// entries come back as their literal text.
func unmarshalDetails(data []byte, o *harness.Outcome) error {
	if len(data) == 0 {
		return nil
	}
	var d details
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("unmarshal details: %w", err)
	}
	o.Diff, o.Violations, o.Informational = d.Diff, d.Violations, d.Informational
	return nil
}

// fingerprint identifies the result set of a report independent of run id,
// timing and reasons.
func fingerprint(r *harness.SuiteReport) (string, error) {
	results := make([]any, len(r.Outcomes))
	for i, o := range r.Outcomes {
		results[i] = map[string]any{
			"case":     o.Name(),
			"status":   string(o.Status),
			"category": string(o.Category),
		}
	}
	data, err := canon.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return canon.Fingerprint(data)
}
