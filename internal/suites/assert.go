package suites

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/context-compat/internal/compare"
	"github.com/roach88/context-compat/internal/harness"
	"github.com/roach88/context-compat/internal/schema"
)

// selected is the id and score of one selected document.
type selected struct {
	id    string
	score float64
}

// checkAssertions evaluates a on doc. A nil a passes.
func checkAssertions(env *harness.Env, doc []byte, a *Assertions) error {
	if a == nil {
		return nil
	}

	for _, s := range a.Contains {
		if !bytes.Contains(doc, []byte(s)) {
			return &harness.AssertionError{
				Check:    "raw output",
				Expected: "to contain " + s,
				Actual:   excerpt(doc),
			}
		}
	}

	if len(a.Order) > 0 || a.EqualScores || a.ZeroScores || a.Empty {
		docs, err := documents(env, doc)
		if err != nil {
			return err
		}
		if err := checkDocuments(docs, a); err != nil {
			return err
		}
	}

	paths := make([]string, 0, len(a.Fields))
	for p := range a.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := checkField(env, doc, p, a.Fields[p]); err != nil {
			return err
		}
	}

	for _, p := range a.Positive {
		n, err := number(env, doc, p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return &harness.AssertionError{Check: "field " + p, Expected: "> 0", Actual: fmt.Sprint(n)}
		}
	}
	return nil
}

func checkDocuments(docs []selected, a *Assertions) error {
	if a.Empty && len(docs) > 0 {
		return &harness.AssertionError{Check: "documents", Expected: "empty", Actual: fmt.Sprintf("%d selected", len(docs))}
	}

	if len(a.Order) > 0 {
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.id
		}
		if strings.Join(ids, ",") != strings.Join(a.Order, ",") {
			return &harness.AssertionError{
				Check:    "document order",
				Expected: strings.Join(a.Order, ", "),
				Actual:   strings.Join(ids, ", "),
			}
		}
	}

	if a.EqualScores {
		for _, d := range docs[min(1, len(docs)):] {
			if d.score != docs[0].score {
				return &harness.AssertionError{
					Check:    "equal scores",
					Expected: fmt.Sprintf("%s score %v", d.id, docs[0].score),
					Actual:   fmt.Sprint(d.score),
				}
			}
		}
	}

	if a.ZeroScores {
		for _, d := range docs {
			if d.score != 0 {
				return &harness.AssertionError{Check: "zero scores", Expected: d.id + " score 0", Actual: fmt.Sprint(d.score)}
			}
		}
	}
	return nil
}

// documents extracts the selected documents of a selection output.
func documents(env *harness.Env, doc []byte) ([]selected, error) {
	raw, err := env.Validator.Lookup(doc, "documents")
	if err != nil {
		return nil, lookupFailure("documents", err)
	}
	v, err := compare.Decode(raw)
	if err != nil {
		return nil, &compare.ParseError{Side: "actual", Err: err}
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &harness.AssertionError{Check: "documents", Expected: "array", Actual: compare.TypeName(v)}
	}

	docs := make([]selected, 0, len(list))
	for i, e := range list {
		obj, ok := e.(map[string]any)
		if !ok {
			return nil, &harness.AssertionError{Check: fmt.Sprintf("documents[%d]", i), Expected: "object", Actual: compare.TypeName(e)}
		}
		id, _ := obj["id"].(string)
		score, ok := obj["score"].(json.Number)
		if !ok {
			return nil, &harness.AssertionError{Check: fmt.Sprintf("documents[%d].score", i), Expected: "number", Actual: compare.TypeName(obj["score"])}
		}
		f, err := score.Float64()
		if err != nil {
			return nil, fmt.Errorf("documents[%d].score: %w", i, err)
		}
		docs = append(docs, selected{id: id, score: f})
	}
	return docs, nil
}

func checkField(env *harness.Env, doc []byte, path string, want any) error {
	raw, err := env.Validator.Lookup(doc, path)
	if err != nil {
		return lookupFailure(path, err)
	}
	expected, err := json.Marshal(want)
	if err != nil {
		return fmt.Errorf("field %s: encode expected value: %w", path, err)
	}
	report, err := compare.Diff(raw, expected, compare.Tolerant())
	if err != nil {
		return err
	}
	if report.HasBreaking() {
		return &harness.AssertionError{Check: "field " + path, Expected: string(expected), Actual: string(raw)}
	}
	return nil
}

func number(env *harness.Env, doc []byte, path string) (float64, error) {
	raw, err := env.Validator.Lookup(doc, path)
	if err != nil {
		return 0, lookupFailure(path, err)
	}
	v, err := compare.Decode(raw)
	if err != nil {
		return 0, &compare.ParseError{Side: "actual", Err: err}
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, &harness.AssertionError{Check: "field " + path, Expected: "number", Actual: compare.TypeName(v)}
	}
	return n.Float64()
}

func lookupFailure(path string, err error) error {
	if errors.Is(err, schema.ErrNoValue) {
		return &harness.AssertionError{Check: "field " + path, Expected: "present", Actual: "absent"}
	}
	return &harness.AssertionError{Check: "field " + path, Expected: "readable JSON", Actual: err.Error()}
}

func excerpt(doc []byte) string {
	const limit = 200
	s := string(bytes.TrimSpace(doc))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
