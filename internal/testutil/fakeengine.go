package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// The fake engine is a small, deterministic stand-in for the real context
// engine. It implements the v0 output contract closely enough for the
// harness's own tests to run every suite type against real subprocesses.

// Exit codes of the fake engine. They mirror the frozen v0 table.
const (
	fakeExitOK            = 0
	fakeExitUsage         = 1
	fakeExitInvalidQuery  = 2
	fakeExitInvalidBudget = 3
	fakeExitCacheMissing  = 4
	fakeExitCacheInvalid  = 5
	fakeExitIO            = 6
)

var fakeErrorCodes = map[int]string{
	fakeExitUsage:         "usage",
	fakeExitInvalidQuery:  "invalid_query",
	fakeExitInvalidBudget: "invalid_budget",
	fakeExitCacheMissing:  "cache_missing",
	fakeExitCacheInvalid:  "cache_invalid",
	fakeExitIO:            "io_error",
	7:                     "internal_error",
}

// FakeCacheVersion is the cache format version written by the fake engine.
const FakeCacheVersion = "v0"

type fakeManifest struct {
	CacheVersion  string            `json:"cache_version"`
	BuildConfig   map[string]string `json:"build_config"`
	CreatedAt     string            `json:"created_at"`
	DocumentCount int               `json:"document_count"`
	Documents     []fakeManifestDoc `json:"documents"`
}

type fakeManifestDoc struct {
	ID     string `json:"id"`
	File   string `json:"file"`
	Tokens int    `json:"tokens"`
}

type fakeScore float32

// MarshalJSON renders the shortest float32 representation, always with a
// fractional part ("0.0", "1.0", "0.33333334").
func (s fakeScore) MarshalJSON() ([]byte, error) {
	out := strconv.FormatFloat(float64(s), 'f', -1, 32)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return []byte(out), nil
}

type fakeDoc struct {
	ID      string    `json:"id"`
	Score   fakeScore `json:"score"`
	Tokens  int       `json:"tokens"`
	Content string    `json:"content"`
}

type fakeSelection struct {
	Query                     string `json:"query"`
	Budget                    int64  `json:"budget"`
	TokensUsed                int    `json:"tokens_used"`
	DocumentsConsidered       int    `json:"documents_considered"`
	DocumentsSelected         int    `json:"documents_selected"`
	DocumentsExcludedByBudget int    `json:"documents_excluded_by_budget"`
}

type fakeResult struct {
	CacheVersion string        `json:"cache_version"`
	Documents    []fakeDoc     `json:"documents"`
	Selection    fakeSelection `json:"selection"`
	Engine       string        `json:"engine,omitempty"`
}

type fakeInspect struct {
	CacheVersion  *string  `json:"cache_version"`
	Valid         bool     `json:"valid"`
	DocumentCount int      `json:"document_count"`
	Documents     []string `json:"documents,omitempty"`
	CreatedAt     string   `json:"created_at,omitempty"`
	Errors        []string `json:"errors"`
}

type fakeErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type fakeEnvelope struct {
	Status   string        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Error    fakeErrorBody `json:"error"`
}

// engineError carries an exit code and the message the fake prints.
type engineError struct {
	code int
	msg  string
}

func (e *engineError) Error() string { return e.msg }

// Variant tweaks fake output so tests can simulate engine drift.
type Variant struct {
	// ScoreShift is added to every non-zero score.
	ScoreShift float64

	// ExtraField adds an "engine" field to resolve output.
	ExtraField bool

	// ReverseOrder reverses the ranked document list.
	ReverseOrder bool

	// Nondeterministic appends a changing nonce to every document content.
	Nondeterministic bool
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// FakeBuild builds a cache directory from a directory of source documents.
func FakeBuild(sources, cache string, force bool) error {
	entries, err := os.ReadDir(sources)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &engineError{code: fakeExitUsage, msg: "sources directory does not exist"}
		}
		return &engineError{code: fakeExitIO, msg: err.Error()}
	}
	if _, err := os.Stat(filepath.Join(cache, "manifest.json")); err == nil && !force {
		return &engineError{code: fakeExitUsage, msg: "cache already exists (use --force)"}
	}
	if err := os.MkdirAll(filepath.Join(cache, "docs"), 0o755); err != nil {
		return &engineError{code: fakeExitIO, msg: err.Error()}
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	manifest := fakeManifest{
		CacheVersion: FakeCacheVersion,
		BuildConfig:  map[string]string{"tokenizer": "words", "scoring": "term_ratio"},
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	index := make(map[string][]string)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(sources, name))
		if err != nil {
			return &engineError{code: fakeExitIO, msg: err.Error()}
		}
		words := tokenize(string(data))
		rel := filepath.ToSlash(filepath.Join("docs", name))
		if err := os.WriteFile(filepath.Join(cache, rel), data, 0o644); err != nil {
			return &engineError{code: fakeExitIO, msg: err.Error()}
		}
		manifest.Documents = append(manifest.Documents, fakeManifestDoc{ID: name, File: rel, Tokens: len(words)})
		seen := make(map[string]bool)
		for _, w := range words {
			if !seen[w] {
				index[w] = append(index[w], name)
				seen[w] = true
			}
		}
	}
	manifest.DocumentCount = len(manifest.Documents)

	if err := writeJSON(filepath.Join(cache, "index.json"), index); err != nil {
		return &engineError{code: fakeExitIO, msg: err.Error()}
	}
	if err := writeJSON(filepath.Join(cache, "manifest.json"), manifest); err != nil {
		return &engineError{code: fakeExitIO, msg: err.Error()}
	}
	return nil
}

func writeJSON(path string, v any) error {
	// encoding/json sorts map keys, so index.json is byte-stable.
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func loadManifest(cache string) (*fakeManifest, error) {
	info, err := os.Stat(cache)
	if err != nil || !info.IsDir() {
		return nil, &engineError{code: fakeExitCacheMissing, msg: "Cache does not exist"}
	}
	data, err := os.ReadFile(filepath.Join(cache, "manifest.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &engineError{code: fakeExitCacheInvalid, msg: "cache manifest is missing"}
		}
		return nil, &engineError{code: fakeExitIO, msg: "cannot read cache manifest"}
	}
	var m fakeManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &engineError{code: fakeExitCacheInvalid, msg: "cache manifest is not valid JSON"}
	}
	if m.CacheVersion != FakeCacheVersion {
		return nil, &engineError{code: fakeExitCacheInvalid, msg: fmt.Sprintf("unsupported cache version %q", m.CacheVersion)}
	}
	return &m, nil
}

// FakeResolve ranks the cached documents against query and selects them
// within budget. budgetArg is parsed the way a CLI flag would be.
func FakeResolve(cache, query, budgetArg string, v Variant) ([]byte, error) {
	budget, err := strconv.ParseInt(budgetArg, 10, 64)
	if err != nil || budget < 0 {
		return nil, &engineError{code: fakeExitInvalidBudget, msg: fmt.Sprintf("invalid budget %q", budgetArg)}
	}
	if strings.ContainsRune(query, 0) {
		return nil, &engineError{code: fakeExitInvalidQuery, msg: "query contains NUL"}
	}
	m, err := loadManifest(cache)
	if err != nil {
		return nil, err
	}

	terms := make(map[string]bool)
	for _, t := range tokenize(query) {
		terms[t] = true
	}

	docs := make([]fakeDoc, 0, len(m.Documents))
	for _, md := range m.Documents {
		data, err := os.ReadFile(filepath.Join(cache, filepath.FromSlash(md.File)))
		if err != nil {
			return nil, &engineError{code: fakeExitCacheInvalid, msg: fmt.Sprintf("missing document %s", md.ID)}
		}
		words := tokenize(string(data))
		matches := 0
		for _, w := range words {
			if terms[w] {
				matches++
			}
		}
		var score float32
		if len(words) > 0 {
			score = float32(matches) / float32(len(words))
		}
		if score > 0 && v.ScoreShift != 0 {
			score = float32(float64(score) + v.ScoreShift)
		}
		content := strings.TrimSpace(string(data))
		if v.Nondeterministic {
			content += fmt.Sprintf(" #%d", time.Now().UnixNano())
		}
		docs = append(docs, fakeDoc{ID: md.ID, Score: fakeScore(score), Tokens: len(words), Content: content})
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
	if v.ReverseOrder {
		for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
	}

	res := fakeResult{
		CacheVersion: m.CacheVersion,
		Documents:    []fakeDoc{},
		Selection: fakeSelection{
			Query:               query,
			Budget:              budget,
			DocumentsConsidered: len(docs),
		},
	}
	for _, d := range docs {
		if budget > 0 && int64(res.Selection.TokensUsed+d.Tokens) <= budget {
			res.Documents = append(res.Documents, d)
			res.Selection.TokensUsed += d.Tokens
			continue
		}
		res.Selection.DocumentsExcludedByBudget++
	}
	res.Selection.DocumentsSelected = len(res.Documents)
	if v.ExtraField {
		res.Engine = "fake"
	}
	return json.Marshal(res)
}

// FakeInspect reports cache metadata. A corrupt manifest is reported as
// valid=false rather than as an error; a missing cache is an error.
func FakeInspect(cache string) ([]byte, error) {
	m, err := loadManifest(cache)
	if err != nil {
		var ee *engineError
		if errors.As(err, &ee) && ee.code == fakeExitCacheInvalid {
			return json.Marshal(fakeInspect{Valid: false, Errors: []string{ee.msg}})
		}
		return nil, err
	}
	out := fakeInspect{
		CacheVersion:  &m.CacheVersion,
		Valid:         true,
		DocumentCount: m.DocumentCount,
		CreatedAt:     m.CreatedAt,
		Errors:        []string{},
	}
	for _, d := range m.Documents {
		out.Documents = append(out.Documents, d.ID)
	}
	return json.Marshal(out)
}

func errorEnvelope(code int, msg string) []byte {
	data, _ := json.Marshal(fakeEnvelope{
		Status:   "error",
		ExitCode: code,
		Error:    fakeErrorBody{Code: fakeErrorCodes[code], Message: msg},
	})
	return data
}
