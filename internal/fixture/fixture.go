// Package fixture resolves versioned fixture sets.
//
// A fixture root holds one directory per contract version:
//
//	<root>/<version>/
//	  documents/<name>/      source documents
//	  caches/<name>/         prebuilt caches
//	  queries/<name>.json    query specs
//	  expected/<name>.json   golden outputs, stored verbatim
//	  schemas/<kind>.schema.json
//	  suite.yaml             case manifest
//	  checksums.sha256       seal over everything above
//
// Fixture sets are read-only. Nothing in this package writes to a version
// directory except Seal.
package fixture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ContractVersion names a frozen fixture generation, e.g. "v0".
type ContractVersion string

var versionPattern = regexp.MustCompile(`^v[0-9]+$`)

// ParseVersion validates a contract version tag.
func ParseVersion(s string) (ContractVersion, error) {
	if !versionPattern.MatchString(s) {
		return "", fmt.Errorf("invalid contract version %q (want v<N>)", s)
	}
	return ContractVersion(s), nil
}

// Layout names inside a version directory.
const (
	DocumentsDir  = "documents"
	CachesDir     = "caches"
	QueriesDir    = "queries"
	ExpectedDir   = "expected"
	SchemasDir    = "schemas"
	SuiteFile     = "suite.yaml"
	ChecksumsFile = "checksums.sha256"
)

// Repository is a fixture root on disk.
type Repository struct {
	root string
}

// Open returns the repository at root. The directory must exist.
func Open(root string) (*Repository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve fixture root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open fixture root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fixture root %s is not a directory", abs)
	}
	return &Repository{root: abs}, nil
}

// Root returns the absolute fixture root.
func (r *Repository) Root() string {
	return r.root
}

// FS returns the fixture root as a file system.
func (r *Repository) FS() fs.FS {
	return os.DirFS(r.root)
}

// Versions lists the contract versions present, oldest first.
func (r *Repository) Versions() ([]ContractVersion, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("list contract versions: %w", err)
	}
	var out []ContractVersion
	for _, e := range entries {
		if e.IsDir() && versionPattern.MatchString(e.Name()) {
			out = append(out, ContractVersion(e.Name()))
		}
	}
	sort.Slice(out, func(i, j int) bool { return versionNumber(out[i]) < versionNumber(out[j]) })
	return out, nil
}

func versionNumber(v ContractVersion) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(string(v), "v"))
	return n
}

// Set resolves the fixture set of one contract version.
func (r *Repository) Set(v ContractVersion) (*Set, error) {
	if _, err := ParseVersion(string(v)); err != nil {
		return nil, err
	}
	dir := filepath.Join(r.root, string(v))
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("contract version %s not found under %s", v, r.root)
		}
		return nil, fmt.Errorf("open contract version %s: %w", v, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("contract version %s is not a directory", v)
	}
	return &Set{Version: v, Dir: dir}, nil
}

// Set is the fixture set of one contract version.
type Set struct {
	Version ContractVersion
	Dir     string
}

// DocumentsPath returns the source document directory of a named corpus.
func (s *Set) DocumentsPath(name string) string {
	return filepath.Join(s.Dir, DocumentsDir, name)
}

// CachePath returns the prebuilt cache directory of a named corpus.
func (s *Set) CachePath(name string) string {
	return filepath.Join(s.Dir, CachesDir, name)
}

// CachesRoot returns the directory holding every prebuilt cache.
func (s *Set) CachesRoot() string {
	return filepath.Join(s.Dir, CachesDir)
}

// QueryPath returns the path of a query spec.
func (s *Set) QueryPath(name string) string {
	return filepath.Join(s.Dir, QueriesDir, name+".json")
}

// ExpectedPath returns the path of a golden output.
func (s *Set) ExpectedPath(name string) string {
	return filepath.Join(s.Dir, ExpectedDir, name+".json")
}

// SchemaPath returns the path of the schema for an output kind.
func (s *Set) SchemaPath(kind string) string {
	return filepath.Join(s.Dir, SchemasDir, kind+".schema.json")
}

// SuitePath returns the path of the case manifest.
func (s *Set) SuitePath() string {
	return filepath.Join(s.Dir, SuiteFile)
}

// Expected reads a golden output verbatim.
func (s *Set) Expected(name string) ([]byte, error) {
	data, err := os.ReadFile(s.ExpectedPath(name))
	if err != nil {
		return nil, fmt.Errorf("read expected output %s: %w", name, err)
	}
	return data, nil
}

// Query reads and strictly decodes a query spec.
func (s *Set) Query(name string) (QuerySpec, error) {
	data, err := os.ReadFile(s.QueryPath(name))
	if err != nil {
		return QuerySpec{}, fmt.Errorf("read query %s: %w", name, err)
	}
	q, err := ParseQuery(data)
	if err != nil {
		return QuerySpec{}, fmt.Errorf("query %s: %w", name, err)
	}
	return q, nil
}

// Queries lists the query spec names.
func (s *Set) Queries() ([]string, error) {
	return s.list(QueriesDir, ".json", false)
}

// Caches lists the prebuilt cache names.
func (s *Set) Caches() ([]string, error) {
	return s.list(CachesDir, "", true)
}

// Corpora lists the source document directory names.
func (s *Set) Corpora() ([]string, error) {
	return s.list(DocumentsDir, "", true)
}

// ExpectedOutputs lists the golden output names.
func (s *Set) ExpectedOutputs() ([]string, error) {
	return s.list(ExpectedDir, ".json", false)
}

func (s *Set) list(sub, suffix string, dirs bool) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Dir, sub))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", sub, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() != dirs {
			continue
		}
		name := e.Name()
		if suffix != "" {
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			name = strings.TrimSuffix(name, suffix)
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// QuerySpec is one query fixture. Budget is passed to the binary verbatim;
// rejecting a bad budget is the binary's job, not the harness's.
type QuerySpec struct {
	Query  string `json:"query" yaml:"query"`
	Budget int64  `json:"budget" yaml:"budget"`
}

// BudgetArg renders the budget as a command-line argument.
func (q QuerySpec) BudgetArg() string {
	return strconv.FormatInt(q.Budget, 10)
}

// ParseQuery decodes a query spec. Both fields are required, unknown
// fields are rejected and the budget must be an integer.
func ParseQuery(data []byte) (QuerySpec, error) {
	var raw struct {
		Query  *string      `json:"query"`
		Budget *json.Number `json:"budget"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return QuerySpec{}, fmt.Errorf("decode query spec: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return QuerySpec{}, errors.New("decode query spec: unexpected data after JSON object")
	}
	if raw.Query == nil {
		return QuerySpec{}, errors.New("query spec is missing \"query\"")
	}
	if raw.Budget == nil {
		return QuerySpec{}, errors.New("query spec is missing \"budget\"")
	}
	budget, err := strconv.ParseInt(raw.Budget.String(), 10, 64)
	if err != nil {
		return QuerySpec{}, fmt.Errorf("budget %s is not an integer", raw.Budget.String())
	}
	return QuerySpec{Query: *raw.Query, Budget: budget}, nil
}
