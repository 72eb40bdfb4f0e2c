package fixture

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotSealed is returned by Verify when a version has no checksums file.
var ErrNotSealed = errors.New("fixture set has no " + ChecksumsFile)

// TamperError reports a fixture set that no longer matches its seal.
type TamperError struct {
	Version  ContractVersion
	Modified []string
	Missing  []string
	Unlisted []string
}

func (e *TamperError) Error() string {
	var parts []string
	if len(e.Modified) > 0 {
		parts = append(parts, "modified: "+strings.Join(e.Modified, ", "))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unlisted) > 0 {
		parts = append(parts, "not in seal: "+strings.Join(e.Unlisted, ", "))
	}
	return fmt.Sprintf("contract %s fixtures changed since they were sealed (%s); publish a new contract version instead",
		e.Version, strings.Join(parts, "; "))
}

// Checksums maps slash-separated paths, relative to a version directory, to
// hex SHA-256 digests.
type Checksums map[string]string

// Compute hashes every file under dir except the checksums file itself.
func Compute(dir string) (Checksums, error) {
	sums := make(Checksums)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ChecksumsFile {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		sums[rel] = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hash fixtures: %w", err)
	}
	return sums, nil
}

// Marshal renders sums in sha256sum format, sorted by path.
func (c Checksums) Marshal() []byte {
	paths := make([]string, 0, len(c))
	for p := range c {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	for _, p := range paths {
		fmt.Fprintf(&buf, "%s  %s\n", c[p], p)
	}
	return buf.Bytes()
}

// ParseChecksums reads sha256sum format.
func ParseChecksums(data []byte) (Checksums, error) {
	sums := make(Checksums)
	sc := bufio.NewScanner(bytes.NewReader(data))
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sum, path, ok := strings.Cut(line, "  ")
		if !ok || len(sum) != sha256.Size*2 {
			return nil, fmt.Errorf("%s line %d: malformed entry", ChecksumsFile, n)
		}
		if _, err := hex.DecodeString(sum); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", ChecksumsFile, n, err)
		}
		sums[strings.TrimPrefix(path, "*")] = strings.ToLower(sum)
	}
	return sums, sc.Err()
}

// Seal writes the checksums file for dir.
func Seal(dir string) error {
	sums, err := Compute(dir)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ChecksumsFile), sums.Marshal(), 0o644)
}

// Verify checks the set against its seal. It returns ErrNotSealed when
// there is no checksums file and a *TamperError on any difference.
func (s *Set) Verify() error {
	data, err := os.ReadFile(filepath.Join(s.Dir, ChecksumsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotSealed
		}
		return fmt.Errorf("read seal: %w", err)
	}
	want, err := ParseChecksums(data)
	if err != nil {
		return err
	}
	got, err := Compute(s.Dir)
	if err != nil {
		return err
	}

	te := &TamperError{Version: s.Version}
	for p, sum := range want {
		actual, ok := got[p]
		switch {
		case !ok:
			te.Missing = append(te.Missing, p)
		case actual != sum:
			te.Modified = append(te.Modified, p)
		}
	}
	for p := range got {
		if _, ok := want[p]; !ok {
			te.Unlisted = append(te.Unlisted, p)
		}
	}
	if len(te.Modified)+len(te.Missing)+len(te.Unlisted) == 0 {
		return nil
	}
	sort.Strings(te.Modified)
	sort.Strings(te.Missing)
	sort.Strings(te.Unlisted)
	return te
}
