// Package suites turns the suite.yaml of a contract version into harness
// groups.
//
// Every CLI case becomes a group of one named after its type, so a report
// reads "golden/minimal_basic" or "exit_code/missing_cache". Every protocol
// session becomes one group, "session/<name>", whose steps share a single
// server process and run in order. A fixture integrity group verifies the
// set's checksums before anything else is trusted.
package suites

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/roach88/context-compat/internal/fixture"
	"github.com/roach88/context-compat/internal/harness"
)

// Build returns the groups of m.
func Build(m *Manifest) []harness.Group {
	groups := []harness.Group{integrityGroup()}
	for _, c := range m.Cases {
		groups = append(groups, harness.Group{
			Name:     string(c.Type),
			Requires: []harness.Target{harness.TargetCLI},
			Cases:    []harness.Case{cliCase(c)},
		})
	}
	for _, s := range m.Sessions {
		groups = append(groups, sessionGroup(s))
	}
	return groups
}

// ForSet loads the manifest of set and builds its groups.
func ForSet(set *fixture.Set) ([]harness.Group, error) {
	m, err := Load(set.SuitePath())
	if err != nil {
		return nil, err
	}
	if m.Version != string(set.Version) {
		return nil, fmt.Errorf("suite manifest is for %s, fixture set is %s", m.Version, set.Version)
	}
	return Build(m), nil
}

func integrityGroup() harness.Group {
	return harness.Group{
		Name: "fixtures",
		Cases: []harness.Case{{
			Name: "checksums",
			Run: func(_ context.Context, env *harness.Env) error {
				if env.Fixtures == nil {
					return harness.Skip("no fixture set")
				}
				err := env.Fixtures.Verify()
				if errors.Is(err, fixture.ErrNotSealed) {
					return harness.Skip("fixture set %s is not sealed", env.Fixtures.Version)
				}
				return err
			},
		}},
	}
}

// Filter returns a case filter for a glob. The glob is matched against
// "group/case" and against the group name alone, so "golden/*" selects
// every golden case and "session/*" every session.
func Filter(pattern string) (func(group, name string) bool, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
	}
	return func(group, name string) bool {
		if ok, _ := path.Match(pattern, group+"/"+name); ok {
			return true
		}
		ok, _ := path.Match(pattern, group)
		return ok
	}, nil
}
