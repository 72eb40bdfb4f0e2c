package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/context-compat/internal/fixture"
)

// Seal states of a fixture set.
const (
	sealOK       = "sealed"
	sealMissing  = "unsealed"
	sealTampered = "tampered"
)

// FixtureSetInfo summarizes one contract version.
type FixtureSetInfo struct {
	Version   string   `json:"version" yaml:"version"`
	Dir       string   `json:"dir" yaml:"dir"`
	Corpora   []string `json:"corpora" yaml:"corpora"`
	Caches    []string `json:"caches" yaml:"caches"`
	Queries   []string `json:"queries" yaml:"queries"`
	Expected  []string `json:"expected" yaml:"expected"`
	Seal      string   `json:"seal" yaml:"seal"`
	SealError string   `json:"seal_error,omitempty" yaml:"seal_error,omitempty"`
}

// NewFixturesCommand creates the fixtures command group.
func NewFixturesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixtures",
		Short: "Inspect the frozen fixture contracts",
	}
	cmd.AddCommand(newFixturesListCommand(rootOpts))
	cmd.AddCommand(newFixturesVerifyCommand(rootOpts))
	return cmd
}

func newFixturesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List contract versions and their fixtures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFixturesList(rootOpts, cmd)
		},
	}
}

func newFixturesVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a contract's fixtures still match their seal",
		Long: `Check that the fixture set of the selected contract version (or of
every version with --all) still matches its checksums.sha256 seal.

Published contracts are immutable: any modified, missing or added file is
a failure. Exits 1 when a set is unsealed or tampered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFixturesVerify(rootOpts, all, cmd)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every contract version")
	return cmd
}

func openRepository(opts *RootOptions, formatter *OutputFormatter) (*fixture.Repository, fixture.ContractVersion, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, "", formatter.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil, err)
	}
	repo, err := fixture.Open(cfg.Fixtures)
	if err != nil {
		return nil, "", formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
	}
	return repo, cfg.Contract, nil
}

func describeSet(set *fixture.Set) (FixtureSetInfo, error) {
	info := FixtureSetInfo{Version: string(set.Version), Dir: set.Dir}
	var err error
	if info.Corpora, err = set.Corpora(); err != nil {
		return info, err
	}
	if info.Caches, err = set.Caches(); err != nil {
		return info, err
	}
	if info.Queries, err = set.Queries(); err != nil {
		return info, err
	}
	if info.Expected, err = set.ExpectedOutputs(); err != nil {
		return info, err
	}

	info.Seal = sealOK
	if err := set.Verify(); err != nil {
		info.Seal = sealTampered
		if errors.Is(err, fixture.ErrNotSealed) {
			info.Seal = sealMissing
		}
		info.SealError = err.Error()
	}
	return info, nil
}

func runFixturesList(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	repo, _, err := openRepository(opts, formatter)
	if err != nil {
		return err
	}

	versions, err := repo.Versions()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
	}
	infos := make([]FixtureSetInfo, 0, len(versions))
	for _, v := range versions {
		set, err := repo.Set(v)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
		}
		info, err := describeSet(set)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
		}
		infos = append(infos, info)
	}

	if formatter.structured() {
		return formatter.Success(infos, "")
	}
	if len(infos) == 0 {
		fmt.Fprintf(formatter.Writer, "No contract versions under %s\n", repo.Root())
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(formatter.Writer)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Version", "Corpora", "Caches", "Queries", "Expected", "Seal"})
	for _, info := range infos {
		tw.AppendRow(table.Row{
			info.Version,
			strings.Join(info.Corpora, ", "),
			strings.Join(info.Caches, ", "),
			len(info.Queries),
			len(info.Expected),
			info.Seal,
		})
	}
	tw.Render()
	return nil
}

func runFixturesVerify(opts *RootOptions, all bool, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	repo, contract, err := openRepository(opts, formatter)
	if err != nil {
		return err
	}

	versions := []fixture.ContractVersion{contract}
	if all {
		if versions, err = repo.Versions(); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
		}
	}

	var infos []FixtureSetInfo
	failed := 0
	for _, v := range versions {
		set, err := repo.Set(v)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
		}
		info, err := describeSet(set)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeFixtures, err.Error(), nil, err)
		}
		if info.Seal != sealOK {
			failed++
		}
		infos = append(infos, info)
	}

	if formatter.structured() {
		if err := formatter.Success(infos, ""); err != nil {
			return WrapExitError(ExitCommandError, "write output", err)
		}
	} else {
		for _, info := range infos {
			if info.Seal == sealOK {
				fmt.Fprintf(formatter.Writer, "✓ %s matches its seal\n", info.Version)
			} else {
				fmt.Fprintf(formatter.Writer, "✗ %s %s: %s\n", info.Version, info.Seal, info.SealError)
			}
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("[%s] %d fixture set(s) failed verification", ErrCodeFixtures, failed))
	}
	return nil
}
