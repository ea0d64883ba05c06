// File: cmd/suites.go
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/droidprobe/internal/suite"
)

// newSuitesCmd creates the `suites` command, which lists the tests a suite
// file defines without running anything.
func newSuitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suites <suite.yaml>",
		Short: "Lists the tests defined in a suite file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := suite.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatSuiteList(s))
			return nil
		},
	}
}

// formatSuiteList renders the suite the way `run` will see it: one line per
// test in execution order, with the expectation marker.
func formatSuiteList(s *suite.Suite) string {
	var b strings.Builder
	name := s.Name
	if name == "" {
		name = "(unnamed suite)"
	}
	fmt.Fprintf(&b, "Suite: %s\n", name)
	fmt.Fprintf(&b, "App package: %s\n", s.AppPackage)
	fmt.Fprintf(&b, "Tests (%d):\n", len(s.Tests))
	for _, t := range s.Tests {
		expectation := "should pass"
		if !t.ShouldPass {
			expectation = "should fail"
		}
		check := "verifier"
		if len(t.SuccessCriteria) > 0 {
			check = fmt.Sprintf("%d criteria", len(t.SuccessCriteria))
		}
		fmt.Fprintf(&b, "  %-20s %s [%s, %s]\n", t.ID, t.Name, expectation, check)
	}
	return b.String()
}
