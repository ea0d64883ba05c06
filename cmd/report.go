// File: cmd/report.go
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/droidprobe/internal/reporting"
)

// newReportCmd creates the `report` command, which re-renders a saved
// report.json from a previous run.
func newReportCmd() *cobra.Command {
	var format string
	var outputPath string

	reportCmd := &cobra.Command{
		Use:   "report <report.json>",
		Short: "Re-renders a saved run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := reporting.Load(args[0])
			if err != nil {
				return err
			}
			if outputPath == "" && format == "text" {
				// Default path: print straight to the command's output so the
				// summary lands where the user is looking.
				_, err := cmd.OutOrStdout().Write([]byte(reporting.FormatText(report)))
				return err
			}
			rep, err := reporting.New(format, outputPath)
			if err != nil {
				return err
			}
			defer rep.Close()
			return rep.Write(report)
		},
	}

	reportCmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write to this path instead of stdout")
	return reportCmd
}
