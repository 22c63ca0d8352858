package main

import (
	"fmt"
	"strings"

	"github.com/nao1215/onionhost/internal/report"
	"github.com/spf13/cobra"
)

// addFormatFlag registers --format on cmd.
func addFormatFlag(cmd *cobra.Command) {
	names := make([]string, 0, len(report.Formats()))
	for _, f := range report.Formats() {
		names = append(names, string(f))
	}
	cmd.Flags().String("format", string(report.FormatText),
		fmt.Sprintf("Output format (%s)", strings.Join(names, ", ")))
}

// newReportWriter returns the writer selected by --format, writing to the
// command's standard output.
func newReportWriter(cmd *cobra.Command) (report.Writer, error) {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return nil, err
	}
	return report.NewWriter(report.Format(format), cmd.OutOrStdout(), getVerboseFlag(cmd))
}
