package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/simreg/regq/internal/importer"
)

var (
	importSkippedOut  string
	importShowSkipped bool
)

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import records from CSV or Excel files",
	Long: `Import registration rows from one or more files. Each file is one batch:
its valid rows are enqueued together, and rows that fail validation are
reported as skipped.

Accepted layouts (';' or ',' separated, header optional):
  phone;puk;fullname;cne
  phone;puk;cne;firstname;lastname`,
	Example: `  regq import subscribers.csv
  regq import march.xlsx april.xlsx --skipped-out ./skipped`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *application) error {
			dir := a.cfg.Import.SkippedDir
			if importSkippedOut != "" {
				dir = importSkippedOut
			}
			imp := importer.New(a.svc,
				importer.WithSkippedDir(dir),
				importer.WithMetrics(a.metrics),
				importer.WithTracer(a.tracing.Tracer()))

			out := cmd.OutOrStdout()
			for _, path := range args {
				report, err := imp.ImportFile(cmd.Context(), path)
				if err != nil {
					return err
				}
				if err := printReport(out, report, importShowSkipped); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	importCmd.Flags().StringVar(&importSkippedOut, "skipped-out", "", "write skipped rows as CSV into this directory (default: import.skipped_dir)")
	importCmd.Flags().BoolVar(&importShowSkipped, "show-skipped", true, "list skipped rows")
	rootCmd.AddCommand(importCmd)
}

func printReport(w io.Writer, r *importer.Report, showSkipped bool) error {
	if _, err := fmt.Fprintf(w, "%s: %d accepted, %d skipped, %d errors (batch %s)\n",
		r.File, r.Accepted, len(r.Skipped), len(r.Errors), r.BatchID); err != nil {
		return err
	}
	for _, e := range r.Errors {
		_, _ = fmt.Fprintf(w, "  error: %s\n", e)
	}
	if showSkipped && len(r.Skipped) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "  LINE\tPHONE\tREASON")
		for _, s := range r.Skipped {
			_, _ = fmt.Fprintf(tw, "  %d\t%s\t%s\n", s.Line, s.PhoneNumber, s.Reason)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if r.SkippedFile != "" {
		_, _ = fmt.Fprintf(w, "  skipped rows written to %s\n", r.SkippedFile)
	}
	return nil
}
