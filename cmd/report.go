package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kpidrift-cli/internal/report"
)

var (
	reportLeft   string
	reportRight  string
	reportFormat string
	reportOut    string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export a drift report for two compared sessions",
	Long:  "Aggregates the current pair mappings between two sessions with their latest comparison verdicts and writes the result as an XLSX workbook or CSV.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if reportLeft == "" || reportRight == "" {
			return eris.New("report: --left and --right are required")
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rep, err := report.NewBuilder(st).Build(ctx, reportLeft, reportRight)
		if err != nil {
			return err
		}

		switch reportFormat {
		case "xlsx":
			out := reportOut
			if out == "" {
				out = "drift-report.xlsx"
			}
			if err := report.WriteXLSX(out, rep); err != nil {
				return err
			}
			cmd.Printf("wrote %s (%d rows)\n", out, len(rep.Rows))
		case "csv":
			w := cmd.OutOrStdout()
			if reportOut != "" {
				f, err := os.Create(reportOut)
				if err != nil {
					return eris.Wrapf(err, "report: create %s", reportOut)
				}
				defer f.Close()
				w = f
			}
			if err := report.WriteCSV(w, rep); err != nil {
				return err
			}
		default:
			return eris.Errorf("report: unsupported format %q", reportFormat)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportLeft, "left", "", "left capture session")
	reportCmd.Flags().StringVar(&reportRight, "right", "", "right capture session")
	reportCmd.Flags().StringVar(&reportFormat, "format", "xlsx", "output format: xlsx or csv")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "output path (default drift-report.xlsx, or stdout for csv)")
	rootCmd.AddCommand(reportCmd)
}
