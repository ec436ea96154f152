package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/kpidrift-cli/internal/model"
)

var exportHeader = []string{
	"pair_no", "left_title", "right_title", "mode", "model",
	"verdict", "confidence", "corr", "mape", "n", "reasons", "compared_at",
}

func (r Row) cells() []string {
	corr, mape := "", ""
	if r.Corr != nil {
		corr = fmt.Sprintf("%.4f", *r.Corr)
	}
	if r.MAPE != nil {
		mape = fmt.Sprintf("%.4f", *r.MAPE)
	}
	comparedAt := ""
	if !r.ComparedAt.IsZero() {
		comparedAt = r.ComparedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		fmt.Sprintf("%d", r.PairNumber),
		r.LeftTitle,
		r.RightTitle,
		string(r.Mode),
		r.ModelName,
		string(r.Verdict),
		fmt.Sprintf("%.2f", r.Confidence),
		corr,
		mape,
		fmt.Sprintf("%d", r.Aligned),
		strings.Join(r.Reasons, "; "),
		comparedAt,
	}
}

// WriteCSV writes the verdict rows as CSV.
func WriteCSV(w io.Writer, rep *Report) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(exportHeader); err != nil {
		return eris.Wrap(err, "report: write CSV header")
	}
	for _, row := range rep.Rows {
		if err := cw.Write(row.cells()); err != nil {
			return eris.Wrap(err, "report: write CSV row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush CSV")
}

// WriteXLSX saves the report as a workbook with a Summary sheet (session
// metadata and verdict tallies) and a Pairs sheet (one row per verdict).
func WriteXLSX(path string, rep *Report) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	addRow(summary, "generated_at", rep.GeneratedAt.UTC().Format(time.RFC3339))
	addRow(summary)
	addRow(summary, "", "session", "platform", "report_name", "url")
	addRow(summary, "left", rep.Left.SessionID, string(rep.Left.Platform), rep.Left.ReportName, rep.Left.URL)
	addRow(summary, "right", rep.Right.SessionID, string(rep.Right.Platform), rep.Right.ReportName, rep.Right.URL)
	addRow(summary)
	addRow(summary, "verdict", "count")
	for _, verdict := range orderedVerdicts(rep) {
		addRow(summary, string(verdict), fmt.Sprintf("%d", rep.Verdicts[verdict]))
	}

	pairs, err := f.AddSheet("Pairs")
	if err != nil {
		return eris.Wrap(err, "report: add pairs sheet")
	}
	addRow(pairs, exportHeader...)
	for _, row := range rep.Rows {
		addRow(pairs, row.cells()...)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save workbook %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func orderedVerdicts(rep *Report) []model.CompareVerdict {
	verdicts := make([]model.CompareVerdict, 0, len(rep.Verdicts))
	for v := range rep.Verdicts {
		verdicts = append(verdicts, v)
	}
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i] < verdicts[j] })
	return verdicts
}
