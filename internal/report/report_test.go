package report

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/kpidrift-cli/internal/blob"
	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/store"
)

type fixture struct {
	st         *store.SQLiteStore
	pairOne    *model.PairMapping
	pairTwo    *model.PairMapping
	leftTitle  string
	rightTitle string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	mkSession := func(session, hash, title string, platform model.Platform) []model.Widget {
		sg, _, err := st.UpsertScreengrab(ctx, &model.Screengrab{
			SessionID:          session,
			URL:                "https://dashboards.example.com/" + session,
			Platform:           platform,
			DetectedVia:        "url",
			PlatformConfidence: 0.99,
			ContentHash:        hash,
			StorageBucket:      "kpidrifthunter",
			StoragePathFull:    blob.FullImageKey(session),
			ReportName:         "Quarterly_Revenue",
			CapturedAt:         time.Now().UTC(),
		})
		require.NoError(t, err)

		widgets := make([]model.Widget, 2)
		for i := range widgets {
			widgets[i] = model.Widget{
				ScreengrabID:    sg.ID,
				Index:           i,
				BBox:            model.BoundingBox{X: i * 400, Y: 100, W: 380, H: 300},
				SelectorKind:    model.SelectorContainer,
				Title:           title,
				TitlePresent:    true,
				Quality:         model.QualityGood,
				QualityScore:    0.9,
				StorageBucket:   "kpidrifthunter",
				StoragePathCrop: blob.WidgetKey(session, i, model.QualityGood),
				ExtractionStage: model.StageCaptured,
				CapturedAt:      time.Now().UTC(),
			}
		}
		require.NoError(t, st.InsertWidgets(ctx, widgets))
		return widgets
	}

	left := mkSession("sessA", "hash-a", "Net Sales", model.PlatformPowerBI)
	right := mkSession("sessB", "hash-b", "Net Sales (Tableau)", model.PlatformTableau)

	pairOne, change, err := st.UpsertPairMapping(ctx, model.PairMapping{
		WidgetIDLeft: left[0].ID, WidgetIDRight: right[0].ID,
		SessionIDLeft: "sessA", SessionIDRight: "sessB",
		PairNumber: 1, Status: model.PairStatusMapped,
	})
	require.NoError(t, err)
	require.Equal(t, model.PairInserted, change)

	pairTwo, _, err := st.UpsertPairMapping(ctx, model.PairMapping{
		WidgetIDLeft: left[1].ID, WidgetIDRight: right[1].ID,
		SessionIDLeft: "sessA", SessionIDRight: "sessB",
		PairNumber: 2, Status: model.PairStatusMapped,
	})
	require.NoError(t, err)

	return &fixture{
		st:         st,
		pairOne:    pairOne,
		pairTwo:    pairTwo,
		leftTitle:  "Net Sales",
		rightTitle: "Net Sales (Tableau)",
	}
}

func (f *fixture) addResult(t *testing.T, cr model.CompareResult) {
	t.Helper()
	cr.PairID = f.pairOne.ID
	cr.LeftWidgetID = f.pairOne.WidgetIDLeft
	cr.RightWidgetID = f.pairOne.WidgetIDRight
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, f.st.UpsertCompareResult(context.Background(), &cr))
}

func floatPtr(v float64) *float64 { return &v }

func TestBuild_RowsPerVerdictAndNotCompared(t *testing.T) {
	f := newFixture(t)
	f.addResult(t, model.CompareResult{
		LeftExtractionID: "ex-l", RightExtractionID: "ex-r",
		Mode: model.CompareNumeric, ModelName: "numeric-v1",
		Verdict: model.VerdictConsistent, Confidence: 0.99,
		Corr: floatPtr(0.998), MAPE: floatPtr(0.006), AlignedPoints: 12,
	})
	f.addResult(t, model.CompareResult{
		LeftExtractionID: "ex-l", RightExtractionID: "ex-r",
		Mode: model.CompareLLM, ModelName: "claude-haiku-4-5-20251001",
		Verdict: model.VerdictMatched, Confidence: 0.95,
		Reasons: []string{"aligned 12 points"},
	})

	rep, err := NewBuilder(f.st).Build(context.Background(), "sessA", "sessB")
	require.NoError(t, err)

	assert.Equal(t, "sessA", rep.Left.SessionID)
	assert.Equal(t, model.PlatformTableau, rep.Right.Platform)
	assert.Equal(t, "Quarterly_Revenue", rep.Left.ReportName)

	require.Len(t, rep.Rows, 3, "two verdicts for pair 1, one placeholder for pair 2")
	assert.Equal(t, model.CompareLLM, rep.Rows[0].Mode, "llm sorts before numeric within a pair")
	assert.Equal(t, model.CompareNumeric, rep.Rows[1].Mode)
	assert.Equal(t, NotCompared, rep.Rows[2].Verdict)
	assert.Equal(t, 2, rep.Rows[2].PairNumber)

	assert.Equal(t, f.leftTitle, rep.Rows[0].LeftTitle)
	assert.Equal(t, f.rightTitle, rep.Rows[0].RightTitle)

	assert.Equal(t, 1, rep.Verdicts[model.VerdictConsistent])
	assert.Equal(t, 1, rep.Verdicts[model.VerdictMatched])
	assert.Equal(t, 1, rep.Verdicts[NotCompared])
}

func TestBuild_SupersededResultExcluded(t *testing.T) {
	f := newFixture(t)
	f.addResult(t, model.CompareResult{
		LeftExtractionID: "ex-l", RightExtractionID: "ex-r",
		Mode: model.CompareNumeric, ModelName: "numeric-v1",
		Verdict: model.VerdictConflict, Confidence: 0.10,
	})
	// Same natural key: the rerun supersedes the conflict row.
	f.addResult(t, model.CompareResult{
		LeftExtractionID: "ex-l", RightExtractionID: "ex-r",
		Mode: model.CompareNumeric, ModelName: "numeric-v1",
		Verdict: model.VerdictConsistent, Confidence: 0.99,
	})

	rep, err := NewBuilder(f.st).Build(context.Background(), "sessA", "sessB")
	require.NoError(t, err)

	var pairOneRows []Row
	for _, row := range rep.Rows {
		if row.PairNumber == 1 {
			pairOneRows = append(pairOneRows, row)
		}
	}
	require.Len(t, pairOneRows, 1, "only the current row reports")
	assert.Equal(t, model.VerdictConsistent, pairOneRows[0].Verdict)
	assert.Zero(t, rep.Verdicts[model.VerdictConflict])
}

func TestBuild_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := NewBuilder(f.st).Build(context.Background(), "sessA", "no-such-session")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session")
}

func TestWriteCSV(t *testing.T) {
	f := newFixture(t)
	f.addResult(t, model.CompareResult{
		LeftExtractionID: "ex-l", RightExtractionID: "ex-r",
		Mode: model.CompareNumeric, ModelName: "numeric-v1",
		Verdict: model.VerdictLikelyMismatch, Confidence: 0.85,
		Corr: floatPtr(0.91), MAPE: floatPtr(0.0834), AlignedPoints: 6,
		Reasons: []string{"correlated (corr=0.910) but error too large (mape=0.0834)"},
	})

	rep, err := NewBuilder(f.st).Build(context.Background(), "sessA", "sessB")
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, WriteCSV(&sb, rep))

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(exportHeader, ","), lines[0])
	assert.Contains(t, lines[1], "likely_mismatch")
	assert.Contains(t, lines[1], "0.9100")
	assert.Contains(t, lines[1], "0.0834")
	assert.Contains(t, lines[2], "not_compared")
}

func TestWriteXLSX_Roundtrip(t *testing.T) {
	f := newFixture(t)
	f.addResult(t, model.CompareResult{
		LeftExtractionID: "ex-l", RightExtractionID: "ex-r",
		Mode: model.CompareNumeric, ModelName: "numeric-v1",
		Verdict: model.VerdictConsistent, Confidence: 0.99,
		Corr: floatPtr(0.999), MAPE: floatPtr(0.001), AlignedPoints: 8,
	})

	rep, err := NewBuilder(f.st).Build(context.Background(), "sessA", "sessB")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "drift.xlsx")
	require.NoError(t, WriteXLSX(path, rep))

	wb, err := xlsx.OpenFile(path)
	require.NoError(t, err)

	summary, ok := wb.Sheet["Summary"]
	require.True(t, ok)
	var flat []string
	for _, row := range summary.Rows {
		for _, cell := range row.Cells {
			flat = append(flat, cell.String())
		}
	}
	assert.Contains(t, flat, "sessA")
	assert.Contains(t, flat, "consistent")
	assert.Contains(t, flat, "not_compared")

	pairs, ok := wb.Sheet["Pairs"]
	require.True(t, ok)
	require.GreaterOrEqual(t, len(pairs.Rows), 3)
	assert.Equal(t, "pair_no", pairs.Rows[0].Cells[0].String())
	assert.Equal(t, "consistent", pairs.Rows[1].Cells[5].String())
	assert.Equal(t, "Net Sales", pairs.Rows[1].Cells[1].String())
}
