package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/resilience"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testScreengrab(session, hash string) *model.Screengrab {
	return &model.Screengrab{
		SessionID:          session,
		URL:                "https://app.powerbi.com/view?r=abc",
		Platform:           model.PlatformPowerBI,
		DetectedVia:        "url",
		PlatformConfidence: 0.99,
		ContentHash:        hash,
		StorageBucket:      "kpidrifthunter",
		StoragePathFull:    "widgetextractor/" + session + "/full.png",
		ReportName:         "Quarterly_Sales",
		ReportSlug:         "quarterly_sales",
		CapturedAt:         time.Now().UTC(),
	}
}

func testWidget(sgID string, index int, quality model.QualityLabel) model.Widget {
	path := "widgetextractor/sess/widgets/widget_00_good.png"
	return model.Widget{
		ScreengrabID:    sgID,
		Index:           index,
		BBox:            model.BoundingBox{X: 10 * index, Y: 20, W: 400, H: 300},
		SelectorKind:    model.SelectorContainer,
		Title:           "Revenue by Region",
		TitlePresent:    true,
		Quality:         quality,
		QualityScore:    0.95,
		QualityReasons:  nil,
		StorageBucket:   "kpidrifthunter",
		StoragePathCrop: path,
		ExtractionStage: model.StageCaptured,
		CapturedAt:      time.Now().UTC(),
	}
}

func TestSQLite_UpsertScreengrab_IdempotentOnHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.UpsertScreengrab(ctx, testScreengrab("sess-1", "hash-a"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.Current)

	// Same bytes again, different session: no new row.
	again, created, err := s.UpsertScreengrab(ctx, testScreengrab("sess-2", "hash-a"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "sess-1", again.SessionID, "original row wins")

	grabs, err := s.ListScreengrabs(ctx, ScreengrabFilter{})
	require.NoError(t, err)
	assert.Len(t, grabs, 1)
}

func TestSQLite_UpsertScreengrab_SupersedesOnNewHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.UpsertScreengrab(ctx, testScreengrab("sess-1", "hash-a"))
	require.NoError(t, err)

	second, created, err := s.UpsertScreengrab(ctx, testScreengrab("sess-2", "hash-b"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := s.GetScreengrab(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.Current, "previous version is end-dated")
	require.NotNil(t, old.EffectiveEnd)

	current, err := s.ListScreengrabs(ctx, ScreengrabFilter{CurrentOnly: true})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, second.ID, current[0].ID)
}

func TestSQLite_Widgets_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg, _, err := s.UpsertScreengrab(ctx, testScreengrab("sess-1", "hash-a"))
	require.NoError(t, err)

	widgets := []model.Widget{
		testWidget(sg.ID, 0, model.QualityGood),
		testWidget(sg.ID, 1, model.QualityJunk),
	}
	widgets[1].QualityReasons = []string{"too_small", "no_title"}
	require.NoError(t, s.InsertWidgets(ctx, widgets))

	got, err := s.GetWidget(ctx, widgets[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.QualityJunk, got.Quality)
	assert.Equal(t, []string{"too_small", "no_title"}, got.QualityReasons)
	assert.Equal(t, model.BoundingBox{X: 10, Y: 20, W: 400, H: 300}, got.BBox)

	goodOnly, err := s.ListWidgets(ctx, WidgetFilter{SessionID: "sess-1", Quality: model.QualityGood})
	require.NoError(t, err)
	require.Len(t, goodOnly, 1)
	assert.Equal(t, 0, goodOnly[0].Index)
}

func TestSQLite_MarkWidgetParsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg, _, err := s.UpsertScreengrab(ctx, testScreengrab("sess-1", "hash-a"))
	require.NoError(t, err)
	widgets := []model.Widget{testWidget(sg.ID, 0, model.QualityGood)}
	require.NoError(t, s.InsertWidgets(ctx, widgets))

	require.NoError(t, s.MarkWidgetParsed(ctx, widgets[0].ID))

	got, err := s.GetWidget(ctx, widgets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageParsed, got.ExtractionStage)

	err = s.MarkWidgetParsed(ctx, "no-such-widget")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_PairMapping_SCD2(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg, _, err := s.UpsertScreengrab(ctx, testScreengrab("sess-1", "hash-a"))
	require.NoError(t, err)
	widgets := []model.Widget{
		testWidget(sg.ID, 0, model.QualityGood),
		testWidget(sg.ID, 1, model.QualityGood),
		testWidget(sg.ID, 2, model.QualityGood),
	}
	require.NoError(t, s.InsertWidgets(ctx, widgets))

	pm := model.PairMapping{
		WidgetIDLeft:   widgets[0].ID,
		WidgetIDRight:  widgets[1].ID,
		SessionIDLeft:  "sess-1",
		SessionIDRight: "sess-2",
		PairNumber:     1,
	}

	stored, change, err := s.UpsertPairMapping(ctx, pm)
	require.NoError(t, err)
	assert.Equal(t, model.PairInserted, change)
	assert.True(t, stored.Current)

	// Same pair again: no-op.
	_, change, err = s.UpsertPairMapping(ctx, pm)
	require.NoError(t, err)
	assert.Equal(t, model.PairUnchanged, change)

	// Renumbering the same widget pair supersedes the current row.
	pm.PairNumber = 7
	replacement, change, err := s.UpsertPairMapping(ctx, pm)
	require.NoError(t, err)
	assert.Equal(t, model.PairSuperseded, change)
	assert.NotEqual(t, stored.ID, replacement.ID)

	all, err := s.ListPairMappings(ctx, PairFilter{SessionIDLeft: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2, "history keeps both versions")

	current, err := s.ListPairMappings(ctx, PairFilter{SessionIDLeft: "sess-1", CurrentOnly: true})
	require.NoError(t, err)
	require.Len(t, current, 1, "exactly one current row per widget pair")
	assert.Equal(t, 7, current[0].PairNumber)

	// A different widget pair is a new natural key, not a new version.
	other, change, err := s.UpsertPairMapping(ctx, model.PairMapping{
		WidgetIDLeft:   widgets[0].ID,
		WidgetIDRight:  widgets[2].ID,
		SessionIDLeft:  "sess-1",
		SessionIDRight: "sess-2",
		PairNumber:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PairInserted, change)
	assert.NotEqual(t, replacement.ID, other.ID)

	current, err = s.ListPairMappings(ctx, PairFilter{SessionIDLeft: "sess-1", CurrentOnly: true})
	require.NoError(t, err)
	assert.Len(t, current, 2)

	// The retired row carries its end date.
	for _, p := range all {
		if p.ID == stored.ID {
			assert.False(t, p.Current)
			assert.NotNil(t, p.EffectiveEnd)
			assert.Equal(t, model.PairStatusRetired, p.Status)
		}
	}
}

func TestSQLite_Extractions_LatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg, _, err := s.UpsertScreengrab(ctx, testScreengrab("sess-1", "hash-a"))
	require.NoError(t, err)
	widgets := []model.Widget{testWidget(sg.ID, 0, model.QualityGood)}
	require.NoError(t, s.InsertWidgets(ctx, widgets))

	older := &model.ExtractedValue{
		WidgetID:        widgets[0].ID,
		ScreengrabID:    sg.ID,
		SessionID:       "sess-1",
		ImageStorageKey: "widgetextractor/sess-1/widgets/widget_00_good.png",
		Values: model.ChartValues{
			Title:      "Revenue",
			DataPoints: []model.DataPoint{{X: "Jan", Y: 100}},
		},
		ModelName: "pixtral-12b-2409",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.InsertExtraction(ctx, older))

	newer := &model.ExtractedValue{
		WidgetID:        widgets[0].ID,
		ScreengrabID:    sg.ID,
		SessionID:       "sess-1",
		ImageStorageKey: older.ImageStorageKey,
		Values: model.ChartValues{
			Title:      "Revenue",
			DataPoints: []model.DataPoint{{X: "Jan", Y: 105}, {X: "Feb", Y: 130}},
		},
		ModelName: "pixtral-12b-2409",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertExtraction(ctx, newer))

	got, err := s.LatestExtractionForWidget(ctx, widgets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.Len(t, got.Values.DataPoints, 2)
	assert.Equal(t, 105.0, got.Values.DataPoints[0].Y)

	_, err = s.LatestExtractionForWidget(ctx, "no-such-widget")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CompareResults_Supersede(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg, _, err := s.UpsertScreengrab(ctx, testScreengrab("sess-1", "hash-a"))
	require.NoError(t, err)
	widgets := []model.Widget{
		testWidget(sg.ID, 0, model.QualityGood),
		testWidget(sg.ID, 1, model.QualityGood),
	}
	require.NoError(t, s.InsertWidgets(ctx, widgets))

	pair, _, err := s.UpsertPairMapping(ctx, model.PairMapping{
		WidgetIDLeft: widgets[0].ID, WidgetIDRight: widgets[1].ID,
		SessionIDLeft: "sess-1", SessionIDRight: "sess-2", PairNumber: 1,
	})
	require.NoError(t, err)

	corr := 0.99
	mape := 0.01
	first := &model.CompareResult{
		PairID:            pair.ID,
		LeftExtractionID:  "ex-1",
		RightExtractionID: "ex-2",
		LeftWidgetID:      widgets[0].ID,
		RightWidgetID:     widgets[1].ID,
		Mode:              model.CompareNumeric,
		ModelName:         "numeric",
		Verdict:           model.VerdictConsistent,
		Confidence:        0.97,
		Corr:              &corr,
		MAPE:              &mape,
		AlignedPoints:     12,
	}
	require.NoError(t, s.UpsertCompareResult(ctx, first))

	rerun := *first
	rerun.ID = ""
	rerun.Verdict = model.VerdictConflict
	rerun.Confidence = 0.4
	require.NoError(t, s.UpsertCompareResult(ctx, &rerun))

	current, err := s.ListCompareResults(ctx, CompareFilter{PairID: pair.ID, CurrentOnly: true})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, model.VerdictConflict, current[0].Verdict)
	require.NotNil(t, current[0].Corr)
	assert.InDelta(t, 0.99, *current[0].Corr, 1e-9)

	all, err := s.ListCompareResults(ctx, CompareFilter{PairID: pair.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_ListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg, _, err := s.UpsertScreengrab(ctx, testScreengrab("sess-1", "hash-a"))
	require.NoError(t, err)
	widgets := []model.Widget{
		testWidget(sg.ID, 0, model.QualityGood),
		testWidget(sg.ID, 1, model.QualityJunk),
		testWidget(sg.ID, 2, model.QualityGood),
	}
	require.NoError(t, s.InsertWidgets(ctx, widgets))

	sessions, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-1", sessions[0].SessionID)
	assert.Equal(t, 3, sessions[0].WidgetCount)
	assert.Equal(t, 2, sessions[0].GoodCount)
	assert.Equal(t, model.PlatformPowerBI, sessions[0].Platform)
}

func TestSQLite_DLQ_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := resilience.DLQEntry{
		ID:           "dlq-1",
		WidgetID:     "w-1",
		SessionID:    "sess-1",
		ImageKey:     "widgetextractor/sess-1/widgets/widget_00_good.png",
		Error:        "oracle timeout",
		ErrorType:    "transient",
		FailedPhase:  "extract",
		MaxRetries:   3,
		NextRetryAt:  time.Now().UTC().Add(-time.Minute),
		CreatedAt:    time.Now().UTC(),
		LastFailedAt: time.Now().UTC(),
	}
	require.NoError(t, s.EnqueueDLQ(ctx, entry))

	due, err := s.DequeueDLQ(ctx, resilience.DLQFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "w-1", due[0].WidgetID)
	assert.True(t, due[0].CanRetry())

	// Pushed out into the future: no longer due.
	require.NoError(t, s.IncrementDLQRetry(ctx, due[0].ID, time.Now().UTC().Add(time.Hour), "still failing"))
	due, err = s.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.RemoveDLQ(ctx, entry.ID))
}
