package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kpidrift-cli/internal/blob"
	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/store"
)

func newServeFixture(t *testing.T) (*store.SQLiteStore, *model.PairMapping) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	mkSession := func(session, hash string) []model.Widget {
		sg, _, err := st.UpsertScreengrab(ctx, &model.Screengrab{
			SessionID:          session,
			URL:                "https://dashboards.example.com/" + session,
			Platform:           model.PlatformPowerBI,
			DetectedVia:        "url",
			PlatformConfidence: 0.99,
			ContentHash:        hash,
			StorageBucket:      "kpidrifthunter",
			StoragePathFull:    blob.FullImageKey(session),
			ReportName:         "Quarterly_Revenue",
			CapturedAt:         time.Now().UTC(),
		})
		require.NoError(t, err)

		widgets := []model.Widget{{
			ScreengrabID:    sg.ID,
			Index:           0,
			BBox:            model.BoundingBox{X: 0, Y: 100, W: 380, H: 300},
			SelectorKind:    model.SelectorContainer,
			Quality:         model.QualityGood,
			QualityScore:    0.9,
			StorageBucket:   "kpidrifthunter",
			StoragePathCrop: blob.WidgetKey(session, 0, model.QualityGood),
			ExtractionStage: model.StageCaptured,
			CapturedAt:      time.Now().UTC(),
		}}
		require.NoError(t, st.InsertWidgets(ctx, widgets))
		return widgets
	}

	left := mkSession("sessA", "hash-a")
	right := mkSession("sessB", "hash-b")

	pair, _, err := st.UpsertPairMapping(ctx, model.PairMapping{
		WidgetIDLeft: left[0].ID, WidgetIDRight: right[0].ID,
		SessionIDLeft: "sessA", SessionIDRight: "sessB",
		PairNumber: 1, Status: model.PairStatusMapped,
	})
	require.NoError(t, err)

	require.NoError(t, st.UpsertCompareResult(ctx, &model.CompareResult{
		PairID:            pair.ID,
		LeftExtractionID:  "ex-l",
		RightExtractionID: "ex-r",
		LeftWidgetID:      pair.WidgetIDLeft,
		RightWidgetID:     pair.WidgetIDRight,
		Mode:              model.CompareNumeric,
		ModelName:         "numeric-v1",
		Verdict:           model.VerdictConsistent,
		Confidence:        0.99,
		CreatedAt:         time.Now().UTC(),
	}))

	return st, pair
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	st, _ := newServeFixture(t)
	rec := doGet(t, newRouter(st), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_Sessions(t *testing.T) {
	st, _ := newServeFixture(t)
	rec := doGet(t, newRouter(st), "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []store.SessionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 2)
}

func TestRouter_SessionWidgets(t *testing.T) {
	st, _ := newServeFixture(t)
	rec := doGet(t, newRouter(st), "/api/sessions/sessA/widgets")
	require.Equal(t, http.StatusOK, rec.Code)

	var widgets []model.Widget
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &widgets))
	require.Len(t, widgets, 1)
	assert.Equal(t, model.QualityGood, widgets[0].Quality)
}

func TestRouter_Pairs(t *testing.T) {
	st, pair := newServeFixture(t)
	h := newRouter(st)

	rec := doGet(t, h, "/api/pairs?left=sessA&right=sessB")
	require.Equal(t, http.StatusOK, rec.Code)

	var pairs []model.PairMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pairs))
	require.Len(t, pairs, 1)
	assert.Equal(t, pair.ID, pairs[0].ID)

	rec = doGet(t, h, "/api/pairs")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_PairResults(t *testing.T) {
	st, pair := newServeFixture(t)
	rec := doGet(t, newRouter(st), "/api/pairs/"+pair.ID+"/results")
	require.Equal(t, http.StatusOK, rec.Code)

	var results []model.CompareResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, model.VerdictConsistent, results[0].Verdict)
}

func TestRouter_CORSPreflight(t *testing.T) {
	st, _ := newServeFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	newRouter(st).ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
