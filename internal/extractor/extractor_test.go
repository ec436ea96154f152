package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kpidrift-cli/internal/blob"
	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/resilience"
	"github.com/sells-group/kpidrift-cli/internal/store"
	"github.com/sells-group/kpidrift-cli/pkg/mistral"
)

type stubReply struct {
	content string
	err     error
}

// stubMistral scripts ChatCompletion replies in call order. The last reply
// repeats once the script runs out.
type stubMistral struct {
	replies []stubReply
	calls   int
}

func (s *stubMistral) ChatCompletion(_ context.Context, _ mistral.ChatCompletionRequest) (*mistral.ChatCompletionResponse, error) {
	i := s.calls
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	s.calls++
	r := s.replies[i]
	if r.err != nil {
		return nil, r.err
	}
	return &mistral.ChatCompletionResponse{
		Choices: []mistral.Choice{{Message: mistral.ChoiceMessage{Role: "assistant", Content: r.content}}},
	}, nil
}

const validReply = `{"title":"Monthly Revenue","x_axis_label":"Month","y_axis_label":"USD","data_points":[{"x":"Jan","y":100},{"x":"Feb","y":200}]}`

type fixture struct {
	ex    *Extractor
	st    *store.SQLiteStore
	blobs blob.Store
	stub  *stubMistral
	good  model.Widget
	junk  model.Widget
}

func newFixture(t *testing.T, replies ...stubReply) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	sg, _, err := st.UpsertScreengrab(ctx, &model.Screengrab{
		SessionID:          "sess-1",
		URL:                "https://app.powerbi.com/view?r=abc",
		Platform:           model.PlatformPowerBI,
		DetectedVia:        "url",
		PlatformConfidence: 0.99,
		ContentHash:        "hash-1",
		StorageBucket:      "kpidrifthunter",
		StoragePathFull:    blob.FullImageKey("sess-1"),
		CapturedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)

	widgets := []model.Widget{
		{
			ScreengrabID:    sg.ID,
			Index:           0,
			BBox:            model.BoundingBox{X: 10, Y: 120, W: 480, H: 320},
			SelectorKind:    model.SelectorContainer,
			Quality:         model.QualityGood,
			QualityScore:    0.92,
			StorageBucket:   "kpidrifthunter",
			StoragePathCrop: blob.WidgetKey("sess-1", 0, model.QualityGood),
			ExtractionStage: model.StageCaptured,
			CapturedAt:      time.Now().UTC(),
		},
		{
			ScreengrabID:    sg.ID,
			Index:           1,
			BBox:            model.BoundingBox{X: 500, Y: 120, W: 180, H: 90},
			SelectorKind:    model.SelectorPrimitive,
			Quality:         model.QualityJunk,
			QualityScore:    0.2,
			StorageBucket:   "kpidrifthunter",
			StoragePathCrop: blob.WidgetKey("sess-1", 1, model.QualityJunk),
			ExtractionStage: model.StageCaptured,
			CapturedAt:      time.Now().UTC(),
		},
	}
	require.NoError(t, st.InsertWidgets(ctx, widgets))

	blobs := blob.NewFS(t.TempDir())
	for _, w := range widgets {
		_, err := blobs.Put(ctx, w.StorageBucket, w.StoragePathCrop, []byte("png-bytes"), "image/png")
		require.NoError(t, err)
	}

	stub := &stubMistral{replies: replies}
	retry := resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     1,
		JitterFraction: 0,
	}
	ex := New(st, blobs, NewOracle(stub, "pixtral-12b-2409"), retry)

	return &fixture{ex: ex, st: st, blobs: blobs, stub: stub, good: widgets[0], junk: widgets[1]}
}

func TestParseChartValues(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		points  int
	}{
		{name: "direct json", raw: validReply, points: 2},
		{name: "prose wrapped", raw: "Here are the values:\n" + validReply + "\nLet me know!", points: 2},
		{name: "empty points", raw: `{"title":"KPI","data_points":[]}`, points: 0},
		{name: "no json at all", raw: "I could not read the chart.", wantErr: true},
		{name: "broken json", raw: `{"title": "oops", "data_points": [`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseChartValues(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrUnparseable)
				return
			}
			require.NoError(t, err)
			assert.Len(t, v.DataPoints, tt.points)
		})
	}
}

func TestProcessSession_GoodWidgetsOnly(t *testing.T) {
	f := newFixture(t, stubReply{content: validReply})
	ctx := context.Background()

	m, err := f.ex.ProcessSession(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Processed)
	assert.Equal(t, 0, m.Failed)
	require.Len(t, m.Items, 1, "junk widgets are never sent to the oracle")
	assert.Equal(t, f.good.ID, m.Items[0].WidgetID)
	assert.Equal(t, 1, f.stub.calls)

	ev, err := f.st.LatestExtractionForWidget(ctx, f.good.ID)
	require.NoError(t, err)
	assert.Equal(t, "Monthly Revenue", ev.Values.Title)
	assert.Len(t, ev.Values.DataPoints, 2)
	assert.Equal(t, "pixtral-12b-2409", ev.ModelName)
	assert.Equal(t, f.good.StoragePathCrop, ev.ImageStorageKey)

	audit, err := f.blobs.Get(ctx, f.good.StorageBucket, ev.AuditStorageKey)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"Jan"`)

	w, err := f.st.GetWidget(ctx, f.good.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageParsed, w.ExtractionStage)

	j, err := f.st.GetWidget(ctx, f.junk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCaptured, j.ExtractionStage)
}

func TestProcessSession_TransientRetry(t *testing.T) {
	f := newFixture(t,
		stubReply{err: &mistral.APIError{StatusCode: 429, Body: "rate limited"}},
		stubReply{content: validReply},
	)

	m, err := f.ex.ProcessSession(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Processed)
	assert.Equal(t, 0, m.Failed)
	assert.Equal(t, 2, f.stub.calls)
}

func TestProcessSession_ParseFailureGoesToDLQ(t *testing.T) {
	f := newFixture(t, stubReply{content: "the chart shows revenue going up"})
	ctx := context.Background()

	m, err := f.ex.ProcessSession(ctx, "sess-1", 0)
	require.NoError(t, err, "a bad widget must not fail the session run")
	assert.Equal(t, 0, m.Processed)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 1, f.stub.calls, "parse failures are permanent, not retried")

	_, err = f.st.LatestExtractionForWidget(ctx, f.good.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing partial is persisted")

	w, err := f.st.GetWidget(ctx, f.good.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCaptured, w.ExtractionStage)

	time.Sleep(10 * time.Millisecond)
	entries, err := f.st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.good.ID, entries[0].WidgetID)
	assert.Equal(t, "permanent", entries[0].ErrorType)
	assert.Equal(t, "extract", entries[0].FailedPhase)
}

func TestProcessSession_APIFailureClassifiedTransient(t *testing.T) {
	f := newFixture(t, stubReply{err: &mistral.APIError{StatusCode: 503, Body: "down"}})
	ctx := context.Background()

	m, err := f.ex.ProcessSession(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Failed)
	assert.Equal(t, 2, f.stub.calls, "transient failures use every attempt")

	time.Sleep(10 * time.Millisecond)
	entries, err := f.st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "transient", entries[0].ErrorType)
}

func TestRetry_ReplaysDeadLetters(t *testing.T) {
	f := newFixture(t, stubReply{err: &mistral.APIError{StatusCode: 500, Body: "boom"}})
	ctx := context.Background()

	_, err := f.ex.ProcessSession(ctx, "sess-1", 0)
	require.NoError(t, err)

	// Oracle recovers before the replay.
	f.stub.replies = append(f.stub.replies, stubReply{content: validReply})
	time.Sleep(10 * time.Millisecond)

	m, err := f.ex.Retry(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Processed)
	assert.Equal(t, 0, m.Failed)

	ev, err := f.st.LatestExtractionForWidget(ctx, f.good.ID)
	require.NoError(t, err)
	assert.Equal(t, "Monthly Revenue", ev.Values.Title)

	entries, err := f.st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries, "successful replays leave the queue")
}
