package comparator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/store"
	"github.com/sells-group/kpidrift-cli/pkg/anthropic"
)

// scriptedBatchClient plays a full batch lifecycle: primer, submit, poll,
// results. Replies are keyed by custom id.
type scriptedBatchClient struct {
	replies     map[string]string
	failures    map[string]string // custom id -> failure type
	submitted   []anthropic.BatchRequestItem
	primerCalls int
}

func (c *scriptedBatchClient) CreateMessage(_ context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	c.primerCalls++
	return &anthropic.MessageResponse{ID: "msg_primer"}, nil
}

func (c *scriptedBatchClient) CreateBatch(_ context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	c.submitted = req.Requests
	return &anthropic.BatchResponse{ID: "batch_1", ProcessingStatus: "in_progress"}, nil
}

func (c *scriptedBatchClient) GetBatch(_ context.Context, batchID string) (*anthropic.BatchResponse, error) {
	return &anthropic.BatchResponse{ID: batchID, ProcessingStatus: "ended"}, nil
}

func (c *scriptedBatchClient) GetBatchResults(_ context.Context, _ string) (anthropic.BatchResultIterator, error) {
	var items []anthropic.BatchResultItem
	for _, req := range c.submitted {
		if ft, ok := c.failures[req.CustomID]; ok {
			items = append(items, anthropic.BatchResultItem{CustomID: req.CustomID, Type: ft})
			continue
		}
		items = append(items, anthropic.BatchResultItem{
			CustomID: req.CustomID,
			Type:     "succeeded",
			Message: &anthropic.MessageResponse{
				Content: []anthropic.ContentBlock{{Type: "text", Text: c.replies[req.CustomID]}},
			},
		})
	}
	return &sliceIterator{items: items, idx: -1}, nil
}

type sliceIterator struct {
	items []anthropic.BatchResultItem
	idx   int
}

func (it *sliceIterator) Next() bool {
	if it.idx+1 < len(it.items) {
		it.idx++
		return true
	}
	return false
}

func (it *sliceIterator) Item() anthropic.BatchResultItem { return it.items[it.idx] }
func (it *sliceIterator) Err() error                      { return nil }
func (it *sliceIterator) Close() error                    { return nil }

func TestBulkCompareSessions(t *testing.T) {
	f := newPairFixture(t)
	ctx := context.Background()

	client := &scriptedBatchClient{
		replies: map[string]string{
			"pair-" + f.pairFull.ID: `{"verdict":"Matched","confidence":0.95,"why":["aligned 2 points"]}`,
		},
	}
	engine := NewEngine(f.st, nil, DefaultNumericThresholds())
	bulk := NewBulkComparer(engine, client, "claude-haiku-4-5-20251001")

	summary, err := bulk.CompareSessions(ctx, "sessA", "sessB")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Compared)
	assert.Equal(t, 1, summary.Failed, "the half-extracted pair never reaches the batch")
	assert.Equal(t, 1, client.primerCalls, "one primer warms the cache per run")
	require.Len(t, client.submitted, 1)
	assert.Equal(t, "pair-"+f.pairFull.ID, client.submitted[0].CustomID)

	rows, err := f.st.ListCompareResults(ctx, store.CompareFilter{PairID: f.pairFull.ID, CurrentOnly: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.VerdictMatched, rows[0].Verdict)
	assert.Equal(t, "claude-haiku-4-5-20251001", rows[0].ModelName)
	assert.Equal(t, f.leftEx.ID, rows[0].LeftExtractionID)
}

func TestBulkCompareSessions_BatchItemFailure(t *testing.T) {
	f := newPairFixture(t)
	ctx := context.Background()

	client := &scriptedBatchClient{
		failures: map[string]string{"pair-" + f.pairFull.ID: "errored"},
	}
	engine := NewEngine(f.st, nil, DefaultNumericThresholds())
	bulk := NewBulkComparer(engine, client, "")

	summary, err := bulk.CompareSessions(ctx, "sessA", "sessB")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Compared)
	assert.Equal(t, 2, summary.Failed)

	var batchErrors int
	for _, o := range summary.Outcomes {
		if o.Error == "batch item errored" {
			batchErrors++
		}
	}
	assert.Equal(t, 1, batchErrors)

	rows, err := f.st.ListCompareResults(ctx, store.CompareFilter{PairID: f.pairFull.ID})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBulkCompareSessions_NothingToCompare(t *testing.T) {
	f := newPairFixture(t)
	engine := NewEngine(f.st, nil, DefaultNumericThresholds())
	bulk := NewBulkComparer(engine, &scriptedBatchClient{}, "")

	summary, err := bulk.CompareSessions(context.Background(), "sessX", "sessY")
	require.NoError(t, err)
	assert.Zero(t, summary.Compared)
	assert.Empty(t, summary.Outcomes)
}
