package comparator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/store"
	"github.com/sells-group/kpidrift-cli/pkg/anthropic"
)

// BulkComparer pushes oracle-mode comparison for a whole session pair
// through the Message Batches API: one primer request warms the prompt
// cache for the shared system prompt, then every pair rides in a single
// batch. Cheaper and faster than sequential calls when dozens of pairs
// are mapped.
type BulkComparer struct {
	engine    *Engine
	client    anthropic.Client
	modelName string
	poll      []anthropic.PollOption
}

// NewBulkComparer creates a BulkComparer on top of an Engine's store.
func NewBulkComparer(engine *Engine, client anthropic.Client, modelName string, poll ...anthropic.PollOption) *BulkComparer {
	if modelName == "" {
		modelName = "claude-haiku-4-5-20251001"
	}
	return &BulkComparer{engine: engine, client: client, modelName: modelName, poll: poll}
}

type batchSide struct {
	pair  model.PairMapping
	left  *model.ExtractedValue
	right *model.ExtractedValue
}

// CompareSessions batches every current pair mapped between the two
// sessions. Pairs missing an extraction are reported individually and never
// reach the oracle; batch-level failures fail the whole run.
func (b *BulkComparer) CompareSessions(ctx context.Context, leftSession, rightSession string) (*RunSummary, error) {
	pairs, err := b.engine.store.ListPairMappings(ctx, store.PairFilter{
		SessionIDLeft:  leftSession,
		SessionIDRight: rightSession,
		CurrentOnly:    true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "comparator: list pair mappings")
	}

	summary := &RunSummary{}
	system := anthropic.BuildCachedSystemBlocks(compareSystemPrompt)

	sides := make(map[string]batchSide, len(pairs))
	var requests []anthropic.BatchRequestItem
	for _, pair := range pairs {
		left, right, err := b.engine.loadSides(ctx, pair)
		if err != nil {
			summary.Failed++
			summary.Outcomes = append(summary.Outcomes, PairOutcome{
				PairID: pair.ID, PairNumber: pair.PairNumber, Error: err.Error(),
			})
			continue
		}

		leftJSON, err := json.Marshal(left.Values)
		if err != nil {
			return nil, eris.Wrap(err, "comparator: marshal left values")
		}
		rightJSON, err := json.Marshal(right.Values)
		if err != nil {
			return nil, eris.Wrap(err, "comparator: marshal right values")
		}

		customID := "pair-" + pair.ID
		sides[customID] = batchSide{pair: pair, left: left, right: right}
		requests = append(requests, anthropic.BatchRequestItem{
			CustomID: customID,
			Params: anthropic.MessageRequest{
				Model:     b.modelName,
				MaxTokens: 1024,
				System:    system,
				Messages: []anthropic.Message{
					{Role: "user", Content: compareUserPrompt(leftJSON, rightJSON)},
				},
			},
		})
	}

	if len(requests) == 0 {
		return summary, nil
	}

	primer, err := anthropic.PrimerRequest(ctx, b.client, anthropic.MessageRequest{
		Model:     b.modelName,
		MaxTokens: 16,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: "Acknowledge readiness with OK."}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "comparator: warm prompt cache")
	}
	primer.Usage.LogCost(b.modelName, "compare_primer")

	batch, err := b.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: requests})
	if err != nil {
		return nil, eris.Wrap(err, "comparator: submit compare batch")
	}
	zap.L().Info("comparator: batch submitted",
		zap.String("batch_id", batch.ID),
		zap.Int("pairs", len(requests)),
	)

	if _, err := anthropic.PollBatch(ctx, b.client, batch.ID, b.poll...); err != nil {
		return nil, eris.Wrapf(err, "comparator: batch %s did not complete", batch.ID)
	}

	iter, err := b.client.GetBatchResults(ctx, batch.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "comparator: fetch results of batch %s", batch.ID)
	}
	collected, err := anthropic.CollectBatchResultsDetailed(iter)
	if err != nil {
		return nil, eris.Wrapf(err, "comparator: drain batch %s", batch.ID)
	}

	for customID, msg := range collected.Succeeded {
		side, ok := sides[customID]
		if !ok {
			zap.L().Warn("comparator: unknown custom id in batch results", zap.String("custom_id", customID))
			continue
		}
		outcome := PairOutcome{PairID: side.pair.ID, PairNumber: side.pair.PairNumber}

		result, err := b.resultFromMessage(side, msg)
		if err == nil {
			err = b.engine.store.UpsertCompareResult(ctx, result)
		}
		if err != nil {
			outcome.Error = err.Error()
			summary.Failed++
		} else {
			outcome.Verdict = result.Verdict
			summary.Compared++
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	for _, failure := range collected.Failures {
		side, ok := sides[failure.CustomID]
		if !ok {
			continue
		}
		summary.Failed++
		summary.Outcomes = append(summary.Outcomes, PairOutcome{
			PairID:     side.pair.ID,
			PairNumber: side.pair.PairNumber,
			Error:      "batch item " + failure.Type,
		})
	}

	return summary, nil
}

func (b *BulkComparer) resultFromMessage(side batchSide, msg *anthropic.MessageResponse) (*model.CompareResult, error) {
	if len(msg.Content) == 0 {
		return nil, eris.Errorf("comparator: empty oracle reply for pair %s", side.pair.ID)
	}
	verdict, err := parseOracleVerdict(msg.Content[0].Text)
	if err != nil {
		return nil, err
	}

	return &model.CompareResult{
		PairID:            side.pair.ID,
		LeftExtractionID:  side.left.ID,
		RightExtractionID: side.right.ID,
		LeftWidgetID:      side.pair.WidgetIDLeft,
		RightWidgetID:     side.pair.WidgetIDRight,
		Mode:              model.CompareLLM,
		ModelName:         b.modelName,
		Verdict:           model.CompareVerdict(verdict.Verdict),
		Confidence:        verdict.Confidence,
		Reasons:           verdict.Why,
		NumbersUsed:       verdict.NumbersUsed,
		CreatedAt:         time.Now().UTC(),
	}, nil
}
