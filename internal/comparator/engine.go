package comparator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/store"
)

// numericModelName is the model identity recorded for local series math. It
// takes part in the SCD-2 natural key, so numeric and oracle results for the
// same pair version side by side.
const numericModelName = "numeric-v1"

// ErrMissingExtraction is returned when either side of a pair has no
// successful extraction yet. The oracle is never invoked in that case.
var ErrMissingExtraction = eris.New("comparator: missing extraction")

// ErrEmptyExtraction is returned when an extraction exists but carries no
// data points. Nothing is persisted and the oracle is never invoked.
var ErrEmptyExtraction = eris.New("comparator: empty extraction values")

// Engine produces and persists comparison verdicts for mapped pairs.
type Engine struct {
	store      store.Store
	provider   Provider
	thresholds NumericThresholds
}

// NewEngine creates an Engine. provider may be nil when only numeric mode
// will run.
func NewEngine(st store.Store, provider Provider, th NumericThresholds) *Engine {
	return &Engine{store: st, provider: provider, thresholds: th}
}

// loadSides fetches the latest extraction for each widget of the pair and
// rejects the pair when either payload is empty, before any mode dispatch.
func (e *Engine) loadSides(ctx context.Context, pair model.PairMapping) (left, right *model.ExtractedValue, err error) {
	left, err = e.store.LatestExtractionForWidget(ctx, pair.WidgetIDLeft)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, nil, eris.Wrapf(ErrMissingExtraction, "left widget %s of pair %s", pair.WidgetIDLeft, pair.ID)
		}
		return nil, nil, eris.Wrapf(err, "comparator: load left extraction for pair %s", pair.ID)
	}
	right, err = e.store.LatestExtractionForWidget(ctx, pair.WidgetIDRight)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, nil, eris.Wrapf(ErrMissingExtraction, "right widget %s of pair %s", pair.WidgetIDRight, pair.ID)
		}
		return nil, nil, eris.Wrapf(err, "comparator: load right extraction for pair %s", pair.ID)
	}
	if left.Values.Empty() {
		return nil, nil, eris.Wrapf(ErrEmptyExtraction, "left widget %s of pair %s", pair.WidgetIDLeft, pair.ID)
	}
	if right.Values.Empty() {
		return nil, nil, eris.Wrapf(ErrEmptyExtraction, "right widget %s of pair %s", pair.WidgetIDRight, pair.ID)
	}
	return left, right, nil
}

// ComparePair runs one comparison in the requested mode and persists the
// verdict under the pair's SCD-2 history.
func (e *Engine) ComparePair(ctx context.Context, pair model.PairMapping, mode model.CompareMode) (*model.CompareResult, error) {
	left, right, err := e.loadSides(ctx, pair)
	if err != nil {
		return nil, err
	}

	var result *model.CompareResult
	switch mode {
	case model.CompareNumeric:
		result = e.compareNumeric(pair, left, right)
	case model.CompareLLM:
		result, err = e.compareOracle(ctx, pair, left, right)
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.Errorf("comparator: unknown compare mode %q", mode)
	}

	if err := e.store.UpsertCompareResult(ctx, result); err != nil {
		return nil, eris.Wrapf(err, "comparator: persist result for pair %s", pair.ID)
	}

	zap.L().Info("comparator: pair compared",
		zap.String("pair_id", pair.ID),
		zap.String("mode", string(mode)),
		zap.String("verdict", string(result.Verdict)),
	)
	return result, nil
}

func (e *Engine) compareNumeric(pair model.PairMapping, left, right *model.ExtractedValue) *model.CompareResult {
	stats := CompareNumeric(left.Values, right.Values, e.thresholds)

	result := &model.CompareResult{
		PairID:            pair.ID,
		LeftExtractionID:  left.ID,
		RightExtractionID: right.ID,
		LeftWidgetID:      pair.WidgetIDLeft,
		RightWidgetID:     pair.WidgetIDRight,
		Mode:              model.CompareNumeric,
		ModelName:         numericModelName,
		Verdict:           stats.Verdict,
		Reasons:           stats.Reasons,
		AlignedPoints:     stats.N,
		CreatedAt:         time.Now().UTC(),
	}
	if stats.Verdict != model.VerdictNoOverlap {
		corr, mape := stats.Corr, stats.MAPE
		result.Corr = &corr
		result.MAPE = &mape
		result.Confidence = corr
	}
	if blob, err := json.Marshal(stats.Aligned); err == nil && stats.Aligned != nil {
		result.NumbersUsed = blob
	}
	return result
}

func (e *Engine) compareOracle(ctx context.Context, pair model.PairMapping, left, right *model.ExtractedValue) (*model.CompareResult, error) {
	if e.provider == nil {
		return nil, eris.New("comparator: no oracle provider configured")
	}

	leftJSON, err := json.Marshal(left.Values)
	if err != nil {
		return nil, eris.Wrap(err, "comparator: marshal left values")
	}
	rightJSON, err := json.Marshal(right.Values)
	if err != nil {
		return nil, eris.Wrap(err, "comparator: marshal right values")
	}

	verdict, err := e.provider.Compare(ctx, leftJSON, rightJSON)
	if err != nil {
		return nil, eris.Wrapf(err, "comparator: oracle verdict for pair %s", pair.ID)
	}

	return &model.CompareResult{
		PairID:            pair.ID,
		LeftExtractionID:  left.ID,
		RightExtractionID: right.ID,
		LeftWidgetID:      pair.WidgetIDLeft,
		RightWidgetID:     pair.WidgetIDRight,
		Mode:              model.CompareLLM,
		ModelName:         e.provider.Name(),
		Verdict:           model.CompareVerdict(verdict.Verdict),
		Confidence:        verdict.Confidence,
		Reasons:           verdict.Why,
		NumbersUsed:       verdict.NumbersUsed,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// PairOutcome reports one pair of a session-pair run.
type PairOutcome struct {
	PairID     string               `json:"pair_id"`
	PairNumber int                  `json:"pair_no"`
	Verdict    model.CompareVerdict `json:"verdict,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// RunSummary aggregates a session-pair comparison run.
type RunSummary struct {
	Compared int           `json:"compared"`
	Failed   int           `json:"failed"`
	Outcomes []PairOutcome `json:"outcomes"`
}

// CompareSessions compares every current pair mapped between two sessions.
// Failures are isolated per pair and reported with the pair's key so a human
// can fix and resubmit just that pair.
func (e *Engine) CompareSessions(ctx context.Context, leftSession, rightSession string, mode model.CompareMode) (*RunSummary, error) {
	pairs, err := e.store.ListPairMappings(ctx, store.PairFilter{
		SessionIDLeft:  leftSession,
		SessionIDRight: rightSession,
		CurrentOnly:    true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "comparator: list pair mappings")
	}

	summary := &RunSummary{}
	for _, pair := range pairs {
		outcome := PairOutcome{PairID: pair.ID, PairNumber: pair.PairNumber}

		result, err := e.ComparePair(ctx, pair, mode)
		if err != nil {
			outcome.Error = err.Error()
			summary.Failed++
			zap.L().Warn("comparator: pair failed",
				zap.String("pair_id", pair.ID),
				zap.Int("pair_no", pair.PairNumber),
				zap.Error(err),
			)
		} else {
			outcome.Verdict = result.Verdict
			summary.Compared++
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	return summary, nil
}
