package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpidrift-cli/internal/blob"
	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/resilience"
	"github.com/sells-group/kpidrift-cli/internal/store"
	"github.com/sells-group/kpidrift-cli/pkg/mistral"
)

const auditTimestampLayout = "20060102T150405Z"

// Extractor drives value extraction for captured widgets: download the crop,
// ask the oracle, write the audit JSON, insert the fact row, advance the
// widget's stage. Widgets run sequentially; each oracle call is a blocking
// round-trip retried on transient failures only.
type Extractor struct {
	store   store.Store
	blobs   blob.Store
	oracle  *Oracle
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// New creates an Extractor. The circuit breaker sits outside the per-widget
// retry loop: once the oracle keeps failing after retries, the remaining
// widgets of the session fail fast instead of burning the full backoff
// budget each.
func New(st store.Store, blobs blob.Store, oracle *Oracle, retry resilience.RetryConfig) *Extractor {
	retry.ShouldRetry = shouldRetryOracle
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("mistral", "extract")
	}

	cbCfg := resilience.DefaultCircuitBreakerConfig()
	cbCfg.ShouldTrip = shouldRetryOracle
	cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("extractor: oracle circuit state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}

	return &Extractor{
		store:   st,
		blobs:   blobs,
		oracle:  oracle,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(cbCfg),
	}
}

// shouldRetryOracle treats rate limits and server-side failures as
// retryable; parse errors and client-side rejections are permanent.
func shouldRetryOracle(err error) bool {
	var apiErr *mistral.APIError
	if errors.As(err, &apiErr) {
		return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
	}
	return resilience.IsTransient(err)
}

// Item is the outcome of one widget in a session run.
type Item struct {
	WidgetID     string `json:"widget_id"`
	ImageKey     string `json:"image"`
	AuditKey     string `json:"json,omitempty"`
	ExtractionID string `json:"extraction_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Manifest summarizes a session extraction run.
type Manifest struct {
	SessionID string `json:"capture_session_id"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Items     []Item `json:"items"`
}

// ProcessSession extracts values for every good widget of a session, oldest
// index first. Failures are isolated per widget: the failing crop goes to
// the dead letter queue and the run continues. limit <= 0 means no limit.
func (e *Extractor) ProcessSession(ctx context.Context, sessionID string, limit int) (*Manifest, error) {
	widgets, err := e.store.ListWidgets(ctx, store.WidgetFilter{
		SessionID: sessionID,
		Quality:   model.QualityGood,
		Limit:     limit,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extractor: list widgets for %s", sessionID)
	}

	m := &Manifest{SessionID: sessionID}
	for _, w := range widgets {
		item := Item{WidgetID: w.ID, ImageKey: w.StoragePathCrop}

		ev, err := e.ProcessWidget(ctx, sessionID, w)
		if err != nil {
			item.Error = err.Error()
			m.Failed++
			e.enqueueFailure(ctx, sessionID, w, err)
			zap.L().Warn("extractor: widget failed",
				zap.String("widget_id", w.ID),
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		} else {
			item.AuditKey = ev.AuditStorageKey
			item.ExtractionID = ev.ID
			m.Processed++
		}
		m.Items = append(m.Items, item)

		if ctx.Err() != nil {
			return m, eris.Wrap(ctx.Err(), "extractor: session run interrupted")
		}
	}

	zap.L().Info("extractor: session processed",
		zap.String("session_id", sessionID),
		zap.Int("processed", m.Processed),
		zap.Int("failed", m.Failed),
	)
	return m, nil
}

// ProcessWidget runs one crop end to end. On success the extraction row and
// its audit JSON both exist and the widget stage is parsed; on any failure
// nothing partial is persisted.
func (e *Extractor) ProcessWidget(ctx context.Context, sessionID string, w model.Widget) (*model.ExtractedValue, error) {
	png, err := e.blobs.Get(ctx, w.StorageBucket, w.StoragePathCrop)
	if err != nil {
		return nil, eris.Wrapf(err, "extractor: download crop %s", w.StoragePathCrop)
	}

	values, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (model.ChartValues, error) {
		return resilience.DoVal(ctx, e.retry, func(ctx context.Context) (model.ChartValues, error) {
			return e.oracle.Extract(ctx, png)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extractor: oracle call for widget %s", w.ID)
	}

	payload, err := json.Marshal(values)
	if err != nil {
		return nil, eris.Wrap(err, "extractor: marshal values")
	}

	imageName := path.Base(w.StoragePathCrop)
	ts := time.Now().UTC().Format(auditTimestampLayout)
	auditKey := blob.AuditJSONKey(sessionID, imageName, ts)
	if _, err := e.blobs.Put(ctx, w.StorageBucket, auditKey, payload, "application/json"); err != nil {
		return nil, eris.Wrapf(err, "extractor: write audit json %s", auditKey)
	}

	ev := &model.ExtractedValue{
		ID:              uuid.NewString(),
		WidgetID:        w.ID,
		ScreengrabID:    w.ScreengrabID,
		SessionID:       sessionID,
		ImageStorageKey: w.StoragePathCrop,
		AuditStorageKey: auditKey,
		Values:          values,
		ModelName:       e.oracle.ModelName(),
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.InsertExtraction(ctx, ev); err != nil {
		return nil, eris.Wrapf(err, "extractor: insert extraction for widget %s", w.ID)
	}

	if err := e.store.MarkWidgetParsed(ctx, w.ID); err != nil {
		return nil, eris.Wrapf(err, "extractor: mark widget %s parsed", w.ID)
	}

	return ev, nil
}

// Retry re-runs dead-lettered widgets that are due. Entries that succeed
// leave the queue; entries that fail again get their retry count bumped and
// a pushed-out next attempt. limit <= 0 means no limit.
func (e *Extractor) Retry(ctx context.Context, limit int) (*Manifest, error) {
	entries, err := e.store.DequeueDLQ(ctx, resilience.DLQFilter{Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "extractor: dequeue dlq")
	}

	m := &Manifest{}
	for _, entry := range entries {
		item := Item{WidgetID: entry.WidgetID, ImageKey: entry.ImageKey}

		w, err := e.store.GetWidget(ctx, entry.WidgetID)
		if err == nil {
			var ev *model.ExtractedValue
			ev, err = e.ProcessWidget(ctx, entry.SessionID, *w)
			if err == nil {
				item.AuditKey = ev.AuditStorageKey
				item.ExtractionID = ev.ID
			}
		}

		if err != nil {
			item.Error = err.Error()
			m.Failed++
			next := time.Now().UTC().Add(e.retry.InitialBackoff * time.Duration(entry.RetryCount+2))
			if dlqErr := e.store.IncrementDLQRetry(ctx, entry.ID, next, err.Error()); dlqErr != nil {
				zap.L().Error("extractor: dlq retry bookkeeping failed",
					zap.String("dlq_id", entry.ID), zap.Error(dlqErr))
			}
		} else {
			m.Processed++
			if dlqErr := e.store.RemoveDLQ(ctx, entry.ID); dlqErr != nil {
				zap.L().Error("extractor: dlq remove failed",
					zap.String("dlq_id", entry.ID), zap.Error(dlqErr))
			}
		}
		m.Items = append(m.Items, item)
	}

	return m, nil
}

func (e *Extractor) enqueueFailure(ctx context.Context, sessionID string, w model.Widget, cause error) {
	errorType := "permanent"
	if shouldRetryOracle(cause) || eris.Is(cause, resilience.ErrCircuitOpen) {
		errorType = "transient"
	}

	now := time.Now().UTC()
	entry := resilience.DLQEntry{
		ID:           uuid.NewString(),
		WidgetID:     w.ID,
		SessionID:    sessionID,
		ImageKey:     w.StoragePathCrop,
		Error:        cause.Error(),
		ErrorType:    errorType,
		FailedPhase:  "extract",
		MaxRetries:   e.retry.MaxAttempts,
		NextRetryAt:  now.Add(e.retry.InitialBackoff * 4),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := e.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("extractor: dlq enqueue failed",
			zap.String("widget_id", w.ID), zap.Error(err))
	}
}
