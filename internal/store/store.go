// Package store persists the drift-hunting record model: content-addressed
// screengrabs, widget crops, pair mappings, extractions and comparison
// results. Versioned entities use SCD-2 bookkeeping (rec_eff_strt_dt,
// rec_eff_end_dt, curr_rec_ind): rows are never updated in place, a new
// current row supersedes the old one inside a transaction.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/resilience"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = eris.New("store: not found")

// ScreengrabFilter specifies criteria for listing screengrabs.
type ScreengrabFilter struct {
	SessionID   string         `json:"session_id,omitempty"`
	Platform    model.Platform `json:"platform,omitempty"`
	CurrentOnly bool           `json:"current_only,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	Offset      int            `json:"offset,omitempty"`
}

// WidgetFilter specifies criteria for listing widgets.
type WidgetFilter struct {
	SessionID    string                `json:"session_id,omitempty"`
	ScreengrabID string                `json:"screengrab_id,omitempty"`
	Quality      model.QualityLabel    `json:"quality,omitempty"`
	Stage        model.ExtractionStage `json:"stage,omitempty"`
	Limit        int                   `json:"limit,omitempty"`
}

// PairFilter specifies criteria for listing pair mappings.
type PairFilter struct {
	SessionIDLeft  string `json:"session_id_left,omitempty"`
	SessionIDRight string `json:"session_id_right,omitempty"`
	CurrentOnly    bool   `json:"current_only,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// CompareFilter specifies criteria for listing comparison results.
type CompareFilter struct {
	PairID      string            `json:"pair_id,omitempty"`
	Mode        model.CompareMode `json:"mode,omitempty"`
	CurrentOnly bool              `json:"current_only,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

// SessionSummary is one capture session rolled up for listings.
type SessionSummary struct {
	SessionID   string         `json:"capture_session_id"`
	URL         string         `json:"url"`
	Platform    model.Platform `json:"platform"`
	ReportName  string         `json:"report_name,omitempty"`
	WidgetCount int            `json:"widget_count"`
	GoodCount   int            `json:"good_count"`
	CapturedAt  time.Time      `json:"captured_at"`
}

// Store defines the persistence interface for the drift pipeline.
type Store interface {
	// Screengrabs. UpsertScreengrab is idempotent on ContentHash: when a
	// current row already carries the same hash, the existing row comes back
	// with created=false and nothing is written. Otherwise any current row
	// for the same URL is end-dated and the new row becomes current.
	UpsertScreengrab(ctx context.Context, sg *model.Screengrab) (*model.Screengrab, bool, error)
	GetScreengrab(ctx context.Context, id string) (*model.Screengrab, error)
	ListScreengrabs(ctx context.Context, filter ScreengrabFilter) ([]model.Screengrab, error)
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)

	// Widgets
	InsertWidgets(ctx context.Context, widgets []model.Widget) error
	GetWidget(ctx context.Context, id string) (*model.Widget, error)
	ListWidgets(ctx context.Context, filter WidgetFilter) ([]model.Widget, error)
	MarkWidgetParsed(ctx context.Context, id string) error

	// Pair mappings (SCD-2 on the (left widget id, right widget id) natural
	// key; session ids and pair number are the versioned payload).
	UpsertPairMapping(ctx context.Context, pm model.PairMapping) (*model.PairMapping, model.PairChange, error)
	ListPairMappings(ctx context.Context, filter PairFilter) ([]model.PairMapping, error)

	// Extractions (append-only; latest wins)
	InsertExtraction(ctx context.Context, ev *model.ExtractedValue) error
	LatestExtractionForWidget(ctx context.Context, widgetID string) (*model.ExtractedValue, error)

	// Comparison results (SCD-2 on (pair, extraction ids, model))
	UpsertCompareResult(ctx context.Context, cr *model.CompareResult) error
	ListCompareResults(ctx context.Context, filter CompareFilter) ([]model.CompareResult, error)

	// Dead letter queue for failed extraction jobs
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
