package model

import "time"

// QualityLabel is the binary quality classification of a widget crop.
type QualityLabel string

const (
	QualityGood QualityLabel = "good"
	QualityJunk QualityLabel = "junk"
)

// ExtractionStage tracks how far a widget has moved through the pipeline.
type ExtractionStage string

const (
	StageCaptured ExtractionStage = "captured"
	StageParsed   ExtractionStage = "parsed"
)

// Widget is one detected chart/visual region cropped from a Screengrab.
// Quality fields are write-once at detection time; only the extraction stage
// advances afterwards.
type Widget struct {
	ID              string          `json:"widget_id"`
	ScreengrabID    string          `json:"screengrab_id"`
	Index           int             `json:"widget_index"`
	BBox            BoundingBox     `json:"bbox_xywh"`
	SelectorKind    SelectorKind    `json:"selector_kind"`
	Title           string          `json:"widget_title,omitempty"`
	TitlePresent    bool            `json:"title_present"`
	Quality         QualityLabel    `json:"quality"`
	QualityScore    float64         `json:"quality_score"`
	QualityReasons  []string        `json:"quality_reason,omitempty"`
	StorageBucket   string          `json:"storage_bucket"`
	StoragePathCrop string          `json:"storage_path_crop"`
	ExtractionStage ExtractionStage `json:"extraction_stage"`
	CapturedAt      time.Time       `json:"captured_at"`

	SCD2
}

// IsGood reports whether the widget crop passed the quality threshold.
func (w *Widget) IsGood() bool {
	return w.Quality == QualityGood
}
