package model

import (
	"encoding/json"
	"time"
)

// CompareMode selects how two extracted value sets are compared.
type CompareMode string

const (
	// CompareNumeric joins the two series on x label and computes
	// correlation and error statistics locally.
	CompareNumeric CompareMode = "numeric"

	// CompareLLM sends both raw value payloads to an LLM oracle that
	// normalizes units/labels and judges values only.
	CompareLLM CompareMode = "llm"
)

// CompareVerdict is a comparison outcome. Numeric mode and oracle mode carry
// their historical taxonomies side by side; CompareMode disambiguates.
type CompareVerdict string

const (
	// Numeric-mode verdicts.
	VerdictConsistent     CompareVerdict = "consistent"
	VerdictLikelyMismatch CompareVerdict = "likely_mismatch"
	VerdictConflict       CompareVerdict = "conflict"
	VerdictNoOverlap      CompareVerdict = "no_overlap"

	// Oracle-mode verdicts.
	VerdictMatched    CompareVerdict = "Matched"
	VerdictNotMatched CompareVerdict = "NotMatched"
)

// CompareResult is one comparison outcome between two extractions of a
// mapped pair. SCD-2 natural key:
// (PairID, LeftExtractionID, RightExtractionID, ModelName).
type CompareResult struct {
	ID                string          `json:"compare_id"`
	PairID            string          `json:"pair_id"`
	LeftExtractionID  string          `json:"left_extraction_id"`
	RightExtractionID string          `json:"right_extraction_id"`
	LeftWidgetID      string          `json:"left_widget_id"`
	RightWidgetID     string          `json:"right_widget_id"`
	Mode              CompareMode     `json:"compare_mode"`
	ModelName         string          `json:"model_name"`
	Verdict           CompareVerdict  `json:"verdict"`
	Confidence        float64         `json:"confidence"`
	Reasons           []string        `json:"reasons,omitempty"`
	Corr              *float64        `json:"corr,omitempty"`
	MAPE              *float64        `json:"mape,omitempty"`
	AlignedPoints     int             `json:"n,omitempty"`
	NumbersUsed       json.RawMessage `json:"numbers_used,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`

	SCD2
}
