package model

import "time"

// Platform identifies the BI tool a dashboard URL belongs to.
type Platform string

const (
	PlatformPowerBI Platform = "powerbi"
	PlatformTableau Platform = "tableau"
	PlatformUnknown Platform = "unknown"
)

// Screengrab is one full-page capture of a BI dashboard at a point in time.
// Rows are content-addressed: capturing byte-identical page content twice
// resolves to the same row.
type Screengrab struct {
	ID                 string    `json:"screengrab_id"`
	SessionID          string    `json:"capture_session_id"`
	URL                string    `json:"url"`
	Platform           Platform  `json:"platform"`
	DetectedVia        string    `json:"detected_via"`
	PlatformConfidence float64   `json:"platform_confidence"`
	ContentHash        string    `json:"screengrab_hashvalue"` // sha256 hex of full image bytes
	StorageBucket      string    `json:"storage_bucket"`
	StoragePathFull    string    `json:"storage_path_full"`
	WrapperHost        string    `json:"wrapper_host,omitempty"`
	ReportName         string    `json:"report_name,omitempty"`
	ReportSlug         string    `json:"report_slug,omitempty"`
	CapturedAt         time.Time `json:"captured_at"`

	SCD2
}

// SCD2 carries the slowly-changing-dimension type 2 bookkeeping columns
// shared by every versioned entity.
type SCD2 struct {
	EffectiveStart time.Time  `json:"rec_eff_strt_dt"`
	EffectiveEnd   *time.Time `json:"rec_eff_end_dt,omitempty"`
	Current        bool       `json:"curr_rec_ind"`
}
