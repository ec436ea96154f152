package model

import "time"

// DataPoint is one (x, y) observation an oracle read off a chart. X stays a
// string: category axes carry labels like "Jan" or "Q3 2024".
type DataPoint struct {
	X string  `json:"x"`
	Y float64 `json:"y"`
}

// ChartValues is the structured payload the extraction oracle returns for a
// widget image.
type ChartValues struct {
	Title      string      `json:"title,omitempty"`
	XAxisLabel string      `json:"x_axis_label,omitempty"`
	YAxisLabel string      `json:"y_axis_label,omitempty"`
	DataPoints []DataPoint `json:"data_points"`
}

// Empty reports whether the oracle produced no usable values.
func (v ChartValues) Empty() bool {
	return len(v.DataPoints) == 0
}

// ExtractedValue records one extraction-oracle run over a widget crop.
// Multiple extractions per widget are allowed; consumers read the most
// recent by CreatedAt.
type ExtractedValue struct {
	ID              string      `json:"extraction_id"`
	WidgetID        string      `json:"widget_id"`
	ScreengrabID    string      `json:"screengrab_id"`
	SessionID       string      `json:"session_folder,omitempty"`
	ImageStorageKey string      `json:"image_storage_path"`
	AuditStorageKey string      `json:"json_storage_path"`
	Values          ChartValues `json:"values"`
	ModelName       string      `json:"model_name"`
	CreatedAt       time.Time   `json:"created_at"`
}
