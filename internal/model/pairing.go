package model

// PairStatus is the lifecycle status of a pair mapping.
type PairStatus string

const (
	PairStatusMapped   PairStatus = "mapped"
	PairStatusRetired  PairStatus = "retired"
)

// PairMapping is a human-asserted equivalence between two widgets believed
// to render the same KPI, possibly captured on different platforms or in
// different sessions. Natural key: (WidgetIDLeft, WidgetIDRight).
type PairMapping struct {
	ID             string     `json:"pair_id"`
	WidgetIDLeft   string     `json:"widget_id_left"`
	WidgetIDRight  string     `json:"widget_id_right"`
	SessionIDLeft  string     `json:"session_id_left"`
	SessionIDRight string     `json:"session_id_right"`
	PairNumber     int        `json:"pair_no"`
	Status         PairStatus `json:"status"`

	SCD2
}

// PairChange describes what an SCD-2 pair submission did.
type PairChange string

const (
	PairInserted   PairChange = "inserted"
	PairUnchanged  PairChange = "unchanged"
	PairSuperseded PairChange = "superseded"
)
