// Package report rolls the current pair mappings and their latest comparison
// verdicts between two capture sessions into a drift report, exportable as
// XLSX or CSV.
package report

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/store"
)

// NotCompared marks a mapped pair that has no comparison result yet.
const NotCompared model.CompareVerdict = "not_compared"

// SessionInfo describes one side of the report.
type SessionInfo struct {
	SessionID  string         `json:"capture_session_id"`
	URL        string         `json:"url"`
	Platform   model.Platform `json:"platform"`
	ReportName string         `json:"report_name,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// Row is one verdict line. A pair contributes one row per current comparison
// result, so a numeric and an oracle verdict for the same pair sit side by
// side; a pair that was never compared contributes a single NotCompared row.
type Row struct {
	PairNumber int                  `json:"pair_no"`
	PairID     string               `json:"pair_id"`
	LeftTitle  string               `json:"left_title,omitempty"`
	RightTitle string               `json:"right_title,omitempty"`
	Mode       model.CompareMode    `json:"compare_mode,omitempty"`
	ModelName  string               `json:"model_name,omitempty"`
	Verdict    model.CompareVerdict `json:"verdict"`
	Confidence float64              `json:"confidence"`
	Corr       *float64             `json:"corr,omitempty"`
	MAPE       *float64             `json:"mape,omitempty"`
	Aligned    int                  `json:"n,omitempty"`
	Reasons    []string             `json:"reasons,omitempty"`
	ComparedAt time.Time            `json:"compared_at,omitempty"`
}

// Report is a full drift report between two sessions.
type Report struct {
	Left        SessionInfo                  `json:"left"`
	Right       SessionInfo                  `json:"right"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Rows        []Row                        `json:"rows"`
	Verdicts    map[model.CompareVerdict]int `json:"verdicts"`
}

// Builder assembles reports from the store.
type Builder struct {
	store store.Store
}

// NewBuilder creates a Builder.
func NewBuilder(st store.Store) *Builder {
	return &Builder{store: st}
}

// Build assembles the drift report for the current pair mappings between two
// sessions. Rows come out ordered by pair number, then mode.
func (b *Builder) Build(ctx context.Context, leftSession, rightSession string) (*Report, error) {
	left, err := b.sessionInfo(ctx, leftSession)
	if err != nil {
		return nil, err
	}
	right, err := b.sessionInfo(ctx, rightSession)
	if err != nil {
		return nil, err
	}

	pairs, err := b.store.ListPairMappings(ctx, store.PairFilter{
		SessionIDLeft:  leftSession,
		SessionIDRight: rightSession,
		CurrentOnly:    true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "report: list pair mappings")
	}

	rep := &Report{
		Left:        left,
		Right:       right,
		GeneratedAt: time.Now().UTC(),
		Verdicts:    make(map[model.CompareVerdict]int),
	}

	for _, pair := range pairs {
		leftTitle, err := b.widgetTitle(ctx, pair.WidgetIDLeft)
		if err != nil {
			return nil, err
		}
		rightTitle, err := b.widgetTitle(ctx, pair.WidgetIDRight)
		if err != nil {
			return nil, err
		}

		results, err := b.store.ListCompareResults(ctx, store.CompareFilter{
			PairID:      pair.ID,
			CurrentOnly: true,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "report: list results for pair %s", pair.ID)
		}

		if len(results) == 0 {
			rep.Rows = append(rep.Rows, Row{
				PairNumber: pair.PairNumber,
				PairID:     pair.ID,
				LeftTitle:  leftTitle,
				RightTitle: rightTitle,
				Verdict:    NotCompared,
			})
			continue
		}
		for _, cr := range results {
			rep.Rows = append(rep.Rows, Row{
				PairNumber: pair.PairNumber,
				PairID:     pair.ID,
				LeftTitle:  leftTitle,
				RightTitle: rightTitle,
				Mode:       cr.Mode,
				ModelName:  cr.ModelName,
				Verdict:    cr.Verdict,
				Confidence: cr.Confidence,
				Corr:       cr.Corr,
				MAPE:       cr.MAPE,
				Aligned:    cr.AlignedPoints,
				Reasons:    cr.Reasons,
				ComparedAt: cr.CreatedAt,
			})
		}
	}

	sort.SliceStable(rep.Rows, func(i, j int) bool {
		if rep.Rows[i].PairNumber != rep.Rows[j].PairNumber {
			return rep.Rows[i].PairNumber < rep.Rows[j].PairNumber
		}
		return rep.Rows[i].Mode < rep.Rows[j].Mode
	})
	for _, row := range rep.Rows {
		rep.Verdicts[row.Verdict]++
	}
	return rep, nil
}

func (b *Builder) sessionInfo(ctx context.Context, sessionID string) (SessionInfo, error) {
	grabs, err := b.store.ListScreengrabs(ctx, store.ScreengrabFilter{SessionID: sessionID, Limit: 1})
	if err != nil {
		return SessionInfo{}, eris.Wrapf(err, "report: look up session %s", sessionID)
	}
	if len(grabs) == 0 {
		return SessionInfo{}, eris.Errorf("report: unknown session %s", sessionID)
	}
	sg := grabs[0]
	return SessionInfo{
		SessionID:  sg.SessionID,
		URL:        sg.URL,
		Platform:   sg.Platform,
		ReportName: sg.ReportName,
		CapturedAt: sg.CapturedAt,
	}, nil
}

func (b *Builder) widgetTitle(ctx context.Context, widgetID string) (string, error) {
	w, err := b.store.GetWidget(ctx, widgetID)
	if err != nil {
		return "", eris.Wrapf(err, "report: look up widget %s", widgetID)
	}
	return w.Title, nil
}
