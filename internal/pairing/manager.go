// Package pairing persists human-asserted widget equivalences. A reviewer
// tags widgets on two sessions with shared pair numbers; the manager turns
// every unambiguous number into an SCD-2 pair mapping.
package pairing

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/store"
)

// Submission is one human-in-the-loop pairing batch. Left and Right map a
// pair number to the widget ids tagged with it on that side.
type Submission struct {
	SessionIDLeft  string           `json:"session_id_left"`
	SessionIDRight string           `json:"session_id_right"`
	Left           map[int][]string `json:"left"`
	Right          map[int][]string `json:"right"`
}

// Ambiguity reports a pair number that was skipped because a side did not
// carry exactly one widget.
type Ambiguity struct {
	PairNumber int `json:"pair_no"`
	LeftCount  int `json:"left_count"`
	RightCount int `json:"right_count"`
}

// Outcome is the persisted fate of one accepted pair number.
type Outcome struct {
	PairNumber int              `json:"pair_no"`
	PairID     string           `json:"pair_id,omitempty"`
	Change     model.PairChange `json:"change,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Result summarizes a batch submission. Ambiguous and failed numbers are
// reported individually; valid pairs elsewhere in the batch still commit.
type Result struct {
	Inserted   int         `json:"inserted"`
	Unchanged  int         `json:"unchanged"`
	Superseded int         `json:"superseded"`
	Failed     int         `json:"failed"`
	Ambiguous  []Ambiguity `json:"ambiguous,omitempty"`
	Outcomes   []Outcome   `json:"outcomes"`
}

// Manager validates and persists pairing submissions.
type Manager struct {
	store store.Store
}

// NewManager creates a Manager.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// SubmitBatch walks the submission's pair numbers in ascending order. A
// number qualifies only when exactly one widget carries it on each side;
// everything else lands in Ambiguous. There is no batch-level rollback.
func (m *Manager) SubmitBatch(ctx context.Context, sub Submission) (*Result, error) {
	if sub.SessionIDLeft == "" || sub.SessionIDRight == "" {
		return nil, eris.New("pairing: both session ids are required")
	}

	numbers := make(map[int]bool, len(sub.Left)+len(sub.Right))
	for no := range sub.Left {
		numbers[no] = true
	}
	for no := range sub.Right {
		numbers[no] = true
	}
	ordered := make([]int, 0, len(numbers))
	for no := range numbers {
		ordered = append(ordered, no)
	}
	sort.Ints(ordered)

	res := &Result{}
	for _, no := range ordered {
		left := sub.Left[no]
		right := sub.Right[no]
		if len(left) != 1 || len(right) != 1 {
			res.Ambiguous = append(res.Ambiguous, Ambiguity{
				PairNumber: no,
				LeftCount:  len(left),
				RightCount: len(right),
			})
			zap.L().Warn("pairing: ambiguous pair number skipped",
				zap.Int("pair_no", no),
				zap.Int("left_count", len(left)),
				zap.Int("right_count", len(right)),
			)
			continue
		}

		outcome := Outcome{PairNumber: no}
		pm, change, err := m.store.UpsertPairMapping(ctx, model.PairMapping{
			WidgetIDLeft:   left[0],
			WidgetIDRight:  right[0],
			SessionIDLeft:  sub.SessionIDLeft,
			SessionIDRight: sub.SessionIDRight,
			PairNumber:     no,
			Status:         model.PairStatusMapped,
		})
		if err != nil {
			outcome.Error = err.Error()
			res.Failed++
		} else {
			outcome.PairID = pm.ID
			outcome.Change = change
			switch change {
			case model.PairInserted:
				res.Inserted++
			case model.PairUnchanged:
				res.Unchanged++
			case model.PairSuperseded:
				res.Superseded++
			}
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}

	zap.L().Info("pairing: batch submitted",
		zap.String("session_left", sub.SessionIDLeft),
		zap.String("session_right", sub.SessionIDRight),
		zap.Int("inserted", res.Inserted),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("superseded", res.Superseded),
		zap.Int("ambiguous", len(res.Ambiguous)),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// ListCurrent returns the current pair mappings between two sessions.
func (m *Manager) ListCurrent(ctx context.Context, leftSession, rightSession string) ([]model.PairMapping, error) {
	pairs, err := m.store.ListPairMappings(ctx, store.PairFilter{
		SessionIDLeft:  leftSession,
		SessionIDRight: rightSession,
		CurrentOnly:    true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pairing: list current mappings")
	}
	return pairs, nil
}
