package detect

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/kpidrift-cli/internal/capture"
	"github.com/sells-group/kpidrift-cli/internal/config"
	"github.com/sells-group/kpidrift-cli/internal/model"
)

// Candidate is one raw detection before deduplication.
type Candidate struct {
	Kind model.SelectorKind
	Box  model.BoundingBox
}

// GroupFailure records a selector group that could not be probed. Failures
// are reported alongside results so "this group broke" is distinguishable
// from "this page truly has zero widgets there".
type GroupFailure struct {
	Group SelectorGroup
	Err   error
}

// Detector probes selector groups against a DOM handle and collects
// candidate bounding boxes.
type Detector struct {
	cfg config.DetectConfig
}

// NewDetector creates a Detector with the given gates.
func NewDetector(cfg config.DetectConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect queries each selector group in order, reading up to MaxPerGroup
// element boxes per group and discarding any below the minimum size. A
// failing group is logged and reported but never aborts the pass; elements
// whose box cannot be read are skipped the same way.
func (d *Detector) Detect(ctx context.Context, dom capture.DOMHandle, groups []SelectorGroup) ([]Candidate, []GroupFailure) {
	var (
		candidates []Candidate
		failures   []GroupFailure
	)

	for _, g := range groups {
		elems, err := dom.Query(ctx, g.Query)
		if err != nil {
			zap.L().Warn("detect: selector group failed",
				zap.String("kind", string(g.Kind)),
				zap.String("query", g.Query),
				zap.Error(err),
			)
			failures = append(failures, GroupFailure{Group: g, Err: err})
			continue
		}

		n := len(elems)
		if d.cfg.MaxPerGroup > 0 && n > d.cfg.MaxPerGroup {
			n = d.cfg.MaxPerGroup
		}

		kept := 0
		for _, el := range elems[:n] {
			box, err := el.BoundingBox(ctx)
			if err != nil || box == nil {
				continue
			}
			if box.W < d.cfg.MinWidth || box.H < d.cfg.MinHeight {
				continue
			}
			candidates = append(candidates, Candidate{Kind: g.Kind, Box: *box})
			kept++
		}

		zap.L().Debug("detect: selector group probed",
			zap.String("kind", string(g.Kind)),
			zap.Int("matched", len(elems)),
			zap.Int("kept", kept),
		)
	}

	return candidates, failures
}
