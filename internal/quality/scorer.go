// Package quality scores widget candidate regions. The heuristic is
// additive/subtractive over size, selector trust, title proximity and aspect
// ratio, clamped to [0,1]; every penalty leaves a reason code so a human can
// reconstruct why a crop was labeled junk.
package quality

import (
	"math"

	"github.com/sells-group/kpidrift-cli/internal/config"
	"github.com/sells-group/kpidrift-cli/internal/model"
)

// Reason codes attached to scoring penalties. These are stable identifiers:
// they end up in widget rows and drift reports.
const (
	ReasonTooSmall              = "too_small"
	ReasonPrimitiveSelector     = "primitive_selector"
	ReasonNoTitle               = "no_title"
	ReasonHardAspectViolation   = "hard_ar_violation"
	ReasonBadAspectRatio        = "bad_aspect_ratio"
	ReasonTooSmallForGood       = "too_small_for_good"
	ReasonNoRescueHardAspect    = "no_rescue_hard_ar"
	ReasonRescuedButSmall       = "container_title_but_too_small"
)

// Result is one scoring outcome. Reproducible: identical inputs always
// produce identical scores and reason lists.
type Result struct {
	Label       model.QualityLabel
	Score       float64
	Reasons     []string
	AreaPx      int
	AspectRatio float64
}

// Scorer applies the quality heuristic with a fixed set of thresholds.
type Scorer struct {
	cfg  config.QualityConfig
	minW int
	minH int
}

// NewScorer creates a Scorer. minW/minH are the detection-time size gates
// (the same values RegionDetector filters on).
func NewScorer(cfg config.QualityConfig, minW, minH int) *Scorer {
	return &Scorer{cfg: cfg, minW: minW, minH: minH}
}

// Score rates one candidate. Pure function of its inputs.
func (s *Scorer) Score(kind model.SelectorKind, box model.BoundingBox, titlePresent bool) Result {
	area := box.Area()
	ar := box.AspectRatio()

	score := 0.0
	var reasons []string

	// Absolute size gate just to be considered.
	if box.W < s.minW || box.H < s.minH {
		reasons = append(reasons, ReasonTooSmall)
		score -= 0.7
	} else {
		score += 0.2
	}

	// Selector trust.
	switch kind {
	case model.SelectorContainer, model.SelectorTableauSheet:
		score += 0.6
	case model.SelectorRole:
		score += 0.3
	default:
		reasons = append(reasons, ReasonPrimitiveSelector)
		score += 0.15
	}

	// Title proximity.
	if titlePresent {
		score += 0.35
	} else {
		reasons = append(reasons, ReasonNoTitle)
	}

	// Hard aspect-ratio rule: extreme shapes are navigation rails and
	// separators, not charts.
	hardARViolation := ar < s.cfg.HardAspectLow || ar > s.cfg.HardAspectHigh
	if hardARViolation {
		reasons = append(reasons, ReasonHardAspectViolation)
		score -= 0.6
	}

	// Soft aspect-ratio penalty for skinny strips inside the hard band.
	if ar < s.cfg.SoftAspectLow || ar > s.cfg.SoftAspectHigh {
		reasons = append(reasons, ReasonBadAspectRatio)
		score -= 0.35
	}

	// Minimum "good" size. A container with a nearby title is exempt from
	// the full bar (the rescue rule) but still pays smaller penalties below.
	goodSizeOK := box.W >= s.cfg.MinGoodWidth &&
		box.H >= s.cfg.MinGoodHeight &&
		area >= s.cfg.MinGoodArea
	containerWithTitle := (kind == model.SelectorContainer || kind == model.SelectorTableauSheet) && titlePresent

	if !goodSizeOK && !containerWithTitle {
		reasons = append(reasons, ReasonTooSmallForGood)
		score -= 0.35
	}

	if containerWithTitle {
		if hardARViolation {
			reasons = append(reasons, ReasonNoRescueHardAspect)
			score -= 0.25
		}
		if box.W < s.cfg.RescueMinWidth || box.H < s.cfg.RescueMinHeight || area < s.cfg.RescueMinArea {
			reasons = append(reasons, ReasonRescuedButSmall)
			score -= 0.2
		}
	}

	score = math.Max(0, math.Min(1, score))
	score = math.Round(score*1000) / 1000

	label := model.QualityJunk
	if score >= s.cfg.GoodThreshold {
		label = model.QualityGood
	}

	return Result{
		Label:       label,
		Score:       score,
		Reasons:     reasons,
		AreaPx:      area,
		AspectRatio: math.Round(ar*1000) / 1000,
	}
}
