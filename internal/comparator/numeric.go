// Package comparator turns two extracted value sets into an auditable
// verdict, either by local series math or by asking an LLM oracle.
package comparator

import (
	"fmt"
	"math"

	"github.com/sells-group/kpidrift-cli/internal/model"
)

const epsilon = 1e-9

// NumericThresholds are the verdict cut lines for numeric mode.
type NumericThresholds struct {
	CorrConsistent float64
	MAPEConsistent float64
	CorrMismatch   float64
}

// DefaultNumericThresholds mirrors the tuned production values.
func DefaultNumericThresholds() NumericThresholds {
	return NumericThresholds{
		CorrConsistent: 0.95,
		MAPEConsistent: 0.02,
		CorrMismatch:   0.80,
	}
}

// AlignedPoint is one x label present on both sides.
type AlignedPoint struct {
	X     string  `json:"x"`
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// NumericStats is the outcome of a numeric comparison.
type NumericStats struct {
	Verdict model.CompareVerdict
	Corr    float64
	MAPE    float64
	N       int
	Aligned []AlignedPoint
	Reasons []string
}

// CompareNumeric inner-joins the two series on x label, then scores the
// aligned pairs with Pearson correlation and mean absolute percentage error
// (relative to the right side). An empty join is no_overlap, not an error.
// Pure and deterministic.
func CompareNumeric(left, right model.ChartValues, th NumericThresholds) NumericStats {
	rightByX := make(map[string]float64, len(right.DataPoints))
	for _, p := range right.DataPoints {
		rightByX[p.X] = p.Y
	}

	var aligned []AlignedPoint
	seen := make(map[string]bool)
	for _, p := range left.DataPoints {
		if seen[p.X] {
			continue
		}
		seen[p.X] = true
		if r, ok := rightByX[p.X]; ok {
			aligned = append(aligned, AlignedPoint{X: p.X, Left: p.Y, Right: r})
		}
	}

	if len(aligned) == 0 {
		return NumericStats{
			Verdict: model.VerdictNoOverlap,
			Reasons: []string{"no shared x labels between the two series"},
		}
	}

	var sumErr float64
	identical := true
	ls := make([]float64, len(aligned))
	rs := make([]float64, len(aligned))
	for i, a := range aligned {
		ls[i] = a.Left
		rs[i] = a.Right
		sumErr += math.Abs(a.Left-a.Right) / (math.Abs(a.Right) + epsilon)
		if math.Abs(a.Left-a.Right) > epsilon {
			identical = false
		}
	}
	mape := sumErr / float64(len(aligned))

	corr, degenerate := pearson(ls, rs)
	if degenerate {
		// Constant or single-point series have no defined correlation.
		// Identical values still deserve full credit.
		if identical {
			corr = 1.0
		} else {
			corr = 0.0
		}
	}

	stats := NumericStats{
		Corr:    corr,
		MAPE:    mape,
		N:       len(aligned),
		Aligned: aligned,
	}

	switch {
	case corr > th.CorrConsistent && mape < th.MAPEConsistent:
		stats.Verdict = model.VerdictConsistent
	case corr > th.CorrMismatch:
		stats.Verdict = model.VerdictLikelyMismatch
		stats.Reasons = append(stats.Reasons,
			fmt.Sprintf("correlated (corr=%.3f) but error too large (mape=%.4f)", corr, mape))
	default:
		stats.Verdict = model.VerdictConflict
		stats.Reasons = append(stats.Reasons,
			fmt.Sprintf("weak correlation (corr=%.3f)", corr))
	}
	if degenerate {
		stats.Reasons = append(stats.Reasons, "degenerate series: correlation undefined")
	}

	return stats
}

// pearson computes the correlation of two equal-length series. degenerate is
// true when either side has zero variance (including n == 1).
func pearson(xs, ys []float64) (corr float64, degenerate bool) {
	n := float64(len(xs))
	if len(xs) < 2 {
		return 0, true
	}

	var meanX, meanY float64
	for i := range xs {
		meanX += xs[i]
		meanY += ys[i]
	}
	meanX /= n
	meanY /= n

	var cov, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX < epsilon || varY < epsilon {
		return 0, true
	}
	return cov / math.Sqrt(varX*varY), false
}
