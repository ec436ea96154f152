package naming

import (
	"context"

	"github.com/sells-group/kpidrift-cli/internal/capture"
	"github.com/sells-group/kpidrift-cli/internal/model"
)

// headingSelector matches the elements dashboards use for per-widget titles.
const headingSelector = ".visualTitle, .visualHeaderTitleText, [role='heading'], h1, h2, h3, h4, h5, h6"

const maxHeadingMatches = 120

// TitleFinder locates the visible heading nearest above a widget box.
type TitleFinder struct {
	bandPx int
}

// NewTitleFinder creates a TitleFinder. bandPx is the vertical search band
// above a widget within which a heading may claim it.
func NewTitleFinder(bandPx int) *TitleFinder {
	return &TitleFinder{bandPx: bandPx}
}

// TitleNear returns the text of the heading closest above box, or "" when no
// heading sits in the band. A heading qualifies when its bottom edge lies at
// or above the widget's top, within bandPx of it, and the two overlap
// horizontally. Ties go to the smallest vertical gap.
func (f *TitleFinder) TitleNear(ctx context.Context, dom capture.DOMHandle, box model.BoundingBox) (string, error) {
	elems, err := dom.Query(ctx, headingSelector)
	if err != nil {
		return "", err
	}
	n := min(maxHeadingMatches, len(elems))

	best, bestGap := "", 0
	for _, el := range elems[:n] {
		hb, err := el.BoundingBox(ctx)
		if err != nil || hb == nil {
			continue
		}
		bottom := hb.Y + hb.H
		gap := box.Y - bottom
		if gap < 0 || gap > f.bandPx {
			continue
		}
		if !overlapsHorizontally(*hb, box) {
			continue
		}
		txt, err := el.Text(ctx)
		if err != nil || !nonGeneric(txt) {
			continue
		}
		if best == "" || gap < bestGap {
			best, bestGap = txt, gap
		}
	}
	return best, nil
}

func overlapsHorizontally(a, b model.BoundingBox) bool {
	return a.X < b.X+b.W && b.X < a.X+a.W
}
