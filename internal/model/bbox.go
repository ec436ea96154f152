package model

// BoundingBox is a widget region in full-image pixel coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Area returns the box area in pixels, never less than 1.
func (b BoundingBox) Area() int {
	w, h := b.W, b.H
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w * h
}

// AspectRatio returns width divided by height.
func (b BoundingBox) AspectRatio() float64 {
	h := b.H
	if h < 1 {
		h = 1
	}
	return float64(b.W) / float64(h)
}

// IoU computes the intersection-over-union overlap ratio with another box.
// Returns 0 for disjoint boxes and values approaching 1 for near-identical ones.
func (b BoundingBox) IoU(o BoundingBox) float64 {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X+b.W, o.X+o.W)
	y2 := min(b.Y+b.H, o.Y+o.H)

	inter := max(0, x2-x1) * max(0, y2-y1)
	if inter <= 0 {
		return 0
	}
	union := b.W*b.H + o.W*o.H - inter
	if union < 1 {
		union = 1
	}
	return float64(inter) / float64(union)
}

// Pad grows the box by pad pixels on every side, clamping the origin at 0.
// Width and height never drop below 1.
func (b BoundingBox) Pad(pad int) BoundingBox {
	out := BoundingBox{
		X: max(0, b.X-pad),
		Y: max(0, b.Y-pad),
		W: max(1, b.W+2*pad),
		H: max(1, b.H+2*pad),
	}
	return out
}
