package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/kpidrift-cli/internal/model"
)

const (
	sameKindDrop  = 0.72
	crossKindDrop = 0.65
)

func TestDeduplicate_SameKindNearDuplicate(t *testing.T) {
	// Two container boxes offset by a few pixels collapse to the one that
	// comes first in scan order.
	in := []Candidate{
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 15, Y: 12, W: 295, H: 195}},
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 10, Y: 10, W: 300, H: 200}},
	}
	out := Deduplicate(in, sameKindDrop, crossKindDrop)
	assert.Len(t, out, 1)
	assert.Equal(t, model.BoundingBox{X: 10, Y: 10, W: 300, H: 200}, out[0].Box,
		"the top-left-most box wins regardless of input order")
}

func TestDeduplicate_PrimitiveInsideContainer(t *testing.T) {
	// An svg drawn inside a visual container overlaps it heavily and must
	// be dropped in favor of the container.
	in := []Candidate{
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 0, Y: 0, W: 400, H: 300}},
		{Kind: model.SelectorPrimitive, Box: model.BoundingBox{X: 10, Y: 10, W: 380, H: 280}},
	}
	out := Deduplicate(in, sameKindDrop, crossKindDrop)
	assert.Len(t, out, 1)
	assert.Equal(t, model.SelectorContainer, out[0].Kind)
}

func TestDeduplicate_ContainerNotDroppedByPrimitive(t *testing.T) {
	// The lower-trust box being earlier in scan order must not knock out a
	// later container: cross-kind dropping only runs downward in trust.
	in := []Candidate{
		{Kind: model.SelectorPrimitive, Box: model.BoundingBox{X: 10, Y: 5, W: 380, H: 280}},
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 0, Y: 10, W: 400, H: 300}},
	}
	out := Deduplicate(in, sameKindDrop, crossKindDrop)
	assert.Len(t, out, 2)
}

func TestDeduplicate_DisjointBoxesAllKept(t *testing.T) {
	in := []Candidate{
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 0, Y: 0, W: 300, H: 200}},
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 400, Y: 0, W: 300, H: 200}},
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 0, Y: 300, W: 300, H: 200}},
	}
	out := Deduplicate(in, sameKindDrop, crossKindDrop)
	assert.Len(t, out, 3)
}

func TestDeduplicate_KeptPairsRespectThreshold(t *testing.T) {
	in := []Candidate{
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 0, Y: 0, W: 300, H: 200}},
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 150, Y: 0, W: 300, H: 200}},
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 10, Y: 8, W: 290, H: 190}},
		{Kind: model.SelectorRole, Box: model.BoundingBox{X: 600, Y: 600, W: 200, H: 150}},
	}
	out := Deduplicate(in, sameKindDrop, crossKindDrop)
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[i].Kind == out[j].Kind {
				assert.LessOrEqual(t, out[i].Box.IoU(out[j].Box), sameKindDrop)
			}
		}
	}
}

func TestDeduplicate_Deterministic(t *testing.T) {
	in := []Candidate{
		{Kind: model.SelectorPrimitive, Box: model.BoundingBox{X: 5, Y: 5, W: 200, H: 150}},
		{Kind: model.SelectorContainer, Box: model.BoundingBox{X: 0, Y: 0, W: 220, H: 160}},
		{Kind: model.SelectorRole, Box: model.BoundingBox{X: 300, Y: 0, W: 200, H: 150}},
	}
	first := Deduplicate(in, sameKindDrop, crossKindDrop)
	second := Deduplicate(in, sameKindDrop, crossKindDrop)
	assert.Equal(t, first, second)
}
