package detect

import "sort"

// Deduplicate merges overlapping candidates. Candidates are scanned in
// deterministic top-left-to-bottom-right order; each one is compared against
// every box already kept and dropped when the overlap crosses the applicable
// threshold. Same-kind overlaps use the higher threshold; a lower-trust
// candidate overlapping a higher-trust keeper uses the lower one, so
// container-level detections win over the primitives drawn inside them.
//
// Pure and deterministic: the same input always yields the same output.
func Deduplicate(candidates []Candidate, sameKindDrop, crossKindDrop float64) []Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Box.Y != sorted[j].Box.Y {
			return sorted[i].Box.Y < sorted[j].Box.Y
		}
		return sorted[i].Box.X < sorted[j].Box.X
	})

	var kept []Candidate
	for _, c := range sorted {
		drop := false
		for _, k := range kept {
			overlap := c.Box.IoU(k.Box)
			if overlap > crossKindDrop && k.Kind.Priority() > c.Kind.Priority() {
				drop = true
				break
			}
			if overlap > sameKindDrop && k.Kind == c.Kind {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, c)
		}
	}
	return kept
}
