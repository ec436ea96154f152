package model

import "github.com/rotisserie/eris"

// SelectorKind classifies how a widget region was detected. The closed set
// replaces the free-form selector strings the BI tools expose, so a typo can
// never silently demote a detection.
type SelectorKind string

const (
	// SelectorContainer matches a BI tool's visual-container element
	// (e.g. Power BI .visualContainer). Highest trust.
	SelectorContainer SelectorKind = "container"

	// SelectorTableauSheet matches a Tableau worksheet panel. Same trust
	// tier as containers.
	SelectorTableauSheet SelectorKind = "tableau-sheet"

	// SelectorRole matches ARIA role selectors like [role='figure'].
	SelectorRole SelectorKind = "role"

	// SelectorPrimitive matches bare svg/canvas elements. Lowest trust:
	// these are usually fragments of a larger visual.
	SelectorPrimitive SelectorKind = "primitive"
)

// Priority orders selector kinds by trust, higher wins. Containers and
// Tableau sheets beat role selectors, which beat primitives.
func (k SelectorKind) Priority() int {
	switch k {
	case SelectorContainer, SelectorTableauSheet:
		return 3
	case SelectorRole:
		return 2
	case SelectorPrimitive:
		return 1
	default:
		return 0
	}
}

// Valid reports whether k is a member of the closed set.
func (k SelectorKind) Valid() bool {
	return k.Priority() > 0
}

// ParseSelectorKind converts a stored string back into a SelectorKind.
func ParseSelectorKind(s string) (SelectorKind, error) {
	k := SelectorKind(s)
	if !k.Valid() {
		return "", eris.Errorf("model: unknown selector kind %q", s)
	}
	return k, nil
}
