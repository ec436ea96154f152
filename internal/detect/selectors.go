// Package detect turns a captured page's DOM into a deduplicated set of
// widget candidate regions.
package detect

import "github.com/sells-group/kpidrift-cli/internal/model"

// SelectorGroup is one CSS query tagged with the trust tier of whatever it
// matches. Groups are probed in declared order.
type SelectorGroup struct {
	Kind  model.SelectorKind
	Query string
}

// powerBIGroups are the Power BI heuristics: visual containers first, then
// ARIA roles, then bare drawing primitives.
var powerBIGroups = []SelectorGroup{
	{Kind: model.SelectorContainer, Query: ".visualContainer, .visualContainerHost, .modernVisualOverlay"},
	{Kind: model.SelectorRole, Query: "[role='figure'], [role='img']"},
	{Kind: model.SelectorPrimitive, Query: "svg, canvas"},
}

// tableauGroups are the Tableau heuristics: worksheet panels first.
var tableauGroups = []SelectorGroup{
	{Kind: model.SelectorTableauSheet, Query: ".tab-worksheet, .tabCanvas, [class*='worksheet']"},
	{Kind: model.SelectorRole, Query: "[role='figure'], [role='img']"},
	{Kind: model.SelectorPrimitive, Query: "svg, canvas"},
}

// GroupsFor returns the selector catalog for a platform. Unknown platforms
// get the union of both vendor catalogs so a mislabeled page still yields
// detections.
func GroupsFor(platform model.Platform) []SelectorGroup {
	switch platform {
	case model.PlatformPowerBI:
		return powerBIGroups
	case model.PlatformTableau:
		return tableauGroups
	default:
		out := make([]SelectorGroup, 0, len(powerBIGroups)+1)
		out = append(out, powerBIGroups[0], tableauGroups[0])
		out = append(out, powerBIGroups[1], powerBIGroups[2])
		return out
	}
}
