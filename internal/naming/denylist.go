// Package naming resolves human-readable report names and nearby widget
// titles from a captured page, and sanitizes them into identifier-safe
// tokens for filing.
package naming

import "strings"

// Vendor boilerplate that must never be mistaken for a report name, at any
// resolution tier.
var badExact = map[string]struct{}{
	"microsoft power bi":    {},
	"power bi":              {},
	"view report":           {},
	"report":                {},
	"dashboard":             {},
	"sign in":               {},
	"home":                  {},
	"sheet":                 {},
	"show filters":          {},
	"navigating to visual":  {},
	"use ctrl":              {},
	"press ctrl":            {},
	"press enter":           {},
	"skip to report":        {},
	"skip to main content":  {},
	"tableau public":        {},
}

var badSubstrings = []string{
	"navigating to visual",
	"use ctrl",
	"press ctrl",
	"keyboard shortcut",
	"skip to report",
	"skip to main content",
	"aria-live",
}

// nonGeneric reports whether txt carries real naming signal.
func nonGeneric(txt string) bool {
	low := strings.ToLower(strings.TrimSpace(txt))
	if low == "" {
		return false
	}
	if _, bad := badExact[low]; bad {
		return false
	}
	for _, sub := range badSubstrings {
		if strings.Contains(low, sub) {
			return false
		}
	}
	return true
}
