package naming

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/kpidrift-cli/internal/capture"
	"github.com/sells-group/kpidrift-cli/internal/config"
)

// header-title and active-tab selectors probed on the content frame.
var (
	headerSelectors = []string{
		"[data-testid='report-header-title']",
		"[data-testid='report-header'] [data-testid='title']",
		".reportTitle",
		".vcHeaderTitle",
	}
	activeTabSelectors = []string{
		"[aria-label='Pages Navigation'] [role='tab'][aria-selected='true']",
		"[role='tablist'] [role='tab'][aria-selected='true']",
		"[role='tab'][aria-current='page']",
	}
)

const maxHeaderMatches = 8

// Resolution is a resolved report name plus the tier that produced it.
type Resolution struct {
	Name   string // sanitized token
	Raw    string // pre-sanitization text
	Source string // which tier won
}

// Resolver determines the display/report name of a captured dashboard.
type Resolver struct {
	cfg config.NamingConfig
}

// NewResolver creates a Resolver.
func NewResolver(cfg config.NamingConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve walks the naming tiers in strict priority order and stops at the
// first non-generic hit: embed-container attributes, in-document headers,
// the active tab, page metadata, the largest-top-text heuristic, and
// finally the URL path. Tier probes fail soft; the URL fallback always
// yields something.
func (r *Resolver) Resolve(ctx context.Context, dom capture.DOMHandle) Resolution {
	tiers := []struct {
		source string
		probe  func(context.Context, capture.DOMHandle) string
	}{
		{"iframe-attr", r.fromFrameAttrs},
		{"header", r.fromHeaders},
		{"active-tab", r.fromActiveTab},
		{"metadata", r.fromMetadata},
		{"largest-top-text", r.fromStyleHeuristic},
	}

	for _, tier := range tiers {
		if raw := tier.probe(ctx, dom); raw != "" {
			zap.L().Debug("naming: resolved report name",
				zap.String("source", tier.source),
				zap.String("raw", raw),
			)
			return Resolution{Name: Sanitize(raw, r.cfg.MaxNameLength), Raw: raw, Source: tier.source}
		}
	}

	raw := nameFromURL(dom.URL())
	return Resolution{Name: Sanitize(raw, r.cfg.MaxNameLength), Raw: raw, Source: "url-fallback"}
}

func (r *Resolver) fromFrameAttrs(ctx context.Context, dom capture.DOMHandle) string {
	frames, err := dom.Query(ctx, "iframe")
	if err != nil || len(frames) == 0 {
		return ""
	}
	var cands []string
	for _, attr := range []string{"title", "aria-label"} {
		if v, err := frames[0].Attribute(ctx, attr); err == nil && v != "" {
			cands = append(cands, v)
		}
	}
	return pickBest(cands)
}

func (r *Resolver) fromHeaders(ctx context.Context, dom capture.DOMHandle) string {
	var cands []string
	for _, sel := range headerSelectors {
		elems, err := dom.Query(ctx, sel)
		if err != nil {
			continue
		}
		n := min(maxHeaderMatches, len(elems))
		for _, el := range elems[:n] {
			// Screen-reader status elements masquerade as headers.
			if role, err := el.Attribute(ctx, "role"); err == nil && strings.Contains(strings.ToLower(role), "status") {
				continue
			}
			if txt, err := el.Text(ctx); err == nil {
				cands = append(cands, txt)
			}
		}
	}
	return pickBest(cands)
}

func (r *Resolver) fromActiveTab(ctx context.Context, dom capture.DOMHandle) string {
	var cands []string
	for _, sel := range activeTabSelectors {
		elems, err := dom.Query(ctx, sel)
		if err != nil {
			continue
		}
		n := min(4, len(elems))
		for _, el := range elems[:n] {
			if txt, err := el.Text(ctx); err == nil {
				cands = append(cands, txt)
			}
		}
	}
	return pickBest(cands)
}

func (r *Resolver) fromMetadata(ctx context.Context, dom capture.DOMHandle) string {
	var cands []string
	for _, sel := range []string{"meta[property='og:title']", "meta[name='twitter:title']"} {
		elems, err := dom.Query(ctx, sel)
		if err != nil || len(elems) == 0 {
			continue
		}
		if v, err := elems[0].Attribute(ctx, "content"); err == nil && v != "" {
			cands = append(cands, StripVendorSuffix(v))
		}
	}
	if title, err := dom.Title(ctx); err == nil && title != "" {
		cands = append(cands, StripVendorSuffix(title))
	}
	return pickBest(cands)
}

func (r *Resolver) fromStyleHeuristic(ctx context.Context, dom capture.DOMHandle) string {
	blocks, err := dom.TextBlocks(ctx, r.cfg.TopCutoffPx)
	if err != nil {
		return ""
	}

	best, bestScore := "", 0.0
	for _, b := range blocks {
		txt := strings.TrimSpace(b.Text)
		if len(txt) < 4 || !nonGeneric(txt) {
			continue
		}
		score := b.FontSize * 3
		if b.Bold {
			score += 5
		}
		score -= b.Top * 0.01
		if strings.Contains(txt, " ") {
			score += 3
		}
		if best == "" || score > bestScore {
			best, bestScore = txt, score
		}
	}
	return best
}

// pickBest returns the highest-signal non-generic candidate: longer text
// wins, multi-word text gets a small bonus.
func pickBest(cands []string) string {
	best, bestScore := "", -1
	for _, raw := range cands {
		t := strings.TrimSpace(raw)
		if !nonGeneric(t) {
			continue
		}
		score := len(t)
		if strings.Contains(t, " ") {
			score += 3
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

// nameFromURL takes the last non-generic path segment, then the host, then
// a constant.
func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "report"
	}
	segs := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	if len(segs) > 0 {
		seg, _ := url.PathUnescape(segs[len(segs)-1])
		if seg != "" && !strings.EqualFold(seg, "view") && nonGeneric(seg) {
			return seg
		}
	}
	if u.Host != "" {
		return u.Host
	}
	return "report"
}
