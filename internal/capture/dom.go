// Package capture defines the browser-facing surface of the widget pipeline:
// the engine fallback chain that produces a full-page image plus a DOM handle,
// and the read-only DOM interfaces the detection and naming stages consume.
//
// The actual browser automation lives behind the Engine interface; this
// package never drives a browser itself.
package capture

import (
	"context"

	"github.com/sells-group/kpidrift-cli/internal/model"
)

// DOMHandle is the read-only query surface over a captured page. Every
// method takes a context because the backing page is a live browser session.
type DOMHandle interface {
	// URL returns the final page URL after redirects.
	URL() string

	// Title returns the document title, empty if none.
	Title(ctx context.Context) (string, error)

	// Query returns element handles matching a CSS selector, in document
	// order. Implementations may cap the result; callers cap it anyway.
	Query(ctx context.Context, selector string) ([]Element, error)

	// Screenshot renders the page region as PNG bytes. A nil clip means the
	// full page.
	Screenshot(ctx context.Context, clip *model.BoundingBox) ([]byte, error)

	// TextBlocks returns visible text nodes whose top edge is above
	// topCutoffPx, with the style attributes the title heuristic scores.
	TextBlocks(ctx context.Context, topCutoffPx int) ([]TextBlock, error)
}

// Element is a handle to a single DOM element.
type Element interface {
	// BoundingBox returns the element's box in page pixels, or nil when the
	// element is detached or invisible.
	BoundingBox(ctx context.Context) (*model.BoundingBox, error)

	// Text returns the element's visible inner text, trimmed.
	Text(ctx context.Context) (string, error)

	// Attribute returns the named attribute, empty if absent.
	Attribute(ctx context.Context, name string) (string, error)
}

// TextBlock is one visible text node with the style signals used by the
// largest-top-text title heuristic.
type TextBlock struct {
	Text     string
	FontSize float64
	Bold     bool
	Top      float64
}
