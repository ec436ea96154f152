package capture

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpidrift-cli/internal/model"
)

// Options are passed to every engine attempt.
type Options struct {
	ViewportW int
	ViewportH int
	Scale     float64
}

// Result is what a successful capture attempt produces: the rendered page
// image, a live DOM handle for follow-up queries, and the engine's own guess
// at the hosting platform.
type Result struct {
	Engine       string
	URL          string
	FullImage    []byte
	DOM          DOMHandle
	PlatformHint model.Platform
}

// Engine renders one URL with one browser backend.
type Engine interface {
	Name() string
	Capture(ctx context.Context, url string, opts Options) (*Result, error)
}

// Chain tries engines in declared order, returning the first success. Each
// attempt is bounded by its own timeout; when every engine fails the chain
// returns a single error carrying all attempt messages, so a capture outage
// is never reported as a silent empty page.
type Chain struct {
	engines        []Engine
	attemptTimeout time.Duration
}

// NewChain creates a Chain over the given engines, tried in order.
func NewChain(attemptTimeout time.Duration, engines ...Engine) *Chain {
	return &Chain{
		engines:        engines,
		attemptTimeout: attemptTimeout,
	}
}

// Capture runs the fallback chain for one URL.
func (c *Chain) Capture(ctx context.Context, url string, opts Options) (*Result, error) {
	if len(c.engines) == 0 {
		return nil, eris.New("capture: no engines configured")
	}

	var failures []string
	for _, eng := range c.engines {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if c.attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		}

		result, err := eng.Capture(attemptCtx, url, opts)
		if cancel != nil {
			cancel()
		}
		if err == nil && result != nil {
			result.Engine = eng.Name()
			result.URL = url
			zap.L().Info("capture: engine succeeded",
				zap.String("engine", eng.Name()),
				zap.String("url", url),
			)
			return result, nil
		}

		msg := "nil result"
		if err != nil {
			msg = err.Error()
		}
		failures = append(failures, eng.Name()+": "+msg)
		zap.L().Warn("capture: engine failed, trying next",
			zap.String("engine", eng.Name()),
			zap.String("url", url),
			zap.Error(err),
		)

		// A dead parent context means later attempts cannot succeed either.
		if ctx.Err() != nil {
			break
		}
	}

	return nil, eris.Errorf("capture: all engines failed for %s: [%s]",
		url, strings.Join(failures, "; "))
}
