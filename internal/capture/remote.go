package capture

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/pkg/renderagent"
)

// RemoteEngine drives one browser backend through the render agent service.
// One Chain entry per configured browser gives the fallback order.
type RemoteEngine struct {
	client  renderagent.Client
	browser string
}

// NewRemoteEngine creates an engine for the given browser ("chromium",
// "firefox").
func NewRemoteEngine(client renderagent.Client, browser string) *RemoteEngine {
	return &RemoteEngine{client: client, browser: browser}
}

// Name identifies the engine in logs and sidecar manifests.
func (e *RemoteEngine) Name() string { return "agent-" + e.browser }

// Capture opens an agent session for the URL and wraps it in a DOMHandle.
// The handle holds the live session; callers close it when the capture
// session is done.
func (e *RemoteEngine) Capture(ctx context.Context, url string, opts Options) (*Result, error) {
	s, err := e.client.OpenSession(ctx, renderagent.OpenSessionRequest{
		URL:       url,
		Browser:   e.browser,
		ViewportW: opts.ViewportW,
		ViewportH: opts.ViewportH,
		Scale:     opts.Scale,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "capture: open %s session", e.browser)
	}
	if len(s.FullPNG) == 0 {
		return nil, eris.Errorf("capture: %s session %s returned an empty page image", e.browser, s.ID)
	}

	return &Result{
		URL:          s.FinalURL,
		FullImage:    s.FullPNG,
		DOM:          &remoteDOM{client: e.client, sessionID: s.ID, url: s.FinalURL, title: s.Title},
		PlatformHint: model.Platform(s.PlatformHint),
	}, nil
}

// remoteDOM is a DOMHandle over a live agent session.
type remoteDOM struct {
	client    renderagent.Client
	sessionID string
	url       string
	title     string
}

func (d *remoteDOM) URL() string { return d.url }

func (d *remoteDOM) Title(context.Context) (string, error) { return d.title, nil }

func (d *remoteDOM) Query(ctx context.Context, selector string) ([]Element, error) {
	infos, err := d.client.Query(ctx, d.sessionID, selector)
	if err != nil {
		return nil, err
	}
	els := make([]Element, len(infos))
	for i, info := range infos {
		els[i] = &remoteElement{info: info}
	}
	return els, nil
}

func (d *remoteDOM) Screenshot(ctx context.Context, clip *model.BoundingBox) ([]byte, error) {
	var box *renderagent.Box
	if clip != nil {
		box = &renderagent.Box{X: clip.X, Y: clip.Y, W: clip.W, H: clip.H}
	}
	return d.client.Screenshot(ctx, d.sessionID, box)
}

func (d *remoteDOM) TextBlocks(ctx context.Context, topCutoffPx int) ([]TextBlock, error) {
	infos, err := d.client.TextBlocks(ctx, d.sessionID, topCutoffPx)
	if err != nil {
		return nil, err
	}
	blocks := make([]TextBlock, len(infos))
	for i, info := range infos {
		blocks[i] = TextBlock{
			Text:     info.Text,
			FontSize: info.FontSize,
			Bold:     info.Bold,
			Top:      info.Top,
		}
	}
	return blocks, nil
}

// Close releases the agent session. The pipeline closes the handle after
// the last DOM access.
func (d *remoteDOM) Close() error {
	return d.client.CloseSession(context.Background(), d.sessionID)
}

// remoteElement carries the element snapshot the agent returned; no further
// round-trips are needed for box, text or attributes.
type remoteElement struct {
	info renderagent.ElementInfo
}

func (e *remoteElement) BoundingBox(context.Context) (*model.BoundingBox, error) {
	if e.info.Box == nil {
		return nil, nil
	}
	return &model.BoundingBox{X: e.info.Box.X, Y: e.info.Box.Y, W: e.info.Box.W, H: e.info.Box.H}, nil
}

func (e *remoteElement) Text(context.Context) (string, error) {
	return e.info.Text, nil
}

func (e *remoteElement) Attribute(_ context.Context, name string) (string, error) {
	return e.info.Attrs[name], nil
}
