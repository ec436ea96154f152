// Package pipeline orchestrates one capture session end to end: render the
// page, detect and dedupe widget regions, score and crop them, resolve the
// report name, and persist the content-addressed record plus its artifacts.
// All stages for one screengrab run sequentially inside the session.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpidrift-cli/internal/blob"
	"github.com/sells-group/kpidrift-cli/internal/capture"
	"github.com/sells-group/kpidrift-cli/internal/config"
	"github.com/sells-group/kpidrift-cli/internal/detect"
	"github.com/sells-group/kpidrift-cli/internal/model"
	"github.com/sells-group/kpidrift-cli/internal/naming"
	"github.com/sells-group/kpidrift-cli/internal/quality"
	"github.com/sells-group/kpidrift-cli/internal/store"
)

// Capturer is the browser seam; capture.Chain satisfies it.
type Capturer interface {
	Capture(ctx context.Context, url string, opts capture.Options) (*capture.Result, error)
}

// Summary is what one capture run reports back to the caller.
type Summary struct {
	SessionID    string         `json:"capture_session_id"`
	ScreengrabID string         `json:"screengrab_id"`
	Reused       bool           `json:"reused"`
	ReportName   string         `json:"report_name"`
	NameSource   string         `json:"name_source,omitempty"`
	Platform     model.Platform `json:"platform"`
	WidgetCount  int            `json:"widget_count"`
	GoodCount    int            `json:"good_count"`
	JunkCount    int            `json:"junk_count"`
	SidecarKey   string         `json:"sidecar_key,omitempty"`
	GroupErrors  []string       `json:"group_errors,omitempty"`
}

// Pipeline wires the capture stages together.
type Pipeline struct {
	capturer Capturer
	store    store.Store
	blobs    blob.Store
	cfg      *config.Config

	detector *detect.Detector
	scorer   *quality.Scorer
	resolver *naming.Resolver
	titles   *naming.TitleFinder
}

// New creates a Pipeline from configuration.
func New(capturer Capturer, st store.Store, blobs blob.Store, cfg *config.Config) *Pipeline {
	return &Pipeline{
		capturer: capturer,
		store:    st,
		blobs:    blobs,
		cfg:      cfg,
		detector: detect.NewDetector(cfg.Detect),
		scorer:   quality.NewScorer(cfg.Quality, cfg.Detect.MinWidth, cfg.Detect.MinHeight),
		resolver: naming.NewResolver(cfg.Naming),
		titles:   naming.NewTitleFinder(cfg.Naming.TitleBandPx),
	}
}

// newSessionID builds a sortable session folder name.
func newSessionID(now time.Time) string {
	return fmt.Sprintf("%s_%s", now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// Run captures one dashboard URL. Byte-identical page content resolves to
// the existing screengrab row: the run reports Reused and writes nothing
// new. Zero detected widgets is a valid outcome, not an error.
func (p *Pipeline) Run(ctx context.Context, rawURL string) (*Summary, error) {
	now := time.Now().UTC()
	sessionID := newSessionID(now)

	res, err := p.capturer.Capture(ctx, rawURL, capture.Options{
		ViewportW: p.cfg.Capture.ViewportW,
		ViewportH: p.cfg.Capture.ViewportH,
		Scale:     p.cfg.Capture.Scale,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: capture %s", rawURL)
	}
	if closer, ok := res.DOM.(io.Closer); ok {
		defer func() {
			if cerr := closer.Close(); cerr != nil {
				zap.L().Warn("pipeline: close DOM session", zap.Error(cerr))
			}
		}()
	}

	platform := capture.DetectPlatform(rawURL, res.PlatformHint)
	resolution := p.resolver.Resolve(ctx, res.DOM)

	sum := sha256.Sum256(res.FullImage)
	contentHash := hex.EncodeToString(sum[:])

	sg := &model.Screengrab{
		SessionID:          sessionID,
		URL:                rawURL,
		Platform:           platform.Platform,
		DetectedVia:        platform.Method,
		PlatformConfidence: platform.Confidence,
		ContentHash:        contentHash,
		StorageBucket:      p.cfg.Blob.Bucket,
		StoragePathFull:    blob.FullImageKey(sessionID),
		WrapperHost:        hostOf(rawURL),
		ReportName:         resolution.Name,
		ReportSlug:         naming.Slugify(resolution.Raw, p.cfg.Naming.MaxNameLength),
		CapturedAt:         now,
	}
	stored, created, err := p.store.UpsertScreengrab(ctx, sg)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: persist screengrab")
	}
	if !created {
		zap.L().Info("pipeline: identical content already captured",
			zap.String("content_hash", contentHash),
			zap.String("existing_session", stored.SessionID),
		)
		return &Summary{
			SessionID:    stored.SessionID,
			ScreengrabID: stored.ID,
			Reused:       true,
			ReportName:   stored.ReportName,
			Platform:     stored.Platform,
		}, nil
	}

	if _, err := p.blobs.Put(ctx, sg.StorageBucket, sg.StoragePathFull, res.FullImage, "image/png"); err != nil {
		return nil, eris.Wrap(err, "pipeline: store full image")
	}

	widgets, groupErrs, err := p.collectWidgets(ctx, res.DOM, stored, sessionID, now)
	if err != nil {
		return nil, err
	}
	if len(widgets) > 0 {
		if err := p.store.InsertWidgets(ctx, widgets); err != nil {
			return nil, eris.Wrap(err, "pipeline: persist widgets")
		}
	}

	summary := &Summary{
		SessionID:    sessionID,
		ScreengrabID: stored.ID,
		ReportName:   resolution.Name,
		NameSource:   resolution.Source,
		Platform:     platform.Platform,
		WidgetCount:  len(widgets),
		GroupErrors:  groupErrs,
	}
	for _, w := range widgets {
		if w.IsGood() {
			summary.GoodCount++
		} else {
			summary.JunkCount++
		}
	}

	sidecarKey, err := capture.WriteSidecar(ctx, p.blobs, sg.StorageBucket, capture.Sidecar{
		Engine:    res.Engine,
		URL:       rawURL,
		SessionID: sessionID,
		Artifacts: map[string]string{"full": sg.StoragePathFull},
		Meta: map[string]string{
			"report_name": resolution.Name,
			"name_source": resolution.Source,
			"platform":    string(platform.Platform),
		},
		CapturedAt: now,
	}, map[string][]byte{"full": res.FullImage})
	if err != nil {
		// The session is already persisted; a missing manifest is not
		// worth failing the run over.
		zap.L().Warn("pipeline: sidecar write failed", zap.Error(err))
	} else {
		summary.SidecarKey = sidecarKey
	}

	zap.L().Info("pipeline: session captured",
		zap.String("session_id", sessionID),
		zap.String("report_name", resolution.Name),
		zap.String("platform", string(platform.Platform)),
		zap.Int("widgets", summary.WidgetCount),
		zap.Int("good", summary.GoodCount),
	)
	return summary, nil
}

// collectWidgets runs detection through crop upload for one captured page.
func (p *Pipeline) collectWidgets(ctx context.Context, dom capture.DOMHandle, sg *model.Screengrab, sessionID string, now time.Time) ([]model.Widget, []string, error) {
	groups := detect.GroupsFor(sg.Platform)
	candidates, failures := p.detector.Detect(ctx, dom, groups)
	var groupErrs []string
	for _, f := range failures {
		groupErrs = append(groupErrs, fmt.Sprintf("%s: %v", f.Group.Query, f.Err))
	}

	deduped := detect.Deduplicate(candidates, p.cfg.Detect.IoUDropSameKind, p.cfg.Detect.IoUDropCrossKind)
	if max := p.cfg.Detect.MaxWidgets; max > 0 && len(deduped) > max {
		zap.L().Warn("pipeline: widget cap reached",
			zap.Int("detected", len(deduped)),
			zap.Int("cap", max),
		)
		deduped = deduped[:max]
	}

	widgets := make([]model.Widget, 0, len(deduped))
	for i, cand := range deduped {
		title, err := p.titles.TitleNear(ctx, dom, cand.Box)
		if err != nil {
			zap.L().Debug("pipeline: title probe failed", zap.Int("index", i), zap.Error(err))
			title = ""
		}

		qr := p.scorer.Score(cand.Kind, cand.Box, title != "")

		crop, err := dom.Screenshot(ctx, boxPtr(cand.Box.Pad(p.cfg.Detect.CropPadding)))
		if err != nil {
			return nil, nil, eris.Wrapf(err, "pipeline: crop widget %d", i)
		}
		cropKey := blob.WidgetKey(sessionID, i, qr.Label)
		if _, err := p.blobs.Put(ctx, sg.StorageBucket, cropKey, crop, "image/png"); err != nil {
			return nil, nil, eris.Wrapf(err, "pipeline: store crop %s", cropKey)
		}

		widgets = append(widgets, model.Widget{
			ScreengrabID:    sg.ID,
			Index:           i,
			BBox:            cand.Box,
			SelectorKind:    cand.Kind,
			Title:           title,
			TitlePresent:    title != "",
			Quality:         qr.Label,
			QualityScore:    qr.Score,
			QualityReasons:  qr.Reasons,
			StorageBucket:   sg.StorageBucket,
			StoragePathCrop: cropKey,
			ExtractionStage: model.StageCaptured,
			CapturedAt:      now,
		})
	}

	return widgets, groupErrs, nil
}

func boxPtr(b model.BoundingBox) *model.BoundingBox {
	return &b
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
