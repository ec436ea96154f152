package blob

import (
	"fmt"
	"strings"

	"github.com/sells-group/kpidrift-cli/internal/model"
)

// Key scheme, fixed across backends:
//
//	<root>/<session_id>/full.png
//	<root>/<session_id>/widgets/widget_<NN>[_good|_junk].png
//	<root>/<session_id>/jsons/<image_stem>_<ts>.json
//	<root>/<session_id>/<engine>_capture.json
//
// root defaults to "widgetextractor" and is configurable.
var keyRoot = "widgetextractor"

// SetRoot overrides the key-prefix root. Called once at startup from config.
func SetRoot(root string) {
	root = strings.Trim(root, "/")
	if root != "" {
		keyRoot = root
	}
}

// FullImageKey is the storage key of a session's full-page capture.
func FullImageKey(sessionID string) string {
	return fmt.Sprintf("%s/%s/full.png", keyRoot, sessionID)
}

// WidgetKey is the storage key of one widget crop. The quality label is
// baked into the filename so a human scanning the bucket can separate
// keepers from junk without a database lookup.
func WidgetKey(sessionID string, index int, quality model.QualityLabel) string {
	suffix := "junk"
	if quality == model.QualityGood {
		suffix = "good"
	}
	return fmt.Sprintf("%s/%s/widgets/widget_%02d_%s.png", keyRoot, sessionID, index, suffix)
}

// AuditJSONKey is the storage key for an extraction's audit copy.
func AuditJSONKey(sessionID, imageName, ts string) string {
	stem := imageName
	if i := strings.LastIndex(stem, "."); i > 0 {
		stem = stem[:i]
	}
	return fmt.Sprintf("%s/%s/jsons/%s_%s.json", keyRoot, sessionID, stem, ts)
}

// SidecarKey is the storage key for a capture's sidecar manifest.
func SidecarKey(sessionID, engine string) string {
	if engine == "" {
		engine = "capture"
	}
	return fmt.Sprintf("%s/%s/%s_capture.json", keyRoot, sessionID, engine)
}

// SessionPrefix is the common key prefix of everything one session stored.
func SessionPrefix(sessionID string) string {
	return fmt.Sprintf("%s/%s/", keyRoot, sessionID)
}
