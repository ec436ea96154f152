package capture

import (
	"net/url"
	"strings"

	"github.com/sells-group/kpidrift-cli/internal/model"
)

// PlatformDetection is the outcome of platform inference for one URL.
type PlatformDetection struct {
	Platform   model.Platform
	Method     string
	Confidence float64
}

// DetectPlatform infers the BI platform from the URL host, falling back to
// an engine hint when the host is inconclusive. URL detection of a known
// vendor host is high confidence; everything else stays at coin-flip.
func DetectPlatform(rawURL string, hint model.Platform) PlatformDetection {
	host := hostOf(rawURL)
	switch {
	case strings.Contains(host, "powerbi.com"):
		return PlatformDetection{Platform: model.PlatformPowerBI, Method: "url", Confidence: 0.99}
	case strings.Contains(host, "tableau.com") || strings.Contains(host, "tableauusercontent.com"):
		return PlatformDetection{Platform: model.PlatformTableau, Method: "url", Confidence: 0.99}
	}

	if hint == model.PlatformPowerBI || hint == model.PlatformTableau {
		return PlatformDetection{Platform: hint, Method: "engine-hint", Confidence: 0.90}
	}

	return PlatformDetection{Platform: model.PlatformUnknown, Method: "url", Confidence: 0.50}
}

// hostOf returns the lowercase hostname of a URL, empty when unparseable.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
