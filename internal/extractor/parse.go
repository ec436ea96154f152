package extractor

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpidrift-cli/internal/model"
)

// ErrUnparseable marks an oracle reply that held no readable JSON object.
// Nothing is persisted for such replies.
var ErrUnparseable = eris.New("extractor: unparseable oracle response")

// ParseChartValues decodes an oracle reply. Models sometimes wrap the JSON
// in prose despite the response-format hint; the fallback scans from the
// first '{' to the last '}' and parses that slice.
func ParseChartValues(raw string) (model.ChartValues, error) {
	var v model.ChartValues
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return model.ChartValues{}, eris.Wrapf(ErrUnparseable, "no JSON object in %d-byte reply", len(raw))
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return model.ChartValues{}, eris.Wrapf(ErrUnparseable, "bracket recovery failed: %v", err)
	}
	return v, nil
}
