package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpidrift-cli/internal/blob"
)

// Sidecar is the audit manifest written next to each capture's artifacts.
// It records what was captured and the content hashes of the raw artifacts
// so a session can be verified after the fact.
type Sidecar struct {
	Engine     string            `json:"engine"`
	URL        string            `json:"url"`
	SessionID  string            `json:"session_id"`
	Artifacts  map[string]string `json:"artifacts"` // name -> storage key
	Hashes     map[string]string `json:"hashes"`    // name -> sha256 hex
	Meta       map[string]string `json:"meta,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
}

// WriteSidecar hashes the artifacts and stores the manifest under the
// session prefix. Returns the sidecar's storage key.
func WriteSidecar(ctx context.Context, store blob.Store, bucket string, sc Sidecar, artifacts map[string][]byte) (string, error) {
	if sc.Hashes == nil {
		sc.Hashes = make(map[string]string, len(artifacts))
	}
	for name, data := range artifacts {
		sum := sha256.Sum256(data)
		sc.Hashes[name] = hex.EncodeToString(sum[:])
	}

	payload, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "capture: marshal sidecar")
	}

	key := blob.SidecarKey(sc.SessionID, sc.Engine)
	if _, err := store.Put(ctx, bucket, key, payload, "application/json"); err != nil {
		return "", eris.Wrap(err, "capture: store sidecar")
	}
	return key, nil
}
