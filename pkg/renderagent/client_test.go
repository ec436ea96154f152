package renderagent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL), WithToken("test-token")), srv
}

func TestOpenSession(t *testing.T) {
	png := []byte("full-page-png")
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/session", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req OpenSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://app.powerbi.com/view?r=abc", req.URL)
		assert.Equal(t, "chromium", req.Browser)
		assert.Equal(t, 1920, req.ViewportW)

		fmt.Fprintf(w, `{
			"session_id": "sess-1",
			"final_url": "https://app.powerbi.com/view?r=abc",
			"platform_hint": "powerbi",
			"full_png": %q
		}`, base64.StdEncoding.EncodeToString(png))
	})

	s, err := client.OpenSession(context.Background(), OpenSessionRequest{
		URL:       "https://app.powerbi.com/view?r=abc",
		Browser:   "chromium",
		ViewportW: 1920,
		ViewportH: 1080,
		Scale:     2.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, "powerbi", s.PlatformHint)
	assert.Equal(t, png, s.FullPNG)
}

func TestQuery(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/session/sess-1/query", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ".visualContainer", req["selector"])

		fmt.Fprint(w, `{"elements": [
			{"box": {"x": 10, "y": 20, "w": 400, "h": 300}, "text": "Revenue", "attrs": {"role": "figure"}},
			{"text": "detached"}
		]}`)
	})

	els, err := client.Query(context.Background(), "sess-1", ".visualContainer")
	require.NoError(t, err)
	require.Len(t, els, 2)
	require.NotNil(t, els[0].Box)
	assert.Equal(t, 400, els[0].Box.W)
	assert.Equal(t, "figure", els[0].Attrs["role"])
	assert.Nil(t, els[1].Box)
}

func TestScreenshot_Clip(t *testing.T) {
	crop := []byte("crop-png")
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Clip *Box `json:"clip"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Clip)
		assert.Equal(t, 88, req.Clip.X)

		fmt.Fprintf(w, `{"png": %q}`, base64.StdEncoding.EncodeToString(crop))
	})

	png, err := client.Screenshot(context.Background(), "sess-1", &Box{X: 88, Y: 388, W: 524, H: 364})
	require.NoError(t, err)
	assert.Equal(t, crop, png)
}

func TestTextBlocks(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 380, req["top_cutoff_px"])

		fmt.Fprint(w, `{"blocks": [{"text": "Quarterly Revenue", "font_size": 24, "bold": true, "top": 42}]}`)
	})

	blocks, err := client.TextBlocks(context.Background(), "sess-1", 380)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Quarterly Revenue", blocks[0].Text)
	assert.True(t, blocks[0].Bold)
}

func TestCloseSession(t *testing.T) {
	var closed bool
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/session/sess-1", r.URL.Path)
		closed = true
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.CloseSession(context.Background(), "sess-1"))
	assert.True(t, closed)
}

func TestAPIError(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "browser pool exhausted", http.StatusServiceUnavailable)
	})

	_, err := client.OpenSession(context.Background(), OpenSessionRequest{URL: "https://example.com"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "browser pool exhausted")
}
