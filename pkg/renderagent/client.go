// Package renderagent is the HTTP client for the browser render agent, a
// sidecar service that drives real browsers and exposes page sessions over
// a small JSON API: open a URL, query selectors, take clipped screenshots,
// read visible text blocks.
package renderagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Default base URL for a locally running render agent.
const defaultBaseURL = "http://localhost:3000"

// Client defines the render agent API operations.
type Client interface {
	OpenSession(ctx context.Context, req OpenSessionRequest) (*Session, error)
	Query(ctx context.Context, sessionID, selector string) ([]ElementInfo, error)
	Screenshot(ctx context.Context, sessionID string, clip *Box) ([]byte, error)
	TextBlocks(ctx context.Context, sessionID string, topCutoffPx int) ([]TextBlockInfo, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// OpenSessionRequest is the body for POST /v1/session.
type OpenSessionRequest struct {
	URL       string  `json:"url"`
	Browser   string  `json:"browser,omitempty"` // "chromium", "firefox"
	ViewportW int     `json:"viewport_w,omitempty"`
	ViewportH int     `json:"viewport_h,omitempty"`
	Scale     float64 `json:"scale,omitempty"`
}

// Session is the response from POST /v1/session. FullPNG arrives base64
// encoded and decodes transparently.
type Session struct {
	ID           string `json:"session_id"`
	FinalURL     string `json:"final_url"`
	Title        string `json:"title,omitempty"`
	PlatformHint string `json:"platform_hint,omitempty"`
	FullPNG      []byte `json:"full_png"`
}

// Box is a page-pixel rectangle.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ElementInfo is one matched element. Box is nil for detached or invisible
// elements.
type ElementInfo struct {
	Box   *Box              `json:"box,omitempty"`
	Text  string            `json:"text,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// TextBlockInfo is one visible text node with its style signals.
type TextBlockInfo struct {
	Text     string  `json:"text"`
	FontSize float64 `json:"font_size"`
	Bold     bool    `json:"bold"`
	Top      float64 `json:"top"`
}

// APIError is returned when the agent responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("renderagent: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithToken sets a bearer token for agents deployed behind auth.
func WithToken(token string) Option {
	return func(c *httpClient) {
		c.token = token
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a new render agent client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) OpenSession(ctx context.Context, req OpenSessionRequest) (*Session, error) {
	var resp Session
	if err := c.post(ctx, "/v1/session", req, &resp); err != nil {
		return nil, eris.Wrap(err, "renderagent: open session")
	}
	return &resp, nil
}

func (c *httpClient) Query(ctx context.Context, sessionID, selector string) ([]ElementInfo, error) {
	var resp struct {
		Elements []ElementInfo `json:"elements"`
	}
	body := map[string]string{"selector": selector}
	if err := c.post(ctx, fmt.Sprintf("/v1/session/%s/query", sessionID), body, &resp); err != nil {
		return nil, eris.Wrap(err, "renderagent: query")
	}
	return resp.Elements, nil
}

func (c *httpClient) Screenshot(ctx context.Context, sessionID string, clip *Box) ([]byte, error) {
	var resp struct {
		PNG []byte `json:"png"`
	}
	body := map[string]any{}
	if clip != nil {
		body["clip"] = clip
	}
	if err := c.post(ctx, fmt.Sprintf("/v1/session/%s/screenshot", sessionID), body, &resp); err != nil {
		return nil, eris.Wrap(err, "renderagent: screenshot")
	}
	return resp.PNG, nil
}

func (c *httpClient) TextBlocks(ctx context.Context, sessionID string, topCutoffPx int) ([]TextBlockInfo, error) {
	var resp struct {
		Blocks []TextBlockInfo `json:"blocks"`
	}
	body := map[string]int{"top_cutoff_px": topCutoffPx}
	if err := c.post(ctx, fmt.Sprintf("/v1/session/%s/textblocks", sessionID), body, &resp); err != nil {
		return nil, eris.Wrap(err, "renderagent: text blocks")
	}
	return resp.Blocks, nil
}

func (c *httpClient) CloseSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/v1/session/%s", c.baseURL, sessionID), nil)
	if err != nil {
		return eris.Wrap(err, "renderagent: create close request")
	}
	if err := c.do(req, nil); err != nil {
		return eris.Wrap(err, "renderagent: close session")
	}
	return nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
