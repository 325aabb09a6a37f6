package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL       = "https://api.openai.com/v1"
	defaultHeaderTimeout = 30 * time.Second
)

// moderationRequest is the request shape for the Moderations endpoint.
type moderationRequest struct {
	Input string `json:"input"`
}

// moderationResponse is the minimal response shape for the Moderations endpoint.
type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ConnectionError reports a transport failure: the request could not be sent
// or the response stream broke off.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("openai: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error    { return e.Err }
func (e *ConnectionError) Connection() bool { return true }

// MalformedResponseError reports a stream chunk that could not be decoded.
type MalformedResponseError struct {
	Data string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("openai: malformed stream chunk %q: %v", e.Data, e.Err)
}

func (e *MalformedResponseError) Unwrap() error           { return e.Err }
func (e *MalformedResponseError) MalformedResponse() bool { return true }

// StreamError is an error object the provider sent inside an open stream.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return "openai: stream error: " + e.Message
	}
	return fmt.Sprintf("openai: stream error (%s): %s", e.Type, e.Message)
}

// Client is a focused OpenAI-compatible client for streaming chat
// completions and moderation.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey uses a static key instead of fetching one from the parameter
// store.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithHeaderTimeout bounds the wait for response headers. The body of a
// stream has no overall deadline; callers bound it with their context.
func WithHeaderTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient = streamingHTTPClient(d)
	}
}

// NewClient creates a Client. The API key comes from WithAPIKey or, when
// none is given, from ps at "<paramPrefix>/open-ai-token" on first use; the
// fetched key is reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  streamingHTTPClient(defaultHeaderTimeout),
		getter:      ps,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey != "" {
		return c, nil
	}
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil without an API key")
	}
	if c.paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return c, nil
}

func streamingHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// resolveAPIKey returns the static key, or fetches it from SSM on the first
// call and returns the cached result afterwards.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		if c.apiKey != "" {
			return
		}
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return streamingHTTPClient(defaultHeaderTimeout)
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func chatURL(baseURL string) string       { return endpointURL(baseURL, "/chat/completions") }
func moderationURL(baseURL string) string { return endpointURL(baseURL, "/moderations") }

// Moderate reports whether the Moderations endpoint flags input.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	res, err := c.post(ctx, moderationURL(c.baseURL), moderationRequest{Input: input}, "application/json")
	if err != nil {
		return false, fmt.Errorf("openai: moderation request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return false, &ConnectionError{Op: "read moderation response", Err: err}
	}
	var payload moderationResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, fmt.Errorf("openai: decode moderation response: %w", err)
	}
	if len(payload.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return payload.Results[0].Flagged, nil
}

// post sends payload as JSON with the resolved bearer key. A non-2xx status
// is returned as *HTTPStatusError with the body already closed.
func (c *Client) post(ctx context.Context, url string, payload any, accept string) (*http.Response, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: "send request", Err: err}
	}
	if err := checkStatus(res, url); err != nil {
		_ = res.Body.Close()
		return nil, err
	}
	return res, nil
}

func checkStatus(res *http.Response, url string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
