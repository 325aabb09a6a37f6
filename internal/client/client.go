// Package client is a Go client for the streamchat HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"streamchat/internal/backoff"
	"streamchat/internal/domain"
	"streamchat/internal/sse"
)

// ErrInterrupted reports a stream that ended before its terminal event.
var ErrInterrupted = errors.New("client: stream ended before a terminal event")

// APIError is a non-2xx response carrying the API error body.
type APIError struct {
	StatusCode int
	Code       string
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("client: %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("client: %d %s (%s)", e.StatusCode, e.Code, e.Reason)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	resumeWait backoff.Policy
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithResumeWait sets how long CompleteWithRecovery waits before retrying a
// resume that found the turn still running.
func WithResumeWait(p backoff.Policy) Option {
	return func(c *Client) { c.resumeWait = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: base url must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		resumeWait: backoff.NewPolicy(backoff.DefaultMaxRetries, backoff.DefaultBaseDelay),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) CreateSession(ctx context.Context, title string) (domain.Session, error) {
	var sess domain.Session
	err := c.doJSON(ctx, http.MethodPost, "/api/sessions", map[string]string{"title": title}, &sess)
	return sess, err
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	var sess domain.Session
	err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &sess)
	return sess, err
}

func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var sessions []domain.Session
	err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &sessions)
	return sessions, err
}

func (c *Client) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	var msgs []domain.Message
	err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &msgs)
	return msgs, err
}

// Abandon finalizes the session's interrupted turn with its partial content.
func (c *Client) Abandon(ctx context.Context, sessionID string) (domain.Message, error) {
	var msg domain.Message
	err := c.doJSON(ctx, http.MethodDelete, "/api/chat/"+url.PathEscape(sessionID)+"/completions", nil, &msg)
	return msg, err
}

// Complete starts a turn and calls fn for every event. It returns the
// terminal event, or ErrInterrupted when the stream broke off first.
func (c *Client) Complete(ctx context.Context, sessionID, content string, fn func(domain.Event) error) (domain.Event, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return domain.Event{}, err
	}
	return c.stream(ctx, "/api/chat/"+url.PathEscape(sessionID)+"/completions", body, fn)
}

// Continue resumes the session's interrupted turn. Its first event is resume.
func (c *Client) Continue(ctx context.Context, sessionID string, fn func(domain.Event) error) (domain.Event, error) {
	return c.stream(ctx, "/api/chat/"+url.PathEscape(sessionID)+"/completions-continue", nil, fn)
}

// CompleteWithRecovery is Complete that, when the stream breaks off, resumes
// the turn up to maxResumes times and stitches the streams together. A
// resume that races the still-running turn is retried after a wait; a turn
// that finished while disconnected is reported from the stored message.
func (c *Client) CompleteWithRecovery(ctx context.Context, sessionID, content string, maxResumes int, fn func(domain.Event) error) (domain.Event, error) {
	var messageID string
	track := func(ev domain.Event) error {
		if ev.MessageID != "" {
			messageID = ev.MessageID
		}
		if fn == nil {
			return nil
		}
		return fn(ev)
	}

	terminal, err := c.Complete(ctx, sessionID, content, track)
	for resumes := 0; resumes < maxResumes && errors.Is(err, ErrInterrupted); resumes++ {
		c.logger.Info("stream interrupted, resuming", "session_id", sessionID, "message_id", messageID, "resume", resumes+1)
		terminal, err = c.resume(ctx, sessionID, track)

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "INVALID_RESUME_STATE" && messageID != "" {
			return c.finishedMessage(ctx, sessionID, messageID)
		}
	}
	return terminal, err
}

// resume calls Continue, waiting on the resume policy while the server
// reports the turn as still running.
func (c *Client) resume(ctx context.Context, sessionID string, fn func(domain.Event) error) (domain.Event, error) {
	var terminal domain.Event
	_, err := c.resumeWait.Do(ctx, func(ctx context.Context) error {
		var err error
		terminal, err = c.Continue(ctx, sessionID, fn)
		return err
	}, isTurnConflict, func(attempt int, d time.Duration, _ error) {
		c.logger.Info("turn still running, waiting", "session_id", sessionID, "attempt", attempt, "delay", d)
	})
	return terminal, err
}

func isTurnConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "TURN_CONFLICT"
}

// finishedMessage reports a turn that ended while no client was attached.
// A final message in an interrupted session is the partial answer of a
// failed turn.
func (c *Client) finishedMessage(ctx context.Context, sessionID, messageID string) (domain.Event, error) {
	msgs, err := c.Messages(ctx, sessionID)
	if err != nil {
		return domain.Event{}, err
	}
	for _, m := range msgs {
		if m.ID != messageID || m.IsStreaming {
			continue
		}
		sess, err := c.GetSession(ctx, sessionID)
		if err != nil {
			return domain.Event{}, err
		}
		if sess.Status == domain.SessionInterrupted {
			return domain.ErrorEvent(m.ID, "turn failed while disconnected", m.Content), nil
		}
		return domain.DoneEvent(m.ID, m.Content), nil
	}
	return domain.Event{}, fmt.Errorf("client: message %s is not final: %w", messageID, ErrInterrupted)
}

func (c *Client) stream(ctx context.Context, path string, body []byte, fn func(domain.Event) error) (domain.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.Event{}, err
	}
	req.Header.Set("Accept", sse.ContentType)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Event{}, fmt.Errorf("client: POST %s: %w", path, err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return domain.Event{}, err
	}

	var terminal domain.Event
	readErr := sse.ReadEvents(res.Body, func(ev domain.Event) error {
		if fn != nil {
			if err := fn(ev); err != nil {
				return err
			}
		}
		if ev.Terminal() {
			terminal = ev
		}
		return nil
	})
	if terminal.Terminal() {
		return terminal, nil
	}
	if ctx.Err() != nil {
		return domain.Event{}, ctx.Err()
	}
	if readErr != nil && !isTransportError(readErr) {
		return domain.Event{}, readErr
	}
	if readErr != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrInterrupted, readErr)
	}
	return domain.Event{}, ErrInterrupted
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if err := checkStatus(res); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: res.StatusCode}
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Code, apiErr.Reason = body.Error, body.Reason
	} else {
		apiErr.Code = http.StatusText(res.StatusCode)
	}
	return apiErr
}

// isTransportError reports read failures caused by the connection rather than
// by a frame the client could not decode.
func isTransportError(err error) bool {
	return backoff.Classify(err) == backoff.ClassConnection
}
