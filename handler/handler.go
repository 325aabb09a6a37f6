// Package handler adapts the HTTP API to a Lambda Function URL invoked in
// response streaming mode.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-Id"

type Handler struct {
	router http.Handler
	logger *slog.Logger
}

func NewHandler(router http.Handler) (*Handler, error) {
	if router == nil {
		return nil, errors.New("handler: router must not be nil")
	}
	return &Handler{router: router, logger: slog.Default()}, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle serves req through the router. The response is returned as soon as
// the status line is known; the body keeps streaming from the router after
// Handle returns.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	corrID := correlationID(req.Headers)
	log := h.logger.With("correlation_id", corrID, "method", req.RequestContext.HTTP.Method, "path", req.RawPath)

	httpReq, err := toHTTPRequest(ctx, req)
	if err != nil {
		log.Warn("invalid request", "err", err)
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: "INVALID_INPUT", Reason: "invalid_request"}), nil
	}
	httpReq.Header.Set(correlationHeader, corrID)

	pr, pw := io.Pipe()
	w := newStreamWriter(pw)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("router panicked", "panic", r)
				w.WriteHeader(http.StatusInternalServerError)
			}
			w.WriteHeader(http.StatusOK)
			_ = pw.Close()
		}()
		h.router.ServeHTTP(w, httpReq)
	}()

	select {
	case <-w.ready:
	case <-ctx.Done():
		_ = pr.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	}

	headers := flattenHeaders(w.header)
	headers[correlationHeader] = corrID
	log.Info("response started", "status", w.status)
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: w.status,
		Headers:    headers,
		Body:       pr,
	}, nil
}

// streamWriter is an http.ResponseWriter over a pipe. ready closes on the
// first WriteHeader so the status and headers can be handed back before the
// body is complete.
type streamWriter struct {
	header http.Header
	body   *io.PipeWriter
	status int
	once   sync.Once
	ready  chan struct{}
}

func newStreamWriter(body *io.PipeWriter) *streamWriter {
	return &streamWriter{header: make(http.Header), body: body, ready: make(chan struct{})}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(status int) {
	w.once.Do(func() {
		w.status = status
		close(w.ready)
	})
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(p)
}

// Flush is a no-op: pipe writes reach the reader unbuffered.
func (w *streamWriter) Flush() {}

func toHTTPRequest(ctx context.Context, req events.LambdaFunctionURLRequest) (*http.Request, error) {
	method := req.RequestContext.HTTP.Method
	if method == "" {
		return nil, errors.New("missing http method")
	}
	path := req.RawPath
	if path == "" {
		path = req.RequestContext.HTTP.Path
	}
	if path == "" {
		path = "/"
	}
	target := path
	if req.RawQueryString != "" {
		target += "?" + req.RawQueryString
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, fmt.Errorf("decode base64 body: %w", err)
		}
		body = decoded
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Cookies) > 0 {
		httpReq.Header.Set("Cookie", strings.Join(req.Cookies, "; "))
	}
	httpReq.RemoteAddr = req.RequestContext.HTTP.SourceIP
	httpReq.RequestURI = target
	return httpReq, nil
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return newUUID()
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		out[k] = strings.Join(vals, ",")
	}
	return out
}

func jsonResponse(status int, corrID string, body errorResponse) *events.LambdaFunctionURLStreamingResponse {
	payload, _ := json.Marshal(body)
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: bytes.NewReader(payload),
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
