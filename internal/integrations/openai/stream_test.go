package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamchat/internal/backoff"
	"streamchat/internal/domain"
)

func chunk(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`+"\n\n", content)
}

func finishChunk(reason string) string {
	return fmt.Sprintf(`data: {"choices":[{"index":0,"delta":{},"finish_reason":%q}]}`+"\n\n", reason)
}

func streamServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			_, _ = io.WriteString(w, f)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(seq func(func(domain.Fragment, error) bool)) ([]domain.Fragment, error) {
	var frags []domain.Fragment
	for frag, err := range seq {
		if err != nil {
			return frags, err
		}
		frags = append(frags, frag)
	}
	return frags, nil
}

func testRequest() domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:       "gpt-mock",
		Messages:    []domain.ChatMessage{{Role: "user", Content: "Hello"}},
		MaxTokens:   2000,
		Temperature: 0.7,
	}
}

func TestStreamChat_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, true, body["stream"])
		require.Equal(t, "gpt-mock", body["model"])
		require.EqualValues(t, 2000, body["max_tokens"])
		require.InDelta(t, 0.7, body["temperature"], 1e-9)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, chunk("Hi"))
		_, _ = io.WriteString(w, chunk(" there"))
		_, _ = io.WriteString(w, finishChunk("stop"))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	frags, err := collect(newTestClient(t, srv).StreamChat(context.Background(), testRequest()))
	require.NoError(t, err)
	require.Equal(t, []domain.Fragment{
		{Content: "Hi"},
		{Content: " there"},
		{FinishReason: "stop"},
	}, frags)
}

func TestStreamChat_DoneMarkerFinishes(t *testing.T) {
	srv := streamServer(t, chunk("Hi"), "data: [DONE]\n\n")

	frags, err := collect(newTestClient(t, srv).StreamChat(context.Background(), testRequest()))
	require.NoError(t, err)
	require.Len(t, frags, 2)
	require.True(t, frags[1].Finished())
}

func TestStreamChat_TruncatedStreamIsConnectionError(t *testing.T) {
	srv := streamServer(t, chunk("The capital"))

	frags, err := collect(newTestClient(t, srv).StreamChat(context.Background(), testRequest()))
	require.Equal(t, []domain.Fragment{{Content: "The capital"}}, frags)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.True(t, connErr.Connection())
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamChat_MalformedChunk(t *testing.T) {
	srv := streamServer(t, chunk("ok"), "data: {not json\n\n")

	_, err := collect(newTestClient(t, srv).StreamChat(context.Background(), testRequest()))
	var malformed *MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	require.True(t, malformed.MalformedResponse())
}

func TestStreamChat_ProviderErrorInsideStream(t *testing.T) {
	srv := streamServer(t, `data: {"error":{"message":"context too long","type":"invalid_request_error"}}`+"\n\n")

	_, err := collect(newTestClient(t, srv).StreamChat(context.Background(), testRequest()))
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	require.Contains(t, err.Error(), "context too long")
}

func TestStreamChat_StatusErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))

		_, err := collect(newTestClient(t, srv).StreamChat(context.Background(), testRequest()))
		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, status, statusErr.StatusCode)
		require.Contains(t, err.Error(), "nope")
		srv.Close()
	}
}

func TestStreamChat_NetworkError(t *testing.T) {
	c, err := NewClient(nil, "", WithAPIKey("sk"), WithBaseURL("http://127.0.0.1:1"))
	require.NoError(t, err)

	_, err = collect(c.StreamChat(context.Background(), testRequest()))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestStreamChat_HeaderTimeoutIsRetried(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		case <-time.After(300 * time.Millisecond):
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(nil, "", WithAPIKey("sk"), WithBaseURL(srv.URL), WithHeaderTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = collect(c.StreamChat(context.Background(), testRequest()))
	require.Error(t, err)
	require.Equal(t, backoff.ClassConnection, backoff.Classify(err))

	err = backoff.NewPolicy(1, time.Millisecond).Run(context.Background(), func(ctx context.Context) error {
		_, err := collect(c.StreamChat(ctx, testRequest()))
		return err
	}, nil)
	var failure *backoff.Failure
	require.ErrorAs(t, err, &failure)
	require.True(t, failure.Exhausted)
	require.Equal(t, backoff.ClassConnection, failure.Class)
	require.Equal(t, 2, failure.Attempts)
	require.EqualValues(t, 3, requests.Load())
}

func TestStreamChat_ContextCanceledMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, chunk("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	var frags []domain.Fragment
	var err error
	for frag, ferr := range newTestClient(t, srv).StreamChat(ctx, testRequest()) {
		if ferr != nil {
			err = ferr
			break
		}
		frags = append(frags, frag)
		cancel()
	}
	require.Equal(t, []domain.Fragment{{Content: "partial"}}, frags)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStreamChat_ConsumerMayStopEarly(t *testing.T) {
	srv := streamServer(t, chunk("a"), chunk("b"), finishChunk("stop"))

	count := 0
	for range newTestClient(t, srv).StreamChat(context.Background(), testRequest()) {
		count++
		break
	}
	require.Equal(t, 1, count)
}

func TestStreamChat_Validation(t *testing.T) {
	c, err := NewClient(nil, "", WithAPIKey("sk"))
	require.NoError(t, err)

	_, err = collect(c.StreamChat(context.Background(), domain.CompletionRequest{Messages: testRequest().Messages}))
	require.ErrorContains(t, err, "model")

	_, err = collect(c.StreamChat(context.Background(), domain.CompletionRequest{Model: "m"}))
	require.ErrorContains(t, err, "messages")
}

func TestStreamChat_KeyResolutionError(t *testing.T) {
	c, err := NewClient(&fakeGetter{err: errors.New("ssm unavailable")}, "/streamchat")
	require.NoError(t, err)

	_, err = collect(c.StreamChat(context.Background(), testRequest()))
	require.ErrorContains(t, err, "ssm unavailable")
}
