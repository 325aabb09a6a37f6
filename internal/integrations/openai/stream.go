package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"streamchat/internal/domain"
	"streamchat/internal/sse"
)

// chatRequest is the request shape for a streaming Chat Completions call.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	Stream      bool                 `json:"stream"`
}

// streamChunk is one "data:" payload of a streaming response.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

const doneMarker = "[DONE]"

var (
	errStreamFinished = errors.New("stream finished")
	errConsumerDone   = errors.New("consumer stopped")
)

// StreamChat starts a streaming completion and yields content fragments
// followed by one finish fragment. Any failure is yielded once as the final
// element. The request is not sent until the sequence is iterated.
func (c *Client) StreamChat(ctx context.Context, in domain.CompletionRequest) iter.Seq2[domain.Fragment, error] {
	return func(yield func(domain.Fragment, error) bool) {
		res, err := c.openStream(ctx, in)
		if err != nil {
			yield(domain.Fragment{}, err)
			return
		}
		defer func() { _ = res.Body.Close() }()

		finished := false
		parseErr := sse.Parse(res.Body, func(f sse.Frame) error {
			data := strings.TrimSpace(f.Data)
			if data == doneMarker {
				finished = true
				if !yield(domain.Fragment{FinishReason: "stop"}, nil) {
					return errConsumerDone
				}
				return errStreamFinished
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return &MalformedResponseError{Data: truncate(data, 200), Err: err}
			}
			if chunk.Error != nil {
				return &StreamError{Type: chunk.Error.Type, Message: chunk.Error.Message}
			}
			if len(chunk.Choices) == 0 {
				return nil
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !yield(domain.Fragment{Content: choice.Delta.Content}, nil) {
					return errConsumerDone
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finished = true
				if !yield(domain.Fragment{FinishReason: *choice.FinishReason}, nil) {
					return errConsumerDone
				}
				return errStreamFinished
			}
			return nil
		})

		var malformed *MalformedResponseError
		var streamErr *StreamError
		switch {
		case errors.Is(parseErr, errStreamFinished), errors.Is(parseErr, errConsumerDone):
		case errors.As(parseErr, &malformed), errors.As(parseErr, &streamErr):
			yield(domain.Fragment{}, parseErr)
		case parseErr != nil:
			if ctx.Err() != nil {
				yield(domain.Fragment{}, fmt.Errorf("openai: read stream: %w", ctx.Err()))
				return
			}
			yield(domain.Fragment{}, &ConnectionError{Op: "read stream", Err: parseErr})
		case !finished:
			yield(domain.Fragment{}, &ConnectionError{Op: "read stream", Err: io.ErrUnexpectedEOF})
		}
	}
}

func (c *Client) openStream(ctx context.Context, in domain.CompletionRequest) (*http.Response, error) {
	if in.Model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if len(in.Messages) == 0 {
		return nil, errors.New("openai: messages must not be empty")
	}

	payload := chatRequest{
		Model:     in.Model,
		Messages:  in.Messages,
		MaxTokens: in.MaxTokens,
		Stream:    true,
	}
	if in.Temperature > 0 {
		temperature := in.Temperature
		payload.Temperature = &temperature
	}
	return c.post(ctx, chatURL(c.baseURL), payload, sse.ContentType)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
