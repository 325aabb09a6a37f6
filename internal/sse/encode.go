// Package sse encodes turn events as server-sent event frames and parses
// SSE streams back into events.
package sse

import (
	"encoding/json"
	"fmt"
	"io"

	"streamchat/internal/domain"
)

// ContentType is the media type of an event stream response.
const ContentType = "text/event-stream"

type resumeFrame struct {
	Type            domain.EventType `json:"type"`
	MessageID       string           `json:"message_id"`
	ExistingContent string           `json:"existing_content"`
}

type retryFrame struct {
	Type    domain.EventType `json:"type"`
	Message string           `json:"message"`
	Attempt int              `json:"attempt"`
}

type contentFrame struct {
	Type        domain.EventType `json:"type"`
	Content     string           `json:"content"`
	MessageID   string           `json:"message_id"`
	Accumulated string           `json:"accumulated"`
}

type doneFrame struct {
	Type         domain.EventType `json:"type"`
	MessageID    string           `json:"message_id"`
	TotalContent string           `json:"total_content"`
}

type errorFrame struct {
	Type           domain.EventType `json:"type"`
	Error          string           `json:"error"`
	MessageID      string           `json:"message_id"`
	PartialContent string           `json:"partial_content"`
}

// Payload returns the JSON object carried by the frame for ev.
func Payload(ev domain.Event) ([]byte, error) {
	var frame any
	switch ev.Type {
	case domain.EventResume:
		frame = resumeFrame{Type: ev.Type, MessageID: ev.MessageID, ExistingContent: ev.ExistingContent}
	case domain.EventRetry:
		frame = retryFrame{Type: ev.Type, Message: ev.Message, Attempt: ev.Attempt}
	case domain.EventContent:
		frame = contentFrame{Type: ev.Type, Content: ev.Content, MessageID: ev.MessageID, Accumulated: ev.Accumulated}
	case domain.EventDone:
		frame = doneFrame{Type: ev.Type, MessageID: ev.MessageID, TotalContent: ev.TotalContent}
	case domain.EventError:
		frame = errorFrame{Type: ev.Type, Error: ev.Error, MessageID: ev.MessageID, PartialContent: ev.PartialContent}
	default:
		return nil, fmt.Errorf("sse: unknown event type %q", ev.Type)
	}
	return json.Marshal(frame)
}

// Marshal returns the complete wire frame for ev: "data: <json>\n\n".
func Marshal(ev domain.Event) ([]byte, error) {
	payload, err := Payload(ev)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// Encode writes the frame for ev to w.
func Encode(w io.Writer, ev domain.Event) error {
	frame, err := Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	return nil
}

// Comment writes an SSE comment line, which clients ignore. Used as a
// keep-alive.
func Comment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
