package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"streamchat/internal/domain"
)

// Frame is one parsed SSE envelope.
type Frame struct {
	Event string
	Data  string
}

// Parse reads server-sent events from r and invokes fn for each complete
// frame. Comment lines are skipped; a non-nil error from fn stops parsing.
func Parse(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	// Accumulated content rides in every frame, so lines grow with the answer.
	scanner.Buffer(make([]byte, 0, 4096), 4*1024*1024)

	var eventName string
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		frame := Frame{
			Event: strings.TrimSpace(eventName),
			Data:  strings.Join(dataLines, "\n"),
		}
		eventName = ""
		dataLines = dataLines[:0]
		return fn(frame)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

type wireEvent struct {
	Type            domain.EventType `json:"type"`
	MessageID       string           `json:"message_id"`
	Content         string           `json:"content"`
	Accumulated     string           `json:"accumulated"`
	ExistingContent string           `json:"existing_content"`
	TotalContent    string           `json:"total_content"`
	PartialContent  string           `json:"partial_content"`
	Error           string           `json:"error"`
	Message         string           `json:"message"`
	Attempt         int              `json:"attempt"`
}

// DecodeEvent maps a frame produced by Encode back to a domain event.
func DecodeEvent(f Frame) (domain.Event, error) {
	var w wireEvent
	if err := json.Unmarshal([]byte(f.Data), &w); err != nil {
		return domain.Event{}, fmt.Errorf("sse: decode frame: %w", err)
	}
	switch w.Type {
	case domain.EventResume, domain.EventRetry, domain.EventContent, domain.EventDone, domain.EventError:
	default:
		return domain.Event{}, fmt.Errorf("sse: unknown event type %q", w.Type)
	}
	return domain.Event{
		Type:            w.Type,
		MessageID:       w.MessageID,
		Content:         w.Content,
		Accumulated:     w.Accumulated,
		ExistingContent: w.ExistingContent,
		TotalContent:    w.TotalContent,
		PartialContent:  w.PartialContent,
		Error:           w.Error,
		Message:         w.Message,
		Attempt:         w.Attempt,
	}, nil
}

// ReadEvents parses r and invokes fn with every decoded event.
func ReadEvents(r io.Reader, fn func(domain.Event) error) error {
	return Parse(r, func(f Frame) error {
		ev, err := DecodeEvent(f)
		if err != nil {
			return err
		}
		return fn(ev)
	})
}
