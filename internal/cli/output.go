package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"streamchat/internal/domain"
	"streamchat/internal/sse"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The turn ended with an error event
	ExitCommandError = 2 // Bad flags, unreachable server, rejected request
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// eventPrinter renders a turn's events. Text mode writes content fragments
// as they arrive and notices to errOut; JSON mode writes one event payload
// per line.
type eventPrinter struct {
	format string
	out    io.Writer
	errOut io.Writer
	// shown is the answer text already written to out.
	shown string
}

func (p *eventPrinter) print(ev domain.Event) error {
	if p.format == "json" {
		return p.printJSON(ev)
	}
	switch ev.Type {
	case domain.EventResume:
		// After a dropped connection only the unseen tail is printed.
		text := ev.ExistingContent
		if strings.HasPrefix(text, p.shown) {
			text = text[len(p.shown):]
		} else if p.shown != "" {
			text = "\n" + text
		}
		p.shown = ev.ExistingContent
		_, err := fmt.Fprint(p.out, text)
		return err
	case domain.EventContent:
		p.shown += ev.Content
		_, err := fmt.Fprint(p.out, ev.Content)
		return err
	case domain.EventRetry:
		_, err := fmt.Fprintf(p.errOut, "\n[retry %d] %s\n", ev.Attempt, ev.Message)
		return err
	case domain.EventDone:
		_, err := fmt.Fprintln(p.out)
		return err
	case domain.EventError:
		_, err := fmt.Fprintf(p.errOut, "\n[error] %s\n", ev.Error)
		return err
	}
	return nil
}

func (p *eventPrinter) printJSON(ev domain.Event) error {
	payload, err := sse.Payload(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.out, "%s\n", payload)
	return err
}

// turnResult maps a terminal event to the command's error.
func turnResult(ev domain.Event) error {
	if ev.Type == domain.EventError {
		return &ExitError{Code: ExitFailure, Message: "turn failed: " + ev.Error}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSessions(w io.Writer, sessions []domain.Session) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tUPDATED\tTITLE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Status, s.UpdatedAt.Format(time.RFC3339), s.Title)
	}
	return tw.Flush()
}

func writeMessages(w io.Writer, msgs []domain.Message) error {
	for _, m := range msgs {
		marker := ""
		if m.IsStreaming {
			marker = " (streaming)"
		}
		if _, err := fmt.Fprintf(w, "%s%s: %s\n", m.Role, marker, strings.TrimSpace(m.Content)); err != nil {
			return err
		}
	}
	return nil
}
