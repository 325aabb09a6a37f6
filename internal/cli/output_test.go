package cli

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamchat/internal/domain"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "list", errors.New("refused"))))

	wrapped := WrapExitError(ExitCommandError, "chat", errors.New("boom"))
	assert.Equal(t, "chat: boom", wrapped.Error())
	assert.EqualError(t, errors.Unwrap(wrapped), "boom")
}

func TestEventPrinter_Text(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &eventPrinter{format: "text", out: &out, errOut: &errOut}

	events := []domain.Event{
		domain.ResumeEvent("m1", "The capital"),
		domain.RetryEvent("provider rate limit reached, retrying in 1s...", 1),
		domain.ContentEvent("m1", " of France", "The capital of France"),
		domain.ContentEvent("m1", " is Paris.", "The capital of France is Paris."),
		domain.DoneEvent("m1", "The capital of France is Paris."),
	}
	for _, ev := range events {
		require.NoError(t, p.print(ev))
	}

	assert.Equal(t, "The capital of France is Paris.\n", out.String())
	assert.Equal(t, "\n[retry 1] provider rate limit reached, retrying in 1s...\n", errOut.String())
}

func TestEventPrinter_ResumeAfterDrop(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &eventPrinter{format: "text", out: &out, errOut: &errOut}

	require.NoError(t, p.print(domain.ContentEvent("m1", "The capital", "The capital")))
	require.NoError(t, p.print(domain.ResumeEvent("m1", "The capital of")))
	require.NoError(t, p.print(domain.ContentEvent("m1", " France", "The capital of France")))

	assert.Equal(t, "The capital of France", out.String())
}

func TestEventPrinter_JSON(t *testing.T) {
	var out bytes.Buffer
	p := &eventPrinter{format: "json", out: &out, errOut: &out}

	require.NoError(t, p.print(domain.ContentEvent("m1", "Hi", "Hi")))
	require.NoError(t, p.print(domain.ErrorEvent("m1", "boom", "Hi")))

	assert.Equal(t,
		`{"type":"content","content":"Hi","message_id":"m1","accumulated":"Hi"}`+"\n"+
			`{"type":"error","error":"boom","message_id":"m1","partial_content":"Hi"}`+"\n",
		out.String())
}

func TestTurnResult(t *testing.T) {
	require.NoError(t, turnResult(domain.DoneEvent("m1", "ok")))

	err := turnResult(domain.ErrorEvent("m1", "upstream exploded", ""))
	require.EqualError(t, err, "turn failed: upstream exploded")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestWriteSessions(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	require.NoError(t, writeSessions(&out, []domain.Session{
		{ID: "s1", Title: "Geography", Status: domain.SessionCompleted, UpdatedAt: at},
	}))

	assert.Contains(t, out.String(), "ID")
	assert.Contains(t, out.String(), "s1")
	assert.Contains(t, out.String(), "completed")
	assert.Contains(t, out.String(), "2026-03-01T12:00:00Z")
	assert.Contains(t, out.String(), "Geography")
}

func TestWriteMessages(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeMessages(&out, []domain.Message{
		{Role: domain.RoleUser, Content: "Capital of France?"},
		{Role: domain.RoleAssistant, Content: "The capital", IsStreaming: true},
	}))
	assert.Equal(t, "user: Capital of France?\nassistant (streaming): The capital\n", out.String())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
