package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"streamchat/internal/backoff"
	"streamchat/internal/domain"
)

const (
	defaultMaxContext     = 20
	defaultMaxInputLength = 8000
	defaultTurnTimeout    = 5 * time.Minute
	finalizeTimeout       = 10 * time.Second
)

// LLMClient streams a completion as content fragments ending in a finish
// fragment. A failure is yielded as the last element.
type LLMClient interface {
	StreamChat(ctx context.Context, req domain.CompletionRequest) iter.Seq2[domain.Fragment, error]
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

// SessionStore is the durable store as seen by the orchestrator.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	BeginTurn(ctx context.Context, sessionID string, user, assistant domain.Message, at time.Time) error
	FinishTurn(ctx context.Context, msg domain.Message, status domain.SessionStatus, at time.Time) error
	SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) error
}

// CheckpointStore is the ephemeral progress store.
type CheckpointStore interface {
	Begin(ctx context.Context, cp domain.Checkpoint) error
	Load(ctx context.Context, sessionID string) (*domain.Checkpoint, error)
	UpdateContent(ctx context.Context, messageID, content string) error
	Clear(ctx context.Context, sessionID, messageID string) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Config holds generation and turn limits. Zero values take defaults.
type Config struct {
	Model          string
	MaxTokens      int
	Temperature    float64
	SystemPrompt   string
	ContinuePrompt string
	// MaxContextMessages caps replayed history messages.
	MaxContextMessages int
	// MaxInputLength caps user input, in runes.
	MaxInputLength int
	Retry          backoff.Policy
	TurnTimeout    time.Duration
}

type Option func(*Orchestrator)

// WithModerator screens user input before a turn starts.
func WithModerator(m Moderator) Option {
	return func(o *Orchestrator) { o.moderator = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator drives turns: it starts and resumes streaming generations,
// checkpoints their progress and finalizes them durably.
type Orchestrator struct {
	store       SessionStore
	checkpoints CheckpointStore
	llm         LLMClient
	moderator   Moderator
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	turns *turnRegistry
	wg    sync.WaitGroup
}

func NewOrchestrator(store SessionStore, checkpoints CheckpointStore, llm LLMClient, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if checkpoints == nil {
		return nil, errors.New("usecase: checkpoint store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.ContinuePrompt == "" {
		cfg.ContinuePrompt = defaultContinuePrompt
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = defaultMaxContext
	}
	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = defaultMaxInputLength
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	o := &Orchestrator{
		store:       store,
		checkpoints: checkpoints,
		llm:         llm,
		cfg:         cfg,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		turns:       newTurnRegistry(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// turn is the state carried through one Start or Resume.
type turn struct {
	sessionID string
	message   domain.Message
	userInput string
	history   []domain.Message
	initial   string
	resumed   bool
}

// Start begins a new turn for sessionID with the given user input.
func (o *Orchestrator) Start(ctx context.Context, sessionID, input string) (*Stream, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, newError(ErrorInvalidInput, "empty_content", nil)
	}
	if utf8.RuneCountInString(input) > o.cfg.MaxInputLength {
		return nil, newError(ErrorInvalidInput, "content_too_long", nil)
	}
	if !o.turns.acquire(sessionID) {
		return nil, newError(ErrorTurnConflict, "turn_in_progress", nil)
	}
	launched := false
	defer func() {
		if !launched {
			o.turns.release(sessionID)
		}
	}()

	if err := o.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	cp, err := o.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorInternal, "checkpoint_read_error", err)
	}
	if cp != nil {
		return nil, newError(ErrorTurnConflict, "checkpoint_exists", nil)
	}
	history, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	if err := o.moderate(ctx, input); err != nil {
		return nil, err
	}

	now := o.now()
	user := domain.Message{
		ID:        newUUID(),
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   input,
		CreatedAt: now,
	}
	assistant := domain.Message{
		ID:          newUUID(),
		SessionID:   sessionID,
		Role:        domain.RoleAssistant,
		IsStreaming: true,
		CreatedAt:   now.Add(time.Microsecond),
	}
	if err := o.store.BeginTurn(ctx, sessionID, user, assistant, now); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, newError(ErrorSessionNotFound, "session_not_found", err)
		}
		return nil, newError(ErrorInternal, "store_write_error", err)
	}
	if err := o.checkpoints.Begin(ctx, domain.Checkpoint{
		SessionID:       sessionID,
		MessageID:       assistant.ID,
		Status:          domain.CheckpointStreaming,
		LastUserMessage: input,
	}); err != nil {
		o.abortBegin(ctx, assistant)
		return nil, newError(ErrorInternal, "checkpoint_write_error", err)
	}

	launched = true
	return o.launch(ctx, &turn{
		sessionID: sessionID,
		message:   assistant,
		userInput: input,
		history:   history,
	}), nil
}

// Resume continues the interrupted turn recorded in the session checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*Stream, error) {
	if !o.turns.acquire(sessionID) {
		return nil, newError(ErrorTurnConflict, "turn_in_progress", nil)
	}
	launched := false
	defer func() {
		if !launched {
			o.turns.release(sessionID)
		}
	}()

	if err := o.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	cp, err := o.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorInternal, "checkpoint_read_error", err)
	}
	if !cp.Resumable() {
		return nil, newError(ErrorInvalidResumeState, "no_checkpoint", nil)
	}
	history, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	idx := indexOfMessage(history, cp.MessageID)
	if idx < 0 {
		return nil, newError(ErrorInvalidResumeState, "message_not_found", nil)
	}
	if !history[idx].IsStreaming {
		// The durable store already holds the final content; the checkpoint
		// is a leftover of a failed clear.
		if err := o.checkpoints.Clear(ctx, sessionID, cp.MessageID); err != nil {
			o.logger.Warn("clear stale checkpoint failed", "session_id", sessionID, "err", err)
		}
		return nil, newError(ErrorInvalidResumeState, "message_finalized", nil)
	}
	if err := o.store.SetSessionStatus(ctx, sessionID, domain.SessionActive, o.now()); err != nil {
		return nil, newError(ErrorInternal, "store_write_error", err)
	}

	launched = true
	return o.launch(ctx, &turn{
		sessionID: sessionID,
		message:   history[idx],
		userInput: cp.LastUserMessage,
		history:   priorHistory(history, idx),
		initial:   cp.Content,
		resumed:   true,
	}), nil
}

// Abandon finalizes a stranded turn without generating more content: the
// checkpoint content becomes the message's final content and the checkpoint
// is cleared.
func (o *Orchestrator) Abandon(ctx context.Context, sessionID string) (domain.Message, error) {
	if !o.turns.acquire(sessionID) {
		return domain.Message{}, newError(ErrorTurnConflict, "turn_in_progress", nil)
	}
	defer o.turns.release(sessionID)

	if err := o.requireSession(ctx, sessionID); err != nil {
		return domain.Message{}, err
	}
	cp, err := o.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return domain.Message{}, newError(ErrorInternal, "checkpoint_read_error", err)
	}
	if cp == nil || cp.MessageID == "" {
		return domain.Message{}, newError(ErrorInvalidResumeState, "no_checkpoint", nil)
	}
	history, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return domain.Message{}, newError(ErrorInternal, "store_read_error", err)
	}

	now := o.now()
	var msg domain.Message
	idx := indexOfMessage(history, cp.MessageID)
	switch {
	case idx >= 0 && !history[idx].IsStreaming:
		// Stale checkpoint of a turn that was already committed.
		msg = history[idx]
	case idx >= 0:
		msg = history[idx]
		msg.Content = cp.Content
		msg.IsStreaming = false
		if err := o.store.FinishTurn(ctx, msg, domain.SessionInterrupted, now); err != nil {
			return domain.Message{}, newError(ErrorInternal, "store_write_error", err)
		}
	default:
		if err := o.store.SetSessionStatus(ctx, sessionID, domain.SessionInterrupted, now); err != nil {
			return domain.Message{}, newError(ErrorInternal, "store_write_error", err)
		}
	}
	if err := o.checkpoints.Clear(ctx, sessionID, cp.MessageID); err != nil {
		return domain.Message{}, newError(ErrorInternal, "checkpoint_write_error", err)
	}
	o.logger.Info("turn abandoned", "session_id", sessionID, "message_id", cp.MessageID, "content_len", len(cp.Content))
	return msg, nil
}

// Wait blocks until every running turn has finalized or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) requireSession(ctx context.Context, sessionID string) error {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return storeReadError(err)
	}
	return nil
}

func (o *Orchestrator) moderate(ctx context.Context, input string) error {
	if o.moderator == nil {
		return nil
	}
	flagged, err := o.moderator.Moderate(ctx, input)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		return newError(ErrorInvalidQuestion, "moderation_flagged", nil)
	}
	return nil
}

// abortBegin closes out a turn whose checkpoint could not be written, so the
// placeholder does not stay streaming with nothing to resume from.
func (o *Orchestrator) abortBegin(ctx context.Context, assistant domain.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := o.store.FinishTurn(ctx, assistant, domain.SessionInterrupted, o.now()); err != nil {
		o.logger.Error("abort turn failed", "session_id", assistant.SessionID, "message_id", assistant.ID, "err", err)
	}
}

// launch runs t on its own goroutine. The turn outlives ctx's cancellation
// but keeps its values, and is bounded by the turn timeout.
func (o *Orchestrator) launch(ctx context.Context, t *turn) *Stream {
	s := newStream(t.message.ID)
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TurnTimeout)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer s.close()
		terminal := o.safeRunTurn(turnCtx, t, s.send)
		cancel()
		// Release before the terminal event so a client reacting to it can
		// start the next turn immediately.
		o.turns.release(t.sessionID)
		s.send(terminal)
	}()
	return s
}

func (o *Orchestrator) safeRunTurn(ctx context.Context, t *turn, emit func(domain.Event)) (terminal domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("turn panicked", "session_id", t.sessionID, "message_id", t.message.ID, "panic", r)
			terminal = domain.ErrorEvent(t.message.ID, "internal error", "")
		}
	}()
	return o.runTurn(ctx, t, emit)
}

// runTurn streams the generation, emitting every non-terminal event, and
// returns the terminal event once both stores are final.
func (o *Orchestrator) runTurn(ctx context.Context, t *turn, emit func(domain.Event)) domain.Event {
	log := o.logger.With("session_id", t.sessionID, "message_id", t.message.ID)
	acc := t.initial
	if t.resumed {
		emit(domain.ResumeEvent(t.message.ID, acc))
	}
	log.Info("turn started", "resumed", t.resumed, "existing_len", len(acc))

	err := o.cfg.Retry.Run(ctx, func(ctx context.Context) error {
		for frag, err := range o.llm.StreamChat(ctx, o.completionRequest(t, acc)) {
			if err != nil {
				return err
			}
			if frag.Content != "" {
				acc += frag.Content
				if err := o.checkpoints.UpdateContent(ctx, t.message.ID, acc); err != nil {
					log.Warn("checkpoint update failed", "err", err)
				}
				emit(domain.ContentEvent(t.message.ID, frag.Content, acc))
			}
			if frag.Finished() {
				return nil
			}
		}
		return fmt.Errorf("upstream stream ended without finish: %w", io.ErrUnexpectedEOF)
	}, func(n backoff.Notice) {
		log.Warn("upstream failed, retrying", "attempt", n.Attempt, "class", n.Class, "delay", n.Delay, "err", n.Err)
		emit(domain.RetryEvent(n.Message, n.Attempt))
	})

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err != nil {
		return o.fail(fctx, log, t, acc, err)
	}
	return o.complete(fctx, log, t, acc)
}

func (o *Orchestrator) complete(ctx context.Context, log *slog.Logger, t *turn, acc string) domain.Event {
	msg := t.message
	msg.Content = acc
	if err := o.store.FinishTurn(ctx, msg, domain.SessionCompleted, o.now()); err != nil {
		// The checkpoint holds acc, so the turn stays resumable.
		log.Error("commit completed turn failed", "err", err)
		return domain.ErrorEvent(t.message.ID, "failed to save the completed answer", acc)
	}
	if err := o.checkpoints.Clear(ctx, t.sessionID, t.message.ID); err != nil {
		log.Error("clear checkpoint failed", "err", err)
	}
	log.Info("turn completed", "content_len", len(acc))
	return domain.DoneEvent(t.message.ID, acc)
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, t *turn, acc string, cause error) domain.Event {
	var failure *backoff.Failure
	class := backoff.Classify(cause)
	if errors.As(cause, &failure) {
		class = failure.Class
	}
	log.Error("turn failed", "class", class, "err", cause, "partial_len", len(acc))

	if acc != t.initial {
		msg := t.message
		msg.Content = acc
		if err := o.store.FinishTurn(ctx, msg, domain.SessionInterrupted, o.now()); err != nil {
			log.Error("commit partial content failed", "err", err)
		} else if err := o.checkpoints.Clear(ctx, t.sessionID, t.message.ID); err != nil {
			log.Error("clear checkpoint failed", "err", err)
		}
	} else if err := o.store.SetSessionStatus(ctx, t.sessionID, domain.SessionInterrupted, o.now()); err != nil {
		log.Error("mark session interrupted failed", "err", err)
	}
	return domain.ErrorEvent(t.message.ID, cause.Error(), acc)
}

func (o *Orchestrator) completionRequest(t *turn, acc string) domain.CompletionRequest {
	return domain.CompletionRequest{
		Model: o.cfg.Model,
		Messages: buildPromptMessages(promptInput{
			systemPrompt:   o.cfg.SystemPrompt,
			continuePrompt: o.cfg.ContinuePrompt,
			history:        t.history,
			maxContext:     o.cfg.MaxContextMessages,
			userInput:      t.userInput,
			partial:        acc,
			continuation:   t.resumed || acc != "",
		}),
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}
}

func indexOfMessage(msgs []domain.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
