// Package httpapi serves sessions and streaming completions over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"streamchat/internal/domain"
	"streamchat/internal/usecase"
)

// TurnRunner starts, resumes and abandons turns.
type TurnRunner interface {
	Start(ctx context.Context, sessionID, input string) (*usecase.Stream, error)
	Resume(ctx context.Context, sessionID string) (*usecase.Stream, error)
	Abandon(ctx context.Context, sessionID string) (domain.Message, error)
}

type SessionService interface {
	Create(ctx context.Context, title string) (domain.Session, error)
	Get(ctx context.Context, sessionID string) (domain.Session, error)
	List(ctx context.Context) ([]domain.Session, error)
	Messages(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// Handler serves the session and chat routes.
type Handler struct {
	turns    TurnRunner
	sessions SessionService
	schemas  *schemas
	logger   *slog.Logger
	// heartbeat is the keep-alive interval of open event streams.
	heartbeat time.Duration
}

func NewHandler(turns TurnRunner, sessions SessionService, logger *slog.Logger) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("httpapi: turn runner must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("httpapi: session service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Handler{turns: turns, sessions: sessions, schemas: s, logger: logger, heartbeat: defaultHeartbeat}, nil
}

// RegisterRoutes registers session and chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/sessions/{id}/messages", h.ListMessages)

		r.Post("/chat/{id}/completions", h.Complete)
		r.Post("/chat/{id}/completions-continue", h.Continue)
		r.Delete("/chat/{id}/completions", h.Abandon)
	})
}

type createSessionRequest struct {
	Title string `json:"title"`
}

type completionRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, h.schemas.createSession, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), err.Error())
		return
	}
	sess, err := h.sessions.Create(r.Context(), req.Title)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sessions)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.sessions.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, msgs)
}

// Complete starts a turn and streams its events.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeBody(r, h.schemas.completion, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), err.Error())
		return
	}
	stream, err := h.turns.Start(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.serveStream(w, r, stream)
}

// Continue resumes the session's interrupted turn and streams its events.
func (h *Handler) Continue(w http.ResponseWriter, r *http.Request) {
	stream, err := h.turns.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.serveStream(w, r, stream)
}

// Abandon finalizes the session's interrupted turn without resuming it.
func (h *Handler) Abandon(w http.ResponseWriter, r *http.Request) {
	msg, err := h.turns.Abandon(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, msg)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, reason := StatusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	}
	writeError(w, status, code, reason)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	JSON(w, status, errorResponse{Error: code, Reason: reason})
}
