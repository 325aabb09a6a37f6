package httpapi

import (
	"net/http"
	"sync"
	"time"

	"streamchat/internal/sse"
	"streamchat/internal/usecase"
)

const defaultHeartbeat = 15 * time.Second

// serveStream writes the turn's events as SSE frames until the terminal event
// or until the client goes away. A departing client detaches from the turn;
// the turn itself keeps running. While no event is due a keep-alive comment
// is sent every heartbeat interval so proxies do not close the idle stream.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, stream *usecase.Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		stream.Detach()
		writeError(w, http.StatusInternalServerError, string(usecase.ErrorInternal), "streaming_unsupported")
		return
	}

	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Message-Id", stream.MessageID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := h.logger.With("path", r.URL.Path, "message_id", stream.MessageID)

	// mu serializes writes from the event loop and the heartbeat.
	var mu sync.Mutex
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				mu.Lock()
				err := sse.Comment(w, "keep-alive")
				if err == nil {
					flusher.Flush()
				}
				mu.Unlock()
				if err != nil {
					log.Debug("heartbeat write failed", "err", err)
					return
				}
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for ev := range stream.Events(r.Context()) {
		mu.Lock()
		err := sse.Encode(w, ev)
		if err == nil {
			flusher.Flush()
		}
		mu.Unlock()
		if err != nil {
			log.Warn("client write failed, detaching", "err", err)
			return
		}
	}
	if r.Context().Err() != nil {
		log.Info("client disconnected, turn continues")
	}
}
