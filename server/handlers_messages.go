package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chat-tender/memory"
)

// streamPollInterval is how often the event stream checks for newly answered
// messages. Var so tests can shorten it.
var streamPollInterval = 2 * time.Second

// HandleMessages returns archived chat messages, newest first. chat_id
// defaults to the active session's chat; author_id narrows to one viewer.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		http.Error(w, "message store not available", http.StatusServiceUnavailable)
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" && h.machine != nil {
		chatID = h.machine.Snapshot().ChatID
	}
	limit := parseIntQuery(r, "limit", 50)

	var msgs []memory.StoredMessage
	var err error
	if authorID := r.URL.Query().Get("author_id"); authorID != "" {
		msgs, err = h.store.RecentByAuthor(r.Context(), chatID, authorID, limit)
	} else {
		msgs, err = h.store.Recent(r.Context(), chatID, limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []memory.StoredMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msgs)
}

// HandleMessagesStream tails answered messages over Server-Sent Events. Each
// event is one archived row whose reply was recorded after the stream opened.
func (h *Handlers) HandleMessagesStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if h.store == nil {
		http.Error(w, "message store not available", http.StatusServiceUnavailable)
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" && h.machine != nil {
		chatID = h.machine.Snapshot().ChatID
	}
	if chatID == "" {
		http.Error(w, "no chat session", http.StatusNotFound)
		return
	}

	ctx := r.Context()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	// replay_minutes rewinds the starting point so a reconnecting client
	// can recover events it missed.
	since := time.Now()
	if mins := parseIntQuery(r, "replay_minutes", 0); mins > 0 {
		since = since.Add(-time.Duration(mins) * time.Minute)
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, err := h.store.AnsweredSince(ctx, chatID, since, 100)
		if err != nil {
			slog.Warn("event stream query failed", slog.Any("err", err))
			continue
		}
		for _, m := range msgs {
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(m); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			if m.RepliedAt != nil {
				since = *m.RepliedAt
			}
		}
		if len(msgs) > 0 {
			flusher.Flush()
		}
	}
}
