package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/chat-tender/memory"
	"github.com/onnwee/chat-tender/session"
)

// snapshotJSON flattens a session snapshot for API responses.
func snapshotJSON(snap session.Snapshot) map[string]any {
	out := map[string]any{
		"state":            snap.State.String(),
		"healthy":          snap.Healthy(),
		"transient_errors": snap.TransientErrors,
	}
	if snap.BroadcastID != "" {
		out["broadcast_id"] = snap.BroadcastID
		out["title"] = snap.Title
		out["watch_url"] = snap.WatchURL
		out["ingestion_url"] = snap.IngestionURL
		out["stream_key"] = snap.StreamKey
		out["created_at"] = snap.CreatedAt
	}
	if snap.ChatID != "" {
		out["chat_id"] = snap.ChatID
		out["chat_url"] = snap.ChatURL
	}
	if !snap.UpdatedAt.IsZero() {
		out["updated_at"] = snap.UpdatedAt
	}
	return out
}

// HandleStatus returns the session snapshot enriched with poller and memory
// statistics. Snapshot fields come from the published copy; the rest are
// best-effort reads that never fail the response.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}
	var snap session.Snapshot
	if h.machine != nil {
		snap = h.machine.Snapshot()
		resp["session"] = snapshotJSON(snap)
	}

	if h.store != nil {
		if n, err := h.store.CountAnswered(ctx); err == nil {
			resp["answered_total"] = n
		}
		if at, err := h.store.LastBeat(ctx); err == nil && !at.IsZero() {
			resp["poller_heartbeat"] = at
			resp["poller_heartbeat_age_seconds"] = int(time.Since(at).Seconds())
		}
		if snap.ChatID != "" {
			if cursor, err := h.store.LoadCursor(ctx, snap.ChatID); err == nil && cursor != "" {
				resp["cursor"] = cursor
			}
		}
	}

	var archived int
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&archived); err == nil {
		resp["archived_total"] = archived
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleSessionStart serves the operator start request: ensure a session
// exists, or with force=1 abandon the current one and create fresh.
func (h *Handlers) HandleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.machine == nil {
		http.Error(w, "session control not available", http.StatusServiceUnavailable)
		return
	}
	title := r.URL.Query().Get("title")
	force := parseBoolQuery(r, "force")

	before := h.machine.Snapshot().BroadcastID
	snap, err := h.machine.StartBroadcast(r.Context(), title, force)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	resp := snapshotJSON(snap)
	if before != "" && snap.BroadcastID == before {
		resp["message"] = "an existing broadcast is already active"
	} else {
		resp["message"] = "broadcast session ready"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleAdminInvalidate forces the stale sweep: the session is cleared and
// the next poll starts discovery from scratch.
func (h *Handlers) HandleAdminInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.machine == nil {
		http.Error(w, "session control not available", http.StatusServiceUnavailable)
		return
	}
	snap := h.machine.Invalidate("operator request")
	resp := snapshotJSON(snap)
	resp["message"] = "session invalidated"
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleAdminRetention triggers one retention cycle immediately. dry_run=1
// overrides the configured mode for this run only.
func (h *Handlers) HandleAdminRetention(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	policy := memory.LoadRetentionPolicy()
	if v := r.URL.Query().Get("dry_run"); v != "" {
		policy.DryRun = v == "1" || v == "true"
	}
	if policy.KeepLastNDays <= 0 {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "disabled", "keep_days": 0})
		return
	}
	if err := memory.RunRetention(r.Context(), h.db, policy); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"keep_days": policy.KeepLastNDays,
		"dry_run":   policy.DryRun,
	})
}

// HandleAdminMonitor returns an ops summary: loop heartbeat, ingestion
// cursor, table counts, and the session counters.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	stats := map[string]any{}

	var beat string
	_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='poller_heartbeat'`).Scan(&beat)
	if beat != "" {
		stats["poller_heartbeat"] = beat
	}

	if h.machine != nil {
		snap := h.machine.Snapshot()
		stats["state"] = snap.State.String()
		stats["transient_errors"] = snap.TransientErrors
		if snap.ChatID != "" {
			var cursor string
			_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, "chat_cursor:"+snap.ChatID).Scan(&cursor)
			if cursor != "" {
				stats["cursor"] = cursor
			}
		}
	}

	var archived, answered, broadcasts int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&archived)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM answered_messages`).Scan(&answered)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM broadcasts`).Scan(&broadcasts)
	stats["messages_archived"] = archived
	stats["messages_answered"] = answered
	stats["broadcasts_cataloged"] = broadcasts

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
