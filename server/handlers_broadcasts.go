package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HandleBroadcastsList returns a paginated list of cataloged broadcasts.
func (h *Handlers) HandleBroadcastsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Basic pagination: ?limit=50&offset=0, optional ?status=complete
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	status := r.URL.Query().Get("status")

	query := `
        SELECT broadcast_id,
               COALESCE(title, ''),
               COALESCE(status, ''),
               COALESCE(privacy, ''),
               COALESCE(scheduled_start, to_timestamp(0)),
               actual_start,
               actual_end,
               COALESCE(watch_url, '')
        FROM broadcasts
    `
	args := []any{}
	if status != "" {
		query += ` WHERE status=$1 ORDER BY COALESCE(scheduled_start, created_at) DESC LIMIT $2 OFFSET $3`
		args = append(args, status, limit, offset)
	} else {
		query += ` ORDER BY COALESCE(scheduled_start, created_at) DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := h.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type broadcast struct {
		ScheduledStart time.Time  `json:"scheduled_start"`
		ActualStart    *time.Time `json:"actual_start,omitempty"`
		ActualEnd      *time.Time `json:"actual_end,omitempty"`
		ID             string     `json:"id"`
		Title          string     `json:"title"`
		Status         string     `json:"status"`
		Privacy        string     `json:"privacy"`
		WatchURL       string     `json:"watch_url"`
	}
	list := make([]broadcast, 0)
	for rows.Next() {
		var b broadcast
		if err := rows.Scan(&b.ID, &b.Title, &b.Status, &b.Privacy, &b.ScheduledStart, &b.ActualStart, &b.ActualEnd, &b.WatchURL); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list = append(list, b)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleBroadcastsDispatcher routes requests under /broadcasts/{id} to sub-handlers.
func (h *Handlers) HandleBroadcastsDispatcher(w http.ResponseWriter, r *http.Request) {
	// crude routing
	path := strings.TrimPrefix(r.URL.Path, "/broadcasts/")
	parts := strings.Split(path, "/")
	broadcastID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case broadcastID == "" || broadcastID == "/":
		http.NotFound(w, r)
	case tail == "":
		h.handleBroadcastDetail(w, r, broadcastID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleBroadcastDetail(w http.ResponseWriter, r *http.Request, broadcastID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	row := h.db.QueryRowContext(r.Context(), `
        SELECT broadcast_id,
               COALESCE(title, ''),
               COALESCE(status, ''),
               COALESCE(privacy, ''),
               COALESCE(scheduled_start, to_timestamp(0)),
               actual_start,
               actual_end,
               COALESCE(watch_url, ''),
               created_at,
               updated_at
    FROM broadcasts WHERE broadcast_id=$1
    `, broadcastID)
	type broadcast struct {
		ScheduledStart time.Time  `json:"scheduled_start"`
		ActualStart    *time.Time `json:"actual_start,omitempty"`
		ActualEnd      *time.Time `json:"actual_end,omitempty"`
		CreatedAt      *time.Time `json:"created_at,omitempty"`
		UpdatedAt      *time.Time `json:"updated_at,omitempty"`
		ID             string     `json:"id"`
		Title          string     `json:"title"`
		Status         string     `json:"status"`
		Privacy        string     `json:"privacy"`
		WatchURL       string     `json:"watch_url"`
	}
	var b broadcast
	if err := row.Scan(&b.ID, &b.Title, &b.Status, &b.Privacy, &b.ScheduledStart,
		&b.ActualStart, &b.ActualEnd, &b.WatchURL, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(b)
}
