package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/testutil"
)

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		snap       session.Snapshot
		wantStatus int
		wantKey    string
		wantValue  string
	}{
		{
			name:       "live session is healthy",
			snap:       liveSnapshot(),
			wantStatus: http.StatusOK,
			wantKey:    "chat_url",
			wantValue:  "https://www.youtube.com/live_chat?v=bc-1",
		},
		{
			name: "upcoming with chat is healthy",
			snap: session.Snapshot{
				State:       session.StateUpcoming,
				BroadcastID: "bc-2",
				ChatID:      "chat-2",
				ChatURL:     "https://www.youtube.com/live_chat?v=bc-2",
			},
			wantStatus: http.StatusOK,
			wantKey:    "chat_url",
			wantValue:  "https://www.youtube.com/live_chat?v=bc-2",
		},
		{
			name: "upcoming without chat is not ready",
			snap: session.Snapshot{
				State:       session.StateUpcoming,
				BroadcastID: "bc-3",
			},
			wantStatus: http.StatusServiceUnavailable,
			wantKey:    "detail",
			wantValue:  "no active chat session",
		},
		{
			name:       "no session",
			snap:       session.Snapshot{State: session.StateNoSession},
			wantStatus: http.StatusServiceUnavailable,
			wantKey:    "detail",
			wantValue:  "no active chat session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(context.Background(), nil, &stubController{snap: tt.snap}, nil)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rr := httptest.NewRecorder()
			h.HandleHealth(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (body %s)", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected application/json, got %q", ct)
			}
			body := decodeJSONBody(t, rr)
			if got := body[tt.wantKey]; got != tt.wantValue {
				t.Errorf("expected %s=%q, got %v", tt.wantKey, tt.wantValue, got)
			}
			if len(body) != 1 {
				t.Errorf("expected single-key body, got %v", body)
			}
		})
	}
}

func TestHandleHealthNoMachine(t *testing.T) {
	h := NewHandlers(context.Background(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.HandleHealth(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["detail"] != "chat service not available" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	h := NewHandlers(context.Background(), nil, &stubController{snap: liveSnapshot()}, nil)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rr := httptest.NewRecorder()
	h.HandleHealth(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleHealthzDatabaseDown(t *testing.T) {
	h := NewHandlers(context.Background(), unreachableDB(t), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.HandleHealthz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with unreachable database, got %d", rr.Code)
	}
}

func TestHandleHealthzDatabaseUp(t *testing.T) {
	database := testutil.SetupTestDB(t)
	h := NewHandlers(context.Background(), database, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.HandleHealthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rr.Code, rr.Body.String())
	}
}

func TestHandleReadyz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	h := NewHandlers(ctx, database, nil, nil)

	if _, err := database.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider='youtube'`); err != nil {
		t.Fatalf("clear token row: %v", err)
	}

	// Without a stored credential the service is not ready
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.HandleReadyz(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without credentials, got %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["failed_check"] != "credentials" {
		t.Errorf("expected credentials check to fail, got %v", body)
	}

	if err := db.UpsertOAuthToken(ctx, database, "youtube", "acc", "ref", time.Now().Add(time.Hour), "scope"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	t.Cleanup(func() {
		_, _ = database.ExecContext(context.Background(), `DELETE FROM oauth_tokens WHERE provider='youtube'`)
	})

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr = httptest.NewRecorder()
	h.HandleReadyz(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d (body %s)", rr.Code, rr.Body.String())
	}
	body = decodeJSONBody(t, rr)
	if body["status"] != "ready" {
		t.Errorf("expected ready status, got %v", body)
	}
}
