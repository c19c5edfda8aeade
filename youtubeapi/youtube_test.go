package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/session"
)

// mockTokenStore implements TokenStore for testing
type mockTokenStore struct {
	tokens map[string]tokenData
}

type tokenData struct {
	access  string
	refresh string
	expiry  time.Time
	raw     string
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{tokens: make(map[string]tokenData)}
}

func (m *mockTokenStore) UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error {
	m.tokens[provider] = tokenData{access: accessToken, refresh: refreshToken, expiry: expiry, raw: raw}
	return nil
}

func (m *mockTokenStore) GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error) {
	if data, ok := m.tokens[provider]; ok {
		return data.access, data.refresh, data.expiry, data.raw, nil
	}
	return "", "", time.Time{}, "", nil
}

func testService(t *testing.T, handler http.Handler) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Config{
		YTClientID:           "test-client-id",
		YTClientSecret:       "test-secret",
		BroadcastTitlePrefix: "Live Stream",
	}
	store := newMockTokenStore()
	_ = store.UpsertOAuthToken(context.Background(), "youtube", "valid-token", "refresh-token", time.Now().Add(time.Hour), "")
	return newServiceWithEndpoint(cfg, store, srv.URL)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_ScopeParsing(t *testing.T) {
	tests := []struct {
		name       string
		scopesConf string
		wantLen    int
		wantFirst  string
	}{
		{name: "default chat scope", scopesConf: "", wantLen: 1, wantFirst: "https://www.googleapis.com/auth/youtube.force-ssl"},
		{name: "comma separated", scopesConf: "scope1,scope2,scope3", wantLen: 3, wantFirst: "scope1"},
		{name: "space separated", scopesConf: "scope1 scope2 scope3", wantLen: 3, wantFirst: "scope1"},
		{name: "mixed separators", scopesConf: "scope1, scope2 scope3", wantLen: 3, wantFirst: "scope1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				YTClientID:     "test-client-id",
				YTClientSecret: "test-secret",
				YTRedirectURI:  "http://localhost/callback",
				YTScopes:       tt.scopesConf,
			}
			svc := New(cfg, newMockTokenStore())
			if len(svc.oauth.Scopes) != tt.wantLen {
				t.Errorf("scopes length = %d, want %d", len(svc.oauth.Scopes), tt.wantLen)
			}
			if svc.oauth.Scopes[0] != tt.wantFirst {
				t.Errorf("scopes[0] = %s, want %s", svc.oauth.Scopes[0], tt.wantFirst)
			}
		})
	}
}

func TestAuthCodeURL(t *testing.T) {
	cfg := &config.Config{
		YTClientID:     "test-client-id",
		YTClientSecret: "test-secret",
		YTRedirectURI:  "http://localhost/callback",
	}
	svc := New(cfg, newMockTokenStore())

	url := svc.AuthCodeURL("test-state")
	if !strings.Contains(url, "client_id=test-client-id") {
		t.Errorf("URL missing client_id: %s", url)
	}
	if !strings.Contains(url, "state=test-state") {
		t.Errorf("URL missing state: %s", url)
	}
	if !strings.Contains(url, "access_type=offline") {
		t.Errorf("URL missing access_type=offline: %s", url)
	}
}

func TestRefreshIfNeeded_NoToken(t *testing.T) {
	cfg := &config.Config{YTClientID: "test-client-id", YTClientSecret: "test-secret"}
	svc := New(cfg, newMockTokenStore())

	_, err := svc.refreshIfNeeded(context.Background())
	if err == nil {
		t.Fatal("refreshIfNeeded() should return error when no token stored")
	}
	if !strings.Contains(err.Error(), "no youtube token") {
		t.Errorf("error = %v, want error about no token", err)
	}
	if !session.IsTransient(err) {
		t.Errorf("missing token must classify transient so the loop waits for authorization, got %v", err)
	}
}

func TestRefreshIfNeeded_ValidToken(t *testing.T) {
	cfg := &config.Config{YTClientID: "test-client-id", YTClientSecret: "test-secret"}
	store := newMockTokenStore()
	svc := New(cfg, store)

	futureExpiry := time.Now().Add(10 * time.Minute)
	_ = store.UpsertOAuthToken(context.Background(), "youtube", "valid-token", "refresh-token", futureExpiry, "")

	token, err := svc.refreshIfNeeded(context.Background())
	if err != nil {
		t.Fatalf("refreshIfNeeded() error = %v", err)
	}
	if token.AccessToken != "valid-token" {
		t.Errorf("token.AccessToken = %s, want valid-token", token.AccessToken)
	}
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name       string
		items      []any
		wantStatus session.ProbeStatus
		wantChat   string
	}{
		{
			name: "live with chat",
			items: []any{map[string]any{
				"id":                   "v1",
				"snippet":              map[string]any{"liveBroadcastContent": "live"},
				"liveStreamingDetails": map[string]any{"activeLiveChatId": "chat-1"},
			}},
			wantStatus: session.StatusLive,
			wantChat:   "chat-1",
		},
		{
			name: "upcoming without chat",
			items: []any{map[string]any{
				"id":      "v1",
				"snippet": map[string]any{"liveBroadcastContent": "upcoming"},
			}},
			wantStatus: session.StatusUpcoming,
		},
		{
			name: "finished broadcast",
			items: []any{map[string]any{
				"id":      "v1",
				"snippet": map[string]any{"liveBroadcastContent": "none"},
			}},
			wantStatus: session.StatusComplete,
		},
		{
			name:       "deleted broadcast",
			items:      []any{},
			wantStatus: session.StatusMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/youtube/v3/videos", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{"items": tt.items})
			})
			svc := testService(t, mux)

			p, err := svc.CheckStatus(context.Background(), "v1")
			if err != nil {
				t.Fatalf("CheckStatus: %v", err)
			}
			if p.Status != tt.wantStatus {
				t.Errorf("status = %v, want %v", p.Status, tt.wantStatus)
			}
			if p.ChatID != tt.wantChat {
				t.Errorf("chat id = %q, want %q", p.ChatID, tt.wantChat)
			}
		})
	}
}

func broadcastItem(id, lifecycle, chatID, publishedAt string) map[string]any {
	return map[string]any{
		"id": id,
		"snippet": map[string]any{
			"title":       "show " + id,
			"liveChatId":  chatID,
			"publishedAt": publishedAt,
		},
		"status": map[string]any{"lifeCycleStatus": lifecycle},
	}
}

func TestFindEligibleBroadcast_PrefersActive(t *testing.T) {
	var statuses []string
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/liveBroadcasts", func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("broadcastStatus")
		statuses = append(statuses, status)
		if status == "active" {
			writeJSON(w, map[string]any{"items": []any{broadcastItem("bc1", "live", "chat-1", "2025-06-01T10:00:00Z")}})
			return
		}
		writeJSON(w, map[string]any{"items": []any{}})
	})
	svc := testService(t, mux)

	b, err := svc.FindEligibleBroadcast(context.Background())
	if err != nil {
		t.Fatalf("FindEligibleBroadcast: %v", err)
	}
	if b.ID != "bc1" || b.ChatID != "chat-1" {
		t.Fatalf("broadcast = %+v, want bc1/chat-1", b)
	}
	if b.Status != session.StatusLive {
		t.Errorf("status = %v, want live", b.Status)
	}
	if b.WatchURL != "https://www.youtube.com/watch?v=bc1" {
		t.Errorf("watch url = %q", b.WatchURL)
	}
	if b.ChatURL != "https://www.youtube.com/live_chat?v=bc1&is_popout=1" {
		t.Errorf("chat url = %q", b.ChatURL)
	}
	if b.IsNew {
		t.Error("adopted broadcast must not be marked new")
	}
	if len(statuses) != 1 || statuses[0] != "active" {
		t.Errorf("queried statuses = %v, want active only", statuses)
	}
}

func TestFindEligibleBroadcast_FallsBackToUpcoming(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/liveBroadcasts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("broadcastStatus") == "upcoming" {
			writeJSON(w, map[string]any{"items": []any{
				broadcastItem("old", "ready", "chat-old", "2025-05-01T10:00:00Z"),
				broadcastItem("new", "ready", "chat-new", "2025-06-01T10:00:00Z"),
			}})
			return
		}
		writeJSON(w, map[string]any{"items": []any{}})
	})
	svc := testService(t, mux)

	b, err := svc.FindEligibleBroadcast(context.Background())
	if err != nil {
		t.Fatalf("FindEligibleBroadcast: %v", err)
	}
	if b.ID != "new" {
		t.Errorf("picked %q, want the newest upcoming broadcast", b.ID)
	}
	if b.Status != session.StatusUpcoming {
		t.Errorf("status = %v, want upcoming", b.Status)
	}
}

func TestFindEligibleBroadcast_NoneFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/liveBroadcasts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"items": []any{}})
	})
	svc := testService(t, mux)

	_, err := svc.FindEligibleBroadcast(context.Background())
	if !errors.Is(err, session.ErrNoBroadcast) {
		t.Fatalf("err = %v, want ErrNoBroadcast", err)
	}
}

func TestCreateBroadcast(t *testing.T) {
	var insertedTitle, insertedPrivacy string
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/liveBroadcasts", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
			Status struct {
				PrivacyStatus string `json:"privacyStatus"`
			} `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		insertedTitle = body.Snippet.Title
		insertedPrivacy = body.Status.PrivacyStatus
		writeJSON(w, broadcastItem("new-bc", "created", "chat-new", "2025-06-01T10:00:00Z"))
	})
	mux.HandleFunc("/youtube/v3/liveStreams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"items": []any{map[string]any{
			"id": "stream-1",
			"cdn": map[string]any{
				"ingestionInfo": map[string]any{
					"streamName":       "key-abc",
					"ingestionAddress": "rtmp://a.rtmp.youtube.com/live2",
				},
			},
		}}})
	})
	var bound bool
	mux.HandleFunc("/youtube/v3/liveBroadcasts/bind", func(w http.ResponseWriter, r *http.Request) {
		bound = true
		if got := r.URL.Query().Get("streamId"); got != "stream-1" {
			t.Errorf("bind streamId = %q, want stream-1", got)
		}
		writeJSON(w, map[string]any{"id": "new-bc"})
	})
	svc := testService(t, mux)

	b, err := svc.CreateBroadcast(context.Background(), "Saturday Session")
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	if insertedTitle != "Saturday Session" {
		t.Errorf("inserted title = %q", insertedTitle)
	}
	if insertedPrivacy != "unlisted" {
		t.Errorf("privacy = %q, want unlisted default", insertedPrivacy)
	}
	if !bound {
		t.Error("broadcast was never bound to a stream")
	}
	if !b.IsNew {
		t.Error("created broadcast must be marked new")
	}
	if b.StreamKey != "key-abc" {
		t.Errorf("stream key = %q", b.StreamKey)
	}
	if b.IngestionURL != "rtmp://a.rtmp.youtube.com/live2/key-abc" {
		t.Errorf("ingestion url = %q", b.IngestionURL)
	}
	if b.ChatID != "chat-new" {
		t.Errorf("chat id = %q", b.ChatID)
	}
}

func TestCreateBroadcast_DefaultTitle(t *testing.T) {
	var insertedTitle string
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/liveBroadcasts", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		insertedTitle = body.Snippet.Title
		writeJSON(w, broadcastItem("new-bc", "created", "", "2025-06-01T10:00:00Z"))
	})
	mux.HandleFunc("/youtube/v3/liveStreams", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, map[string]any{
				"id": "stream-9",
				"cdn": map[string]any{
					"ingestionInfo": map[string]any{"streamName": "key-9", "ingestionAddress": "rtmp://a.rtmp.youtube.com/live2"},
				},
			})
			return
		}
		writeJSON(w, map[string]any{"items": []any{}})
	})
	mux.HandleFunc("/youtube/v3/liveBroadcasts/bind", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "new-bc"})
	})
	svc := testService(t, mux)

	b, err := svc.CreateBroadcast(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	if !strings.HasPrefix(insertedTitle, "Live Stream ") || !strings.HasSuffix(insertedTitle, " UTC") {
		t.Errorf("default title = %q, want prefix + timestamp + UTC", insertedTitle)
	}
	if b.StreamKey != "key-9" {
		t.Errorf("stream key = %q, want the freshly created stream's key", b.StreamKey)
	}
}

func TestFetchMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/liveChat/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"nextPageToken": "cursor-2",
			"items": []any{
				map[string]any{
					"id": "m1",
					"snippet": map[string]any{
						"displayMessage": "hello there",
						"publishedAt":    "2025-06-01T10:00:00Z",
					},
					"authorDetails": map[string]any{
						"displayName": "viewer",
						"channelId":   "UC123",
						"isChatOwner": false,
					},
				},
				map[string]any{
					// deleted or non-text events carry no display text
					"id":      "m2",
					"snippet": map[string]any{"displayMessage": ""},
				},
				map[string]any{
					"id": "m3",
					"snippet": map[string]any{
						"displayMessage": "host here",
						"publishedAt":    "2025-06-01T10:00:05Z",
					},
					"authorDetails": map[string]any{
						"displayName": "host",
						"channelId":   "UC999",
						"isChatOwner": true,
					},
				},
			},
		})
	})
	svc := testService(t, mux)

	page, err := svc.FetchMessages(context.Background(), "chat-1", "cursor-1")
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if page.NextCursor != "cursor-2" {
		t.Errorf("next cursor = %q", page.NextCursor)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (empty display text dropped)", len(page.Messages))
	}
	first := page.Messages[0]
	if first.ID != "m1" || first.Author != "viewer" || first.AuthorID != "UC123" || first.Text != "hello there" {
		t.Errorf("first message = %+v", first)
	}
	if first.PublishedAt.IsZero() {
		t.Error("published time not parsed")
	}
	if !page.Messages[1].IsOwner {
		t.Error("owner flag not mapped")
	}
}

func TestFetchMessages_ExpiredCursorRestarts(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/liveChat/messages", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("pageToken") != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"message":"The request specifies an invalid page token.","errors":[{"reason":"pageTokenInvalid"}]}}`))
			return
		}
		writeJSON(w, map[string]any{"nextPageToken": "fresh", "items": []any{}})
	})
	svc := testService(t, mux)

	page, err := svc.FetchMessages(context.Background(), "chat-1", "stale-cursor")
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want retry without cursor", calls)
	}
	if page.NextCursor != "fresh" {
		t.Errorf("next cursor = %q, want fresh", page.NextCursor)
	}
}

func TestPostMessage_Truncates(t *testing.T) {
	var gotText string
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/liveChat/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Snippet struct {
				TextMessageDetails struct {
					MessageText string `json:"messageText"`
				} `json:"textMessageDetails"`
			} `json:"snippet"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText = body.Snippet.TextMessageDetails.MessageText
		writeJSON(w, map[string]any{"id": "posted"})
	})
	svc := testService(t, mux)

	long := strings.Repeat("x", 250)
	if err := svc.PostMessage(context.Background(), "chat-1", long); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if len([]rune(gotText)) != 200 {
		t.Errorf("posted length = %d, want 200", len([]rune(gotText)))
	}
}

func TestListBroadcasts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/liveBroadcasts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"nextPageToken": "page-2",
			"items": []any{map[string]any{
				"id": "bc1",
				"snippet": map[string]any{
					"title":              "old show",
					"scheduledStartTime": "2025-05-01T10:00:00Z",
					"actualStartTime":    "2025-05-01T10:01:00Z",
					"actualEndTime":      "2025-05-01T12:00:00Z",
				},
				"status": map[string]any{"lifeCycleStatus": "complete", "privacyStatus": "unlisted"},
			}},
		})
	})
	svc := testService(t, mux)

	records, next, err := svc.ListBroadcasts(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("ListBroadcasts: %v", err)
	}
	if next != "page-2" {
		t.Errorf("next = %q", next)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.ID != "bc1" || r.Status != "complete" || r.Privacy != "unlisted" {
		t.Errorf("record = %+v", r)
	}
	if r.ActualEnd.IsZero() || r.ScheduledAt.IsZero() {
		t.Error("timestamps not parsed")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want session.ErrorClass
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, session.ClassAuth},
		{"quota", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, session.ClassTransient},
		{"rate limit", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, session.ClassTransient},
		{"chat ended", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "liveChatEnded"}}}, session.ClassPermanent},
		{"bare forbidden", &googleapi.Error{Code: 403}, session.ClassAuth},
		{"not found", &googleapi.Error{Code: 404}, session.ClassPermanent},
		{"bad request", &googleapi.Error{Code: 400}, session.ClassPermanent},
		{"too many requests", &googleapi.Error{Code: 429}, session.ClassTransient},
		{"server error", &googleapi.Error{Code: 503}, session.ClassTransient},
		{"revoked grant", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}}, session.ClassAuth},
		{"token endpoint outage", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}}, session.ClassTransient},
		{"plain network error", errors.New("connection reset"), session.ClassTransient},
		{"nil", nil, session.ClassNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := session.ClassifyError(classify(tt.err)); got != tt.want {
				t.Errorf("classify(%v) class = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
