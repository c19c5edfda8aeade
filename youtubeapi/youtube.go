// Package youtubeapi wraps Google OAuth2 client config and the YouTube Live
// Streaming API behind the session.BroadcastClient seam: broadcast discovery,
// creation, status probes, and live chat ingestion/posting. Tokens are
// persisted via the provided TokenStore interface so they can be refreshed
// and reused across restarts.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/telemetry"
)

const provider = "youtube"

const (
	watchURLBase   = "https://www.youtube.com/watch?v="
	chatPopoutBase = "https://www.youtube.com/live_chat?v="
	rtmpIngestBase = "rtmp://a.rtmp.youtube.com/live2"

	// YouTube rejects chat messages longer than 200 characters.
	maxMessageLen = 200

	// Page bound per tick; keeps one tick's work finite on a busy chat.
	chatPageSize = 200
)

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

type Service struct {
	cfg   *config.Config
	db    TokenStore
	oauth *oauth2.Config

	// endpoint overrides the API base URL; set only by tests.
	endpoint string
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.force-ssl"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.YTScopes, ",", " ")
		fields := strings.Fields(s)
		if len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Service{cfg: cfg, db: ts, oauth: oauth}
}

func newServiceWithEndpoint(cfg *config.Config, ts TokenStore, endpoint string) *Service {
	s := New(cfg, ts)
	s.endpoint = endpoint
	return s
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	rawBytes, _ := json.Marshal(tok)
	_ = s.db.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes))
	return tok, nil
}

// refreshIfNeeded returns a usable token, refreshing and re-persisting it
// when it expires within two minutes. A store with no token yet is reported
// as transient so the loop keeps waiting for the operator to authorize.
func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, &session.TransientError{Err: err}
	}
	if access == "" && refresh == "" {
		return nil, &session.TransientError{Err: errors.New("no youtube token stored")}
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	ts := s.oauth.TokenSource(ctx, &tok)
	newTok, err := ts.Token()
	if err != nil {
		return nil, classify(err)
	}
	rawBytes, _ := json.Marshal(newTok)
	_ = s.db.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, string(rawBytes))
	return newTok, nil
}

func (s *Service) client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(s.oauth.Client(ctx, tok))}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, classify(err)
	}
	return svc, nil
}

// FindEligibleBroadcast returns the newest active broadcast, falling back to
// the newest upcoming one. session.ErrNoBroadcast when the channel has
// neither.
func (s *Service) FindEligibleBroadcast(ctx context.Context) (_ session.Broadcast, err error) {
	ctx, span := telemetry.StartSpan(ctx, "youtubeapi", "broadcasts.find")
	defer func() {
		// An empty channel is a result, not a span error.
		if !errors.Is(err, session.ErrNoBroadcast) {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	svc, err := s.client(ctx)
	if err != nil {
		return session.Broadcast{}, err
	}
	for _, status := range []string{"active", "upcoming"} {
		resp, err := svc.LiveBroadcasts.List([]string{"id", "snippet", "status", "contentDetails"}).
			BroadcastStatus(status).BroadcastType("all").MaxResults(20).Context(ctx).Do()
		if err != nil {
			return session.Broadcast{}, classify(err)
		}
		if len(resp.Items) == 0 {
			continue
		}
		items := resp.Items
		sort.Slice(items, func(i, j int) bool {
			return items[i].Snippet.PublishedAt > items[j].Snippet.PublishedAt
		})
		b := s.mapBroadcast(items[0])
		if items[0].ContentDetails != nil && items[0].ContentDetails.BoundStreamId != "" {
			// Key lookup is informational; a failure must not block adoption.
			if key, addr, err := s.streamIngestion(ctx, svc, items[0].ContentDetails.BoundStreamId); err == nil {
				b.StreamKey = key
				b.IngestionURL = addr + "/" + key
			}
		}
		return b, nil
	}
	return session.Broadcast{}, session.ErrNoBroadcast
}

// CreateBroadcast schedules a new unlisted broadcast starting now, binds it
// to a reusable 1080p RTMP stream, and returns the assembled session
// material. An empty title gets the configured prefix plus a UTC timestamp.
func (s *Service) CreateBroadcast(ctx context.Context, title string) (_ session.Broadcast, err error) {
	ctx, span := telemetry.StartSpan(ctx, "youtubeapi", "broadcasts.create")
	defer func() { telemetry.RecordError(span, err); span.End() }()

	svc, err := s.client(ctx)
	if err != nil {
		return session.Broadcast{}, err
	}
	if title == "" {
		title = s.cfg.BroadcastTitlePrefix + " " + time.Now().UTC().Format("2006-01-02 15:04") + " UTC"
	}
	privacy := s.cfg.BroadcastPrivacy
	if privacy == "" {
		privacy = "unlisted"
	}

	broadcast := &yt.LiveBroadcast{
		Snippet: &yt.LiveBroadcastSnippet{
			Title:              title,
			ScheduledStartTime: time.Now().UTC().Add(5 * time.Second).Format(time.RFC3339),
		},
		Status: &yt.LiveBroadcastStatus{
			PrivacyStatus:           privacy,
			SelfDeclaredMadeForKids: false,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
		ContentDetails: &yt.LiveBroadcastContentDetails{
			EnableAutoStart:   true,
			EnableAutoStop:    true,
			LatencyPreference: "low",
		},
	}
	created, err := svc.LiveBroadcasts.Insert([]string{"snippet", "status", "contentDetails"}, broadcast).Context(ctx).Do()
	if err != nil {
		return session.Broadcast{}, classify(err)
	}

	streamID, key, addr, err := s.ensureStream(ctx, svc)
	if err != nil {
		return session.Broadcast{}, err
	}
	if _, err := svc.LiveBroadcasts.Bind(created.Id, []string{"id", "contentDetails"}).StreamId(streamID).Context(ctx).Do(); err != nil {
		return session.Broadcast{}, classify(err)
	}

	b := s.mapBroadcast(created)
	b.IsNew = true
	b.StreamKey = key
	if addr == "" {
		addr = rtmpIngestBase
	}
	b.IngestionURL = addr + "/" + key
	return b, nil
}

// ensureStream finds a reusable RTMP stream or creates one.
func (s *Service) ensureStream(ctx context.Context, svc *yt.Service) (id, key, addr string, err error) {
	resp, err := svc.LiveStreams.List([]string{"id", "snippet", "cdn"}).Mine(true).MaxResults(10).Context(ctx).Do()
	if err != nil {
		return "", "", "", classify(err)
	}
	for _, st := range resp.Items {
		if st.Cdn == nil || st.Cdn.IngestionInfo == nil {
			continue
		}
		return st.Id, st.Cdn.IngestionInfo.StreamName, st.Cdn.IngestionInfo.IngestionAddress, nil
	}
	stream := &yt.LiveStream{
		Snippet: &yt.LiveStreamSnippet{Title: s.cfg.BroadcastTitlePrefix + " ingest"},
		Cdn: &yt.CdnSettings{
			Resolution:    "1080p",
			FrameRate:     "30fps",
			IngestionType: "rtmp",
		},
		ContentDetails: &yt.LiveStreamContentDetails{IsReusable: true},
	}
	st, err := svc.LiveStreams.Insert([]string{"snippet", "cdn", "contentDetails"}, stream).Context(ctx).Do()
	if err != nil {
		return "", "", "", classify(err)
	}
	if st.Cdn == nil || st.Cdn.IngestionInfo == nil {
		return st.Id, "", "", nil
	}
	return st.Id, st.Cdn.IngestionInfo.StreamName, st.Cdn.IngestionInfo.IngestionAddress, nil
}

func (s *Service) streamIngestion(ctx context.Context, svc *yt.Service, streamID string) (key, addr string, err error) {
	resp, err := svc.LiveStreams.List([]string{"id", "cdn"}).Id(streamID).Context(ctx).Do()
	if err != nil {
		return "", "", classify(err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Cdn == nil || resp.Items[0].Cdn.IngestionInfo == nil {
		return "", "", errors.New("stream has no ingestion info")
	}
	info := resp.Items[0].Cdn.IngestionInfo
	return info.StreamName, info.IngestionAddress, nil
}

// CheckStatus probes one broadcast through the videos endpoint. Terminal
// conditions (removed, finished) come back as statuses, not errors.
func (s *Service) CheckStatus(ctx context.Context, broadcastID string) (_ session.Probe, err error) {
	ctx, span := telemetry.StartSpan(ctx, "youtubeapi", "videos.probe")
	defer func() { telemetry.RecordError(span, err); span.End() }()

	svc, err := s.client(ctx)
	if err != nil {
		return session.Probe{}, err
	}
	resp, err := svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(broadcastID).Context(ctx).Do()
	if err != nil {
		return session.Probe{}, classify(err)
	}
	if len(resp.Items) == 0 {
		return session.Probe{Status: session.StatusMissing}, nil
	}
	v := resp.Items[0]
	p := session.Probe{}
	switch v.Snippet.LiveBroadcastContent {
	case "live":
		p.Status = session.StatusLive
	case "upcoming":
		p.Status = session.StatusUpcoming
	default:
		// "none" means the video is no longer a live broadcast.
		p.Status = session.StatusComplete
	}
	if v.LiveStreamingDetails != nil {
		p.ChatID = v.LiveStreamingDetails.ActiveLiveChatId
	}
	return p, nil
}

// FetchMessages returns one page of chat messages past cursor. An expired
// cursor restarts from the head of the visible history instead of failing
// the tick; the answered memory keeps the replay harmless.
func (s *Service) FetchMessages(ctx context.Context, chatID, cursor string) (_ session.ChatPage, err error) {
	ctx, span := telemetry.StartSpan(ctx, "youtubeapi", "chat.fetch")
	defer func() { telemetry.RecordError(span, err); span.End() }()

	svc, err := s.client(ctx)
	if err != nil {
		return session.ChatPage{}, err
	}
	resp, err := s.listMessages(ctx, svc, chatID, cursor)
	if err != nil && cursor != "" {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 400 {
			resp, err = s.listMessages(ctx, svc, chatID, "")
		}
	}
	if err != nil {
		return session.ChatPage{}, classify(err)
	}

	page := session.ChatPage{NextCursor: resp.NextPageToken}
	for _, item := range resp.Items {
		if item.Snippet == nil || item.Snippet.DisplayMessage == "" {
			continue
		}
		msg := session.ChatMessage{
			ID:   item.Id,
			Text: item.Snippet.DisplayMessage,
		}
		if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
			msg.PublishedAt = t
		}
		if item.AuthorDetails != nil {
			msg.Author = item.AuthorDetails.DisplayName
			msg.AuthorID = item.AuthorDetails.ChannelId
			msg.IsOwner = item.AuthorDetails.IsChatOwner
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

func (s *Service) listMessages(ctx context.Context, svc *yt.Service, chatID, cursor string) (*yt.LiveChatMessageListResponse, error) {
	call := svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).MaxResults(chatPageSize).Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	return call.Do()
}

// PostMessage sends one text message into the chat, truncated to the API
// limit.
func (s *Service) PostMessage(ctx context.Context, chatID, text string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "youtubeapi", "chat.post")
	defer func() { telemetry.RecordError(span, err); span.End() }()

	svc, err := s.client(ctx)
	if err != nil {
		return err
	}
	if r := []rune(text); len(r) > maxMessageLen {
		text = string(r[:maxMessageLen])
	}
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: chatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	if _, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

// ListBroadcasts pages through the channel's broadcast archive for the
// catalog mirror.
func (s *Service) ListBroadcasts(ctx context.Context, pageToken string, pageSize int64) (_ []session.BroadcastRecord, _ string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "youtubeapi", "broadcasts.list")
	defer func() { telemetry.RecordError(span, err); span.End() }()

	svc, err := s.client(ctx)
	if err != nil {
		return nil, "", err
	}
	call := svc.LiveBroadcasts.List([]string{"id", "snippet", "status"}).
		Mine(true).MaxResults(pageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, "", classify(err)
	}
	records := make([]session.BroadcastRecord, 0, len(resp.Items))
	for _, item := range resp.Items {
		rec := session.BroadcastRecord{
			ID:       item.Id,
			WatchURL: watchURLBase + item.Id,
		}
		if item.Snippet != nil {
			rec.Title = item.Snippet.Title
			rec.ScheduledAt = parseTime(item.Snippet.ScheduledStartTime)
			rec.ActualStart = parseTime(item.Snippet.ActualStartTime)
			rec.ActualEnd = parseTime(item.Snippet.ActualEndTime)
		}
		if item.Status != nil {
			rec.Status = item.Status.LifeCycleStatus
			rec.Privacy = item.Status.PrivacyStatus
		}
		records = append(records, rec)
	}
	return records, resp.NextPageToken, nil
}

func (s *Service) mapBroadcast(b *yt.LiveBroadcast) session.Broadcast {
	out := session.Broadcast{
		ID:       b.Id,
		WatchURL: watchURLBase + b.Id,
		ChatURL:  chatPopoutBase + b.Id + "&is_popout=1",
	}
	if b.Snippet != nil {
		out.Title = b.Snippet.Title
		out.ChatID = b.Snippet.LiveChatId
	}
	if b.Status != nil && b.Status.LifeCycleStatus == "live" {
		out.Status = session.StatusLive
	} else {
		out.Status = session.StatusUpcoming
	}
	return out
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// classify maps transport failures onto the session error taxonomy. Unknown
// failures lean transient so the loop retries instead of tearing down a
// session it cannot prove is gone.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return &session.AuthError{Err: err}
		case gerr.Code == 403:
			for _, item := range gerr.Errors {
				switch item.Reason {
				case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded":
					return &session.TransientError{Err: err}
				case "liveChatEnded", "liveChatDisabled", "forbidden":
					return &session.PermanentError{Err: err}
				}
			}
			return &session.AuthError{Err: err}
		case gerr.Code == 404:
			return &session.PermanentError{Err: err}
		case gerr.Code == 429 || gerr.Code >= 500:
			return &session.TransientError{Err: err}
		default:
			return &session.PermanentError{Err: err}
		}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return &session.TransientError{Err: err}
		}
		return &session.AuthError{Err: err}
	}
	return &session.TransientError{Err: err}
}
