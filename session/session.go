// Package session owns the live-broadcast session lifecycle: an enumerated
// state machine that discovers, creates, monitors, and recovers a single
// external broadcast/chat pairing, plus the polling loop that drives it.
// External calls go through the BroadcastClient boundary; the machine never
// sees raw transport errors, only typed outcomes.
package session

import (
	"context"
	"time"
)

// State is the lifecycle state of the broadcast/chat pair. The machine is
// cyclic: Stale immediately re-enters NoSession to trigger self-healing.
type State int

const (
	StateNoSession State = iota
	StateCreating
	StateWaitingForChat
	StateUpcoming
	StateLive
	StateStale
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateCreating:
		return "creating"
	case StateWaitingForChat:
		return "waiting_for_chat"
	case StateUpcoming:
		return "upcoming"
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// ProbeStatus is the observed status of the external broadcast resource.
type ProbeStatus int

const (
	StatusMissing  ProbeStatus = iota // not found / deleted
	StatusUpcoming                    // scheduled, waiting room open
	StatusLive                        // actively broadcasting
	StatusComplete                    // was live, now ended
)

func (s ProbeStatus) String() string {
	switch s {
	case StatusUpcoming:
		return "upcoming"
	case StatusLive:
		return "live"
	case StatusComplete:
		return "complete"
	default:
		return "missing"
	}
}

// Probe is one status observation of a broadcast. ChatID is set when the
// chat resource is currently reachable.
type Probe struct {
	Status ProbeStatus
	ChatID string
}

// Broadcast describes a discovered or newly created broadcast.
type Broadcast struct {
	ID           string
	ChatID       string
	Title        string
	Status       ProbeStatus
	StreamKey    string
	WatchURL     string
	ChatURL      string
	IngestionURL string
	IsNew        bool
}

// ChatMessage is one inbound chat message.
type ChatMessage struct {
	ID          string
	Author      string
	AuthorID    string
	Text        string
	PublishedAt time.Time
	IsOwner     bool
}

// ChatPage is one page of chat messages with the cursor to resume from.
type ChatPage struct {
	Messages   []ChatMessage
	NextCursor string
}

// BroadcastClient is the boundary to the external broadcast platform.
// Implementations return ErrNoBroadcast, *TransientError, *PermanentError,
// or *AuthError; never raw transport errors.
type BroadcastClient interface {
	// FindEligibleBroadcast returns the newest reusable broadcast (active
	// preferred over upcoming), or ErrNoBroadcast when none exists.
	FindEligibleBroadcast(ctx context.Context) (Broadcast, error)
	// CreateBroadcast creates a new broadcast bound to a reusable stream.
	// An empty title selects the configured default.
	CreateBroadcast(ctx context.Context, title string) (Broadcast, error)
	// CheckStatus observes the broadcast once. Terminal conditions (ended,
	// deleted, missing) are reported as Probe statuses, not errors.
	CheckStatus(ctx context.Context, broadcastID string) (Probe, error)
	// FetchMessages returns messages after cursor (empty cursor = live head).
	FetchMessages(ctx context.Context, chatID, cursor string) (ChatPage, error)
	// PostMessage inserts a chat message.
	PostMessage(ctx context.Context, chatID, text string) error
}

// Snapshot is an immutable copy of the session, published once per mutation
// and read lock-free by the health and status endpoints.
type Snapshot struct {
	State           State
	BroadcastID     string
	ChatID          string
	Title           string
	StreamKey       string
	WatchURL        string
	ChatURL         string
	IngestionURL    string
	CreatedAt       time.Time
	TransientErrors int
	UpdatedAt       time.Time
}

// Healthy reports whether the session should be advertised as serving:
// live, or upcoming with a reachable chat. Waiting rooms without a confirmed
// chat, mid-grace creations, and everything else are unhealthy.
func (s Snapshot) Healthy() bool {
	if s.State == StateLive {
		return true
	}
	return s.State == StateUpcoming && s.ChatID != ""
}

// Config carries the tunables for the machine and poller. It is passed in at
// construction; the session core never reads ambient environment state.
type Config struct {
	// Grace is how long after creation a missing chat is tolerated.
	Grace time.Duration
	// PollInterval is the baseline tick interval.
	PollInterval time.Duration
	// BackoffThreshold is the consecutive transient error count beyond which
	// the tick interval grows multiplicatively.
	BackoffThreshold int
	// BackoffMax caps the grown tick interval.
	BackoffMax time.Duration
	// ReplyDelayMin/Max bound the randomized pacing delay before each post.
	ReplyDelayMin time.Duration
	ReplyDelayMax time.Duration
	// AnswerOwnMessages answers the channel owner's own messages (debug).
	AnswerOwnMessages bool
	// HeartbeatInterval is the cadence of the heartbeat log line.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BackoffThreshold <= 0 {
		c.BackoffThreshold = 5
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BackoffMax < c.PollInterval {
		c.BackoffMax = c.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
	return c
}
