package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/chat-tender/telemetry"
)

// event drives the pure transition function.
type event int

const (
	eventCreateRequested event = iota // begin discovery/creation
	eventCreated                      // session established, chat not yet confirmed
	eventCreateFailed                 // discovery/creation failed, give the slot back
	eventAdoptedUpcoming              // discovery adopted an upcoming broadcast with chat
	eventAdoptedLive                  // discovery adopted a live broadcast with chat
	eventChatUpcoming                 // probe confirmed waiting-room chat
	eventChatLive                     // probe confirmed live chat
	eventBroadcastGone                // broadcast confirmed ended/deleted/missing
	eventCleared                      // stale session swept back to empty
)

func (ev event) String() string {
	switch ev {
	case eventCreateRequested:
		return "create_requested"
	case eventCreated:
		return "created"
	case eventCreateFailed:
		return "create_failed"
	case eventAdoptedUpcoming:
		return "adopted_upcoming"
	case eventAdoptedLive:
		return "adopted_live"
	case eventChatUpcoming:
		return "chat_upcoming"
	case eventChatLive:
		return "chat_live"
	case eventBroadcastGone:
		return "broadcast_gone"
	case eventCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// nextState is the pure transition function: (state, event) -> state. The
// second return reports whether the transition is legal from cur; illegal
// events leave the state unchanged.
func nextState(cur State, ev event) (State, bool) {
	switch ev {
	case eventCreateRequested:
		if cur == StateNoSession {
			return StateCreating, true
		}
	case eventCreated:
		if cur == StateCreating {
			return StateWaitingForChat, true
		}
	case eventCreateFailed:
		if cur == StateCreating {
			return StateNoSession, true
		}
	case eventAdoptedUpcoming:
		if cur == StateCreating {
			return StateUpcoming, true
		}
	case eventAdoptedLive:
		if cur == StateCreating {
			return StateLive, true
		}
	case eventChatUpcoming:
		if cur == StateWaitingForChat || cur == StateUpcoming {
			return StateUpcoming, true
		}
	case eventChatLive:
		switch cur {
		case StateWaitingForChat, StateUpcoming, StateLive:
			return StateLive, true
		}
	case eventBroadcastGone:
		switch cur {
		case StateCreating, StateWaitingForChat, StateUpcoming, StateLive:
			return StateStale, true
		}
	case eventCleared:
		if cur == StateStale {
			return StateNoSession, true
		}
	}
	return cur, false
}

// Machine owns the session. All mutation goes through it under one mutex;
// readers get lock-free immutable snapshots published after every change.
type Machine struct {
	client BroadcastClient
	cfg    Config
	now    func() time.Time

	mu   sync.Mutex
	cur  Snapshot
	snap atomic.Pointer[Snapshot]
}

func NewMachine(client BroadcastClient, cfg Config) *Machine {
	m := &Machine{client: client, cfg: cfg.withDefaults(), now: time.Now}
	m.cur = Snapshot{State: StateNoSession}
	m.mu.Lock()
	m.publishLocked()
	m.mu.Unlock()
	return m
}

// Snapshot returns the last published session snapshot. Never blocks on the
// machine's mutex, so the health path stays fast under a degraded upstream.
func (m *Machine) Snapshot() Snapshot {
	if p := m.snap.Load(); p != nil {
		return *p
	}
	return Snapshot{State: StateNoSession}
}

// Grace returns the configured chat-initialization grace window.
func (m *Machine) Grace() time.Duration { return m.cfg.Grace }

func (m *Machine) publishLocked() {
	m.cur.UpdatedAt = m.now()
	c := m.cur
	m.snap.Store(&c)
	telemetry.SetSessionState(int(c.State), c.Healthy())
}

func (m *Machine) applyLocked(ev event) bool {
	next, ok := nextState(m.cur.State, ev)
	if !ok {
		slog.Warn("ignoring illegal session transition",
			slog.String("state", m.cur.State.String()), slog.String("event", ev.String()))
		return false
	}
	if next == m.cur.State {
		return true
	}
	telemetry.RecordTransition(m.cur.State.String(), next.String())
	slog.Info("session transition",
		slog.String("from", m.cur.State.String()), slog.String("to", next.String()),
		slog.String("event", ev.String()))
	m.cur.State = next
	return true
}

// EnsureSession makes sure a session exists, preferring adoption of an
// existing eligible broadcast over creation. Outside NoSession it returns
// the current snapshot untouched. It blocks for at most one discovery or
// creation round-trip.
func (m *Machine) EnsureSession(ctx context.Context) (Snapshot, error) {
	return m.ensure(ctx, "", false)
}

// StartBroadcast serves the operator start request: an explicit title and a
// force flag that abandons the current session and creates a fresh broadcast
// without attempting reuse.
func (m *Machine) StartBroadcast(ctx context.Context, title string, force bool) (Snapshot, error) {
	return m.ensure(ctx, title, force)
}

func (m *Machine) ensure(ctx context.Context, title string, force bool) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if force && m.cur.State != StateNoSession {
		m.invalidateLocked("forced restart")
	}
	if m.cur.State != StateNoSession {
		return m.cur, nil
	}

	m.applyLocked(eventCreateRequested)
	m.publishLocked()

	if !force {
		b, err := m.client.FindEligibleBroadcast(ctx)
		switch {
		case err == nil:
			return m.adoptLocked(b), nil
		case errors.Is(err, ErrNoBroadcast):
			// fall through to creation
		default:
			// Cannot tell whether a broadcast already exists; creating now
			// could double up. Give the slot back and retry next tick.
			m.applyLocked(eventCreateFailed)
			if IsTransient(err) {
				m.cur.TransientErrors++
			}
			m.publishLocked()
			return m.cur, err
		}
	}

	b, err := m.client.CreateBroadcast(ctx, title)
	if err != nil {
		m.applyLocked(eventCreateFailed)
		if IsTransient(err) {
			m.cur.TransientErrors++
		}
		m.publishLocked()
		return m.cur, err
	}
	return m.adoptLocked(b), nil
}

// adoptLocked installs a discovered or created broadcast. Fresh creations
// always land in WaitingForChat: the chat resource is not trusted until a
// probe confirms it, even when the creation response already carried an id.
func (m *Machine) adoptLocked(b Broadcast) Snapshot {
	m.cur.BroadcastID = b.ID
	m.cur.ChatID = b.ChatID
	m.cur.Title = b.Title
	m.cur.StreamKey = b.StreamKey
	m.cur.WatchURL = b.WatchURL
	m.cur.ChatURL = b.ChatURL
	m.cur.IngestionURL = b.IngestionURL
	m.cur.CreatedAt = m.now()
	m.cur.TransientErrors = 0

	switch {
	case b.IsNew || b.ChatID == "":
		m.applyLocked(eventCreated)
	case b.Status == StatusLive:
		m.applyLocked(eventAdoptedLive)
	default:
		m.applyLocked(eventAdoptedUpcoming)
	}
	m.publishLocked()
	slog.Info("session established",
		slog.String("broadcast_id", b.ID),
		slog.String("state", m.cur.State.String()),
		slog.Bool("created", b.IsNew))
	return m.cur
}

// Probe issues one status check and folds the outcome into the state:
// terminal statuses sweep the session stale and clear it, transient errors
// only bump the counter, successes reset it and advance chat readiness.
func (m *Machine) Probe(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur.State == StateNoSession || m.cur.State == StateCreating {
		return m.cur, nil
	}

	p, err := m.client.CheckStatus(ctx, m.cur.BroadcastID)
	if err != nil {
		if IsAuth(err) {
			// Credential failure is the caller's problem; the session state
			// itself is not evidence either way.
			return m.cur, err
		}
		m.cur.TransientErrors++
		m.publishLocked()
		return m.cur, err
	}

	m.cur.TransientErrors = 0

	switch p.Status {
	case StatusMissing, StatusComplete:
		m.invalidateLocked("broadcast " + p.Status.String())
	case StatusLive:
		if p.ChatID != "" {
			m.cur.ChatID = p.ChatID
		}
		if m.cur.ChatID != "" {
			m.applyLocked(eventChatLive)
		} else {
			m.graceCheckLocked()
		}
	case StatusUpcoming:
		if p.ChatID != "" {
			m.cur.ChatID = p.ChatID
			m.applyLocked(eventChatUpcoming)
		} else if m.cur.State == StateWaitingForChat {
			m.graceCheckLocked()
		}
	}

	m.publishLocked()
	return m.cur, nil
}

// graceCheckLocked evaluates a chat-not-available observation while waiting.
// Inside the grace window it is not an error; past it the session is stale.
func (m *Machine) graceCheckLocked() {
	if m.now().Sub(m.cur.CreatedAt) <= m.cfg.Grace {
		return
	}
	m.invalidateLocked("chat unavailable past grace window")
}

// NoteTransient folds a transient failure observed outside probe (message
// fetch or post) into the backoff counter. Only a successful probe resets it.
func (m *Machine) NoteTransient() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur.TransientErrors++
	m.publishLocked()
}

// Invalidate forces the stale sweep: the session is cleared and the next
// tick starts discovery from scratch.
func (m *Machine) Invalidate(reason string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(reason)
	m.publishLocked()
	return m.cur
}

// invalidateLocked runs Stale then NoSession as one logical step: the state
// change and the identifier clear are never observable separately.
func (m *Machine) invalidateLocked(reason string) {
	if m.cur.State == StateNoSession {
		return
	}
	broadcastID := m.cur.BroadcastID
	m.applyLocked(eventBroadcastGone)
	m.cur.BroadcastID = ""
	m.cur.ChatID = ""
	m.cur.Title = ""
	m.cur.StreamKey = ""
	m.cur.WatchURL = ""
	m.cur.ChatURL = ""
	m.cur.IngestionURL = ""
	m.cur.CreatedAt = time.Time{}
	m.cur.TransientErrors = 0
	m.applyLocked(eventCleared)
	slog.Info("session cleared",
		slog.String("broadcast_id", broadcastID),
		slog.String("reason", reason))
}
