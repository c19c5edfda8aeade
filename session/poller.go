package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/chat-tender/telemetry"
)

// Per-call bounds so no external dependency can stall a tick indefinitely.
const (
	apiCallTimeout = 30 * time.Second
	replyTimeout   = 90 * time.Second
)

// Memory is the durable answered-message store the loop filters against.
type Memory interface {
	// Has reports whether messageID already received a reply.
	Has(ctx context.Context, messageID string) (bool, error)
	// Archive stores the raw message for audit and browsing.
	Archive(ctx context.Context, chatID string, msg ChatMessage) error
	// Record marks messageID answered, storing the reply text. Called only
	// after the reply was durably posted.
	Record(ctx context.Context, chatID, messageID, reply string) error
	CountAnswered(ctx context.Context) (int, error)
}

// CursorStore persists the chat page cursor so a restart resumes where
// ingestion left off instead of replaying the visible history.
type CursorStore interface {
	LoadCursor(ctx context.Context, chatID string) (string, error)
	SaveCursor(ctx context.Context, chatID, cursor string) error
}

// Replier produces the outbound reply for one chat message. Empty text with
// a nil error means stay silent.
type Replier interface {
	Reply(ctx context.Context, msg ChatMessage) (string, error)
}

// Heartbeat records loop liveness for external monitoring.
type Heartbeat interface {
	Beat(ctx context.Context, at time.Time) error
}

// PollerDeps carries the loop's collaborators. Replier and Heartbeat are
// optional; without a Replier the loop observes and archives but never posts.
type PollerDeps struct {
	Memory    Memory
	Cursors   CursorStore
	Replier   Replier
	Heartbeat Heartbeat
}

// Poller is the single active driver: each tick it ensures a session exists,
// ingests new chat messages, answers the unanswered ones in arrival order,
// and probes broadcast liveness. All session mutation flows through the
// machine; the poller itself owns only the cursor and the answered memory.
type Poller struct {
	machine *Machine
	client  BroadcastClient
	deps    PollerDeps
	cfg     Config

	// current ingestion position
	chatID string
	cursor string

	// ids whose reply was posted but whose memory record could not be
	// confirmed. Skipped for the rest of the process lifetime so an
	// unconfirmed record never turns into a duplicate reply.
	unconfirmed map[string]struct{}

	lastBeatLog time.Time

	sleep func(context.Context, time.Duration)
	now   func() time.Time
}

func NewPoller(m *Machine, client BroadcastClient, deps PollerDeps) *Poller {
	return &Poller{
		machine:     m,
		client:      client,
		deps:        deps,
		cfg:         m.cfg,
		unconfirmed: make(map[string]struct{}),
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// Run drives ticks until ctx is cancelled or the credential is rejected.
// Authentication failures stop the loop: retrying forever against a dead
// credential only burns quota, and the unhealthy snapshot it leaves behind
// is the operator's signal.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("chat poller starting",
		slog.Duration("interval", p.cfg.PollInterval),
		slog.Bool("observe_only", p.deps.Replier == nil))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("chat poller stopping", slog.String("reason", "shutdown"))
			return ctx.Err()
		case <-timer.C:
		}

		if err := p.tick(ctx); err != nil {
			if IsAuth(err) {
				p.machine.Invalidate("authentication failure")
				return fmt.Errorf("poller: credentials rejected: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("tick failed", slog.String("error", err.Error()))
		}
		timer.Reset(p.nextInterval())
	}
}

// nextInterval applies the backoff policy: baseline until the transient
// counter passes the threshold, then doubling per excess failure up to the
// cap. A successful probe resets the counter and with it the interval.
func (p *Poller) nextInterval() time.Duration {
	n := p.machine.Snapshot().TransientErrors
	d := p.cfg.PollInterval
	for i := p.cfg.BackoffThreshold; i < n && d < p.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > p.cfg.BackoffMax {
		d = p.cfg.BackoffMax
	}
	telemetry.SetPollInterval(d)
	return d
}

func (p *Poller) tick(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "session-poller", "poller.tick")
	defer span.End()
	start := p.now()
	defer func() {
		if telemetry.TickDuration != nil {
			telemetry.TickDuration.Observe(p.now().Sub(start).Seconds())
		}
	}()
	if telemetry.PollTicks != nil {
		telemetry.PollTicks.Inc()
	}

	p.beat(ctx)

	snap, err := p.ensure(ctx)
	if err != nil && IsAuth(err) {
		return err
	}

	if snap.ChatID != "" {
		if err := p.ingest(ctx, snap); err != nil {
			if IsAuth(err) {
				return err
			}
			telemetry.RecordProbeError(ClassifyError(err).String())
			slog.Warn("chat ingestion failed",
				slog.String("chat_id", snap.ChatID), slog.String("error", err.Error()))
		}
	}

	return p.probe(ctx)
}

func (p *Poller) ensure(ctx context.Context) (Snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()
	snap, err := p.machine.EnsureSession(cctx)
	if err != nil {
		telemetry.RecordProbeError(ClassifyError(err).String())
		slog.Warn("ensure session failed", slog.String("error", err.Error()))
	}
	return snap, err
}

func (p *Poller) probe(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()
	if _, err := p.machine.Probe(cctx); err != nil {
		if IsAuth(err) {
			return err
		}
		telemetry.RecordProbeError(ClassifyError(err).String())
		slog.Warn("status probe failed", slog.String("error", err.Error()))
	}
	return nil
}

// ingest fetches one page of messages past the cursor and answers them in
// arrival order. The cursor advances only after a successful fetch, and a
// message is recorded answered only after its reply was posted.
func (p *Poller) ingest(ctx context.Context, snap Snapshot) error {
	if snap.ChatID != p.chatID {
		p.switchChat(ctx, snap.ChatID)
	}

	fctx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	page, err := p.client.FetchMessages(fctx, p.chatID, p.cursor)
	cancel()
	if err != nil {
		if IsTransient(err) {
			p.machine.NoteTransient()
		}
		if IsPermanent(err) {
			// The chat itself is gone. Let the stale sweep rebuild.
			p.machine.Invalidate("chat unreachable: " + err.Error())
		}
		return fmt.Errorf("fetch messages: %w", err)
	}

	if page.NextCursor != "" {
		p.cursor = page.NextCursor
		if err := p.deps.Cursors.SaveCursor(ctx, p.chatID, p.cursor); err != nil {
			slog.Warn("cursor save failed", slog.String("error", err.Error()))
		}
	}
	if telemetry.MessagesFetched != nil {
		telemetry.MessagesFetched.Add(float64(len(page.Messages)))
	}

	for _, msg := range page.Messages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.deps.Memory.Archive(ctx, p.chatID, msg); err != nil {
			slog.Warn("message archive failed",
				slog.String("message_id", msg.ID), slog.String("error", err.Error()))
		}
		if err := p.answer(ctx, msg); err != nil {
			if IsAuth(err) {
				return err
			}
			if IsTransient(err) {
				p.machine.NoteTransient()
			}
			if telemetry.RepliesFailed != nil {
				telemetry.RepliesFailed.Inc()
			}
			slog.Warn("reply failed, will retry on a later tick",
				slog.String("message_id", msg.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// answer runs the filter/generate/post/record pipeline for one message.
func (p *Poller) answer(ctx context.Context, msg ChatMessage) error {
	if p.deps.Replier == nil {
		return nil
	}
	if msg.IsOwner && !p.cfg.AnswerOwnMessages {
		p.skip(msg.ID, "own message")
		return nil
	}
	if _, dropped := p.unconfirmed[msg.ID]; dropped {
		p.skip(msg.ID, "record unconfirmed")
		return nil
	}
	answered, err := p.deps.Memory.Has(ctx, msg.ID)
	if err != nil {
		// Cannot prove the message is new. Skipping one reply is cheaper
		// than a double one.
		p.skip(msg.ID, "memory unavailable")
		return nil
	}
	if answered {
		p.skip(msg.ID, "already answered")
		return nil
	}

	rctx, rcancel := context.WithTimeout(ctx, replyTimeout)
	var reply string
	var replyErr error
	telemetry.TimeFunc(telemetry.ReplyDuration, func() {
		reply, replyErr = p.deps.Replier.Reply(rctx, msg)
	})
	rcancel()
	if replyErr != nil {
		return fmt.Errorf("generate reply: %w", replyErr)
	}
	if reply == "" {
		p.skip(msg.ID, "no reply generated")
		return nil
	}

	p.humanDelay(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	pctx, pcancel := context.WithTimeout(ctx, apiCallTimeout)
	err = p.client.PostMessage(pctx, p.chatID, reply)
	pcancel()
	if err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	if telemetry.RepliesPosted != nil {
		telemetry.RepliesPosted.Inc()
	}

	if err := p.deps.Memory.Record(ctx, p.chatID, msg.ID, reply); err != nil {
		// The reply is out but the record is not confirmed. Pin the id so
		// this process never answers it twice.
		p.unconfirmed[msg.ID] = struct{}{}
		slog.Error("answered-message record failed, pinning id",
			slog.String("message_id", msg.ID), slog.String("error", err.Error()))
	}
	slog.Info("replied",
		slog.String("message_id", msg.ID), slog.String("author", msg.Author))
	return nil
}

func (p *Poller) skip(messageID, reason string) {
	if telemetry.RepliesSkipped != nil {
		telemetry.RepliesSkipped.Inc()
	}
	slog.Debug("skipping message",
		slog.String("message_id", messageID), slog.String("reason", reason))
}

// switchChat resets the ingestion position for a new chat, restoring any
// persisted cursor so a restart does not replay history.
func (p *Poller) switchChat(ctx context.Context, chatID string) {
	p.chatID = chatID
	p.cursor = ""
	if chatID == "" {
		return
	}
	cur, err := p.deps.Cursors.LoadCursor(ctx, chatID)
	if err != nil {
		slog.Warn("cursor load failed, starting fresh", slog.String("error", err.Error()))
		return
	}
	p.cursor = cur
}

// humanDelay waits a few seconds before posting so replies do not land the
// same instant the question arrives.
func (p *Poller) humanDelay(ctx context.Context) {
	span := p.cfg.ReplyDelayMax - p.cfg.ReplyDelayMin
	d := p.cfg.ReplyDelayMin
	if span > 0 {
		//nolint:gosec // G404: math/rand is sufficient for pacing, not used for security
		d += time.Duration(rand.Int63n(int64(span)))
	}
	if d <= 0 {
		return
	}
	p.sleep(ctx, d)
}

// beat records loop liveness and periodically logs a heartbeat line with the
// memory footprint.
func (p *Poller) beat(ctx context.Context) {
	now := p.now()
	if p.deps.Heartbeat != nil {
		if err := p.deps.Heartbeat.Beat(ctx, now); err != nil {
			slog.Warn("heartbeat write failed", slog.String("error", err.Error()))
		}
	}
	if now.Sub(p.lastBeatLog) < p.cfg.HeartbeatInterval {
		return
	}
	p.lastBeatLog = now
	snap := p.machine.Snapshot()
	attrs := []any{
		slog.String("state", snap.State.String()),
		slog.Bool("healthy", snap.Healthy()),
		slog.Int("transient_errors", snap.TransientErrors),
	}
	if n, err := p.deps.Memory.CountAnswered(ctx); err == nil {
		telemetry.SetAnsweredTotal(n)
		attrs = append(attrs, slog.Int("answered_total", n))
	}
	slog.Info("heartbeat", attrs...)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
