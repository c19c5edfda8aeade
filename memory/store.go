// Package memory persists chat history and the answered-message ledger in
// Postgres. The ledger is what makes replies exactly-once across restarts:
// a message id present in answered_messages is never answered again, no
// matter how often the chat page replays it.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/chat-tender/session"
)

// Store implements the poller's persistence boundaries over a shared *sql.DB.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// StoredMessage is an archived chat message row, including the reply we made
// to it, if any.
type StoredMessage struct {
	ID          string     `json:"id"`
	ChatID      string     `json:"chat_id"`
	Author      string     `json:"author"`
	AuthorID    string     `json:"author_channel_id"`
	Text        string     `json:"text"`
	IsOwner     bool       `json:"is_owner"`
	PublishedAt time.Time  `json:"published_at"`
	Reply       string     `json:"reply,omitempty"`
	RepliedAt   *time.Time `json:"replied_at,omitempty"`
}

// Has reports whether a message id is already in the answered ledger.
func (s *Store) Has(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM answered_messages WHERE message_id=$1)`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query answered ledger: %w", err)
	}
	return exists, nil
}

// Archive stores a fetched message. Replayed pages hit the conflict path and
// leave the original row untouched.
func (s *Store) Archive(ctx context.Context, chatID string, msg session.ChatMessage) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat_messages (message_id, chat_id, author, author_channel_id, message, is_owner, published_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (message_id) DO NOTHING`,
		msg.ID, chatID, msg.Author, msg.AuthorID, msg.Text, msg.IsOwner, msg.PublishedAt)
	if err != nil {
		return fmt.Errorf("archive message %s: %w", msg.ID, err)
	}
	return nil
}

// Record marks a message as answered. The ledger insert is the write that
// matters; the reply text on the archived row is informational only.
func (s *Store) Record(ctx context.Context, chatID, messageID, reply string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO answered_messages (message_id, chat_id) VALUES ($1,$2)
		 ON CONFLICT (message_id) DO NOTHING`, messageID, chatID)
	if err != nil {
		return fmt.Errorf("record answered message %s: %w", messageID, err)
	}
	_, _ = s.DB.ExecContext(ctx,
		`UPDATE chat_messages SET reply=$2, replied_at=NOW() WHERE message_id=$1`, messageID, reply)
	return nil
}

// CountAnswered returns the total size of the answered ledger.
func (s *Store) CountAnswered(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM answered_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count answered: %w", err)
	}
	return n, nil
}

// Recent returns the newest archived messages for a chat, most recent first.
func (s *Store) Recent(ctx context.Context, chatID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT message_id, chat_id, author, author_channel_id, message, is_owner, published_at, COALESCE(reply,''), replied_at
		 FROM chat_messages WHERE chat_id=$1
		 ORDER BY published_at DESC LIMIT $2`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentByAuthor returns the newest archived exchanges with one author,
// most recent first. Used to give the replier short conversational context.
func (s *Store) RecentByAuthor(ctx context.Context, chatID, authorID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 || limit > 50 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT message_id, chat_id, author, author_channel_id, message, is_owner, published_at, COALESCE(reply,''), replied_at
		 FROM chat_messages WHERE chat_id=$1 AND author_channel_id=$2
		 ORDER BY published_at DESC LIMIT $3`, chatID, authorID, limit)
	if err != nil {
		return nil, fmt.Errorf("query author history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AnsweredSince returns answered messages with a reply recorded after the
// given instant, oldest first. Feeds the live event stream, which replays
// rows in the order the replies happened.
func (s *Store) AnsweredSince(ctx context.Context, chatID string, since time.Time, limit int) ([]StoredMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT message_id, chat_id, author, author_channel_id, message, is_owner, published_at, COALESCE(reply,''), replied_at
		 FROM chat_messages WHERE chat_id=$1 AND replied_at IS NOT NULL AND replied_at > $2
		 ORDER BY replied_at ASC LIMIT $3`, chatID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query answered since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentContext formats recent conversation history for reply prompts:
// the last answered exchanges across the chat, and the author's own recent
// messages. Either string is empty when there is no history.
func (s *Store) RecentContext(ctx context.Context, authorID string) (chatHistory, authorHistory string, err error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT author, message, COALESCE(reply,'')
		 FROM chat_messages WHERE replied_at IS NOT NULL
		 ORDER BY published_at DESC LIMIT 15`)
	if err != nil {
		return "", "", fmt.Errorf("query exchange history: %w", err)
	}
	var exchanges []string
	for rows.Next() {
		var author, message, reply string
		if err := rows.Scan(&author, &message, &reply); err != nil {
			rows.Close()
			return "", "", fmt.Errorf("scan exchange row: %w", err)
		}
		exchanges = append(exchanges, "  - "+author+": "+message+" -> "+reply)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", "", err
	}
	// Oldest first reads naturally in a prompt.
	reverse(exchanges)
	chatHistory = strings.Join(exchanges, "\n")

	rows, err = s.DB.QueryContext(ctx,
		`SELECT message FROM chat_messages WHERE author_channel_id=$1
		 ORDER BY published_at DESC LIMIT 5`, authorID)
	if err != nil {
		return "", "", fmt.Errorf("query author messages: %w", err)
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var message string
		if err := rows.Scan(&message); err != nil {
			return "", "", fmt.Errorf("scan author row: %w", err)
		}
		lines = append(lines, "  - "+message)
	}
	if err := rows.Err(); err != nil {
		return "", "", err
	}
	reverse(lines)
	authorHistory = strings.Join(lines, "\n")

	return chatHistory, authorHistory, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func scanMessages(rows *sql.Rows) ([]StoredMessage, error) {
	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var repliedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Author, &m.AuthorID, &m.Text, &m.IsOwner, &m.PublishedAt, &m.Reply, &repliedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if repliedAt.Valid {
			t := repliedAt.Time
			m.RepliedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadCursor returns the saved page cursor for a chat, or "" when none is
// stored. "" means the next fetch starts from the oldest page the API serves.
func (s *Store) LoadCursor(ctx context.Context, chatID string) (string, error) {
	var cursor string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, cursorKey(chatID)).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor persists the page cursor for a chat.
func (s *Store) SaveCursor(ctx context.Context, chatID, cursor string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		cursorKey(chatID), cursor)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func cursorKey(chatID string) string { return "chat_cursor:" + chatID }

const heartbeatKey = "poller_heartbeat"

// Beat records the poller's liveness timestamp.
func (s *Store) Beat(ctx context.Context, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		heartbeatKey, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// LastBeat returns the most recent poller heartbeat, or the zero time when
// the poller has never run against this database.
func (s *Store) LastBeat(ctx context.Context) (time.Time, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, heartbeatKey).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load heartbeat: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat %q: %w", v, err)
	}
	return t, nil
}
