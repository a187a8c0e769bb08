// Package locallog is the client's persistent record of ciphertext messages
// and ratchet state. Plaintext never reaches this store.
package locallog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"pm_chat/internal/model"
)

var ErrNotFound = errors.New("message not found")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT UNIQUE NOT NULL,
	sender_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	content TEXT NOT NULL,
	nonce TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);

CREATE TABLE IF NOT EXISTS ratchet_states (
	conversation_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// statusRank orders statuses in SQL the same way model.Status does.
const statusRank = `CASE %s WHEN 'pending' THEN 1 WHEN 'sent' THEN 2 WHEN 'delivered' THEN 3 ELSE 0 END`

func rank(col string) string { return fmt.Sprintf(statusRank, col) }

type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the log at path.
func Open(ctx context.Context, path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

// SaveMessage inserts m keyed by its messageId. Saving an id again keeps the
// single existing record; only a forward status change is applied.
func (l *Log) SaveMessage(ctx context.Context, m *model.Message) error {
	status := m.Status
	if !status.Valid() {
		status = model.StatusPending
	}
	q := `
	INSERT INTO messages (message_id, sender_id, recipient_id, content, nonce, timestamp, status)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		status = CASE WHEN ` + rank("excluded.status") + ` > ` + rank("messages.status") + `
			THEN excluded.status ELSE messages.status END`
	_, err := l.db.ExecContext(ctx, q, m.MessageID, m.SenderID, m.RecipientID, m.Ciphertext, m.Nonce, m.Timestamp, string(status))
	return err
}

func (l *Log) Has(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE message_id = ?`, messageID).Scan(&n)
	return n > 0, err
}

func (l *Log) Get(ctx context.Context, messageID string) (*model.Message, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT message_id, sender_id, recipient_id, content, nonce, timestamp, status
		FROM messages WHERE message_id = ?`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// UpdateStatus moves a message forward to status. It reports false when the
// message is unknown or already at or beyond status.
func (l *Log) UpdateStatus(ctx context.Context, messageID string, status model.Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid status %q", status)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE message_id = ? AND `+rank("status")+` < `+rank("?"),
		string(status), messageID, string(status))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Conversation returns the messages exchanged between self and peer, oldest first.
func (l *Log) Conversation(ctx context.Context, self, peer string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT message_id, sender_id, recipient_id, content, nonce, timestamp, status FROM (
			SELECT * FROM messages
			WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
			ORDER BY timestamp DESC, id DESC LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, self, peer, peer, self, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Pending returns outbound messages of sender still waiting for a route.
func (l *Log) Pending(ctx context.Context, senderID string) ([]*model.Message, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT message_id, sender_id, recipient_id, content, nonce, timestamp, status
		FROM messages WHERE sender_id = ? AND status = 'pending'
		ORDER BY timestamp ASC, id ASC`, senderID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// LoadRatchet returns nil, nil when no state exists for the conversation.
func (l *Log) LoadRatchet(ctx context.Context, conversationID string) (*model.RatchetState, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, `SELECT state FROM ratchet_states WHERE conversation_id = ?`, conversationID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s model.RatchetState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode ratchet state %s: %w", conversationID, err)
	}
	return &s, nil
}

func (l *Log) SaveRatchet(ctx context.Context, s *model.RatchetState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ratchet_states (conversation_id, state) VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		s.ConversationID, string(data))
	return err
}

// DeleteRatchet drops a conversation's state; only re-keying does this.
func (l *Log) DeleteRatchet(ctx context.Context, conversationID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM ratchet_states WHERE conversation_id = ?`, conversationID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*model.Message, error) {
	var m model.Message
	var status string
	if err := s.Scan(&m.MessageID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.Nonce, &m.Timestamp, &status); err != nil {
		return nil, err
	}
	m.Status = model.Status(status)
	return &m, nil
}

func collect(rows *sql.Rows) ([]*model.Message, error) {
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
