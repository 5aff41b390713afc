package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/llm"
)

// SQLiteSessionStore implements agent.SessionStore backed by SQLite.
// Storage errors are logged; the turn goes on with what it has.
type SQLiteSessionStore struct {
	db *DB
}

// NewSQLiteSessionStore creates a session store using the given database.
func NewSQLiteSessionStore(db *DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

const sessionColumns = `id, conversation, channel_id, chat_id, sender_id, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var conv, createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &conv, &sess.Key.ChannelID, &sess.Key.ChatID, &sess.Key.SenderID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.Conversation = domain.ConversationID(conv)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

// GetOrCreate finds the session for a conversation or creates one.
func (s *SQLiteSessionStore) GetOrCreate(key domain.ConversationKey) *domain.Session {
	conv := key.ID()

	sess, err := scanSession(s.db.sql.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation = ?`, string(conv),
	))
	if err == nil {
		return sess
	}

	now := time.Now()
	sess = &domain.Session{
		ID:           uuid.New().String(),
		Conversation: conv,
		Key:          key,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.db.sql.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation) DO NOTHING`,
		sess.ID, string(conv), key.ChannelID, key.ChatID, key.SenderID,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		s.db.log.Error().Err(err).Str("conversation", string(conv)).Msg("failed to create session")
		return sess
	}

	// A concurrent insert may have won; return whichever row exists.
	if existing, err := scanSession(s.db.sql.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation = ?`, string(conv),
	)); err == nil {
		return existing
	}
	return sess
}

// Get returns a session with its messages, or nil if not found.
func (s *SQLiteSessionStore) Get(id string) *domain.Session {
	sess, err := scanSession(s.db.sql.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil
	}
	sess.Messages = s.loadMessages(id)
	return sess
}

// Append adds messages to a session in one transaction.
func (s *SQLiteSessionStore) Append(sessionID string, msgs ...domain.Message) {
	if len(msgs) == 0 {
		return
	}
	err := s.db.withTx(func(tx *sql.Tx) error {
		for _, msg := range msgs {
			ts := msg.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			if _, err := tx.Exec(
				`INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
				sessionID, msg.Role, msg.Content, formatTime(ts),
			); err != nil {
				return err
			}
		}
		_, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), sessionID)
		return err
	})
	if err != nil {
		s.db.log.Error().Err(err).Str("session", sessionID).Int("messages", len(msgs)).Msg("failed to append messages")
	}
}

// History returns the message history for a session as engine messages.
func (s *SQLiteSessionStore) History(sessionID string) []llm.Message {
	rows, err := s.db.sql.Query(`SELECT role, content FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// List returns all session IDs, most recently updated first.
func (s *SQLiteSessionStore) List() []string {
	rows, err := s.db.sql.Query(`SELECT id FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *SQLiteSessionStore) loadMessages(sessionID string) []domain.Message {
	rows, err := s.db.sql.Query(
		`SELECT role, content, timestamp FROM messages WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var ts string
		if err := rows.Scan(&msg.Role, &msg.Content, &ts); err != nil {
			continue
		}
		msg.Timestamp = parseTime(ts)
		msgs = append(msgs, msg)
	}
	return msgs
}
