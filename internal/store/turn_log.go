package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/domain"
)

// TurnRecord is one audit row per consumed batch.
type TurnRecord struct {
	ID           string
	Conversation domain.ConversationID
	SessionID    string
	BatchSeq     uint64
	Events       int
	Depth        int
	Directives   int
	Outcome      string
	Error        string
	Duration     time.Duration
	CreatedAt    time.Time
}

// TurnLog appends and reads turn audit rows.
type TurnLog struct {
	db *DB
}

// NewTurnLog creates a turn log using the given database.
func NewTurnLog(db *DB) *TurnLog {
	return &TurnLog{db: db}
}

// Record appends a turn row.
func (l *TurnLog) Record(rec TurnRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.db.sql.Exec(
		`INSERT INTO turns (id, conversation, session_id, batch_seq, events, depth, directives, outcome, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Conversation), rec.SessionID, int64(rec.BatchSeq), rec.Events,
		rec.Depth, rec.Directives, rec.Outcome, rec.Error, rec.Duration.Milliseconds(),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	return nil
}

// Recent returns up to limit turns for a conversation, newest first. An
// empty conversation returns turns across all conversations.
func (l *TurnLog) Recent(conv domain.ConversationID, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, conversation, session_id, batch_seq, events, depth, directives, outcome, error, duration_ms, created_at FROM turns`
	var args []any
	if conv != "" {
		query += ` WHERE conversation = ?`
		args = append(args, string(conv))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		var convStr, createdAt string
		var seq, ms int64
		if err := rows.Scan(&rec.ID, &convStr, &rec.SessionID, &seq, &rec.Events, &rec.Depth,
			&rec.Directives, &rec.Outcome, &rec.Error, &ms, &createdAt); err != nil {
			return nil, err
		}
		rec.Conversation = domain.ConversationID(convStr)
		rec.BatchSeq = uint64(seq)
		rec.Duration = time.Duration(ms) * time.Millisecond
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
