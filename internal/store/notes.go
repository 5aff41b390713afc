package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/domain"
)

// Note is a piece of knowledge remembered for a conversation.
type Note struct {
	ID           string                `json:"id"`
	Conversation domain.ConversationID `json:"conversation"`
	Category     string                `json:"category"`
	Content      string                `json:"content"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
	Rank         float64               `json:"rank,omitempty"` // FTS5 rank (search results only)
}

// NoteStore manages notes with full-text search via SQLite FTS5.
type NoteStore struct {
	db *DB
}

// NewNoteStore creates a note store using the given database.
func NewNoteStore(db *DB) *NoteStore {
	return &NoteStore{db: db}
}

// Store inserts or updates a note. An empty ID gets a fresh one.
func (n *NoteStore) Store(note Note) (*Note, error) {
	if strings.TrimSpace(note.Content) == "" {
		return nil, fmt.Errorf("note content is empty")
	}
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	if note.Category == "" {
		note.Category = "general"
	}

	now := time.Now()
	note.CreatedAt = now
	note.UpdatedAt = now

	_, err := n.db.sql.Exec(
		`INSERT INTO notes (id, conversation, category, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   content = excluded.content,
		   category = excluded.category,
		   updated_at = excluded.updated_at`,
		note.ID, string(note.Conversation), note.Category, note.Content,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("storing note: %w", err)
	}
	return &note, nil
}

// Search runs a full-text query over one conversation's notes, best match
// first. Query words are matched individually; FTS5 syntax is not exposed.
func (n *NoteStore) Search(conv domain.ConversationID, query string, limit int) ([]Note, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := n.db.sql.Query(
		`SELECT n.id, n.conversation, n.category, n.content, n.created_at, n.updated_at, f.rank
		 FROM notes_fts f
		 JOIN notes n ON n.rowid = f.rowid
		 WHERE notes_fts MATCH ? AND n.conversation = ?
		 ORDER BY f.rank
		 LIMIT ?`,
		match, string(conv), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching notes: %w", err)
	}
	defer rows.Close()
	return scanNotes(rows, true)
}

// List returns a conversation's notes, newest first. An empty category
// matches all.
func (n *NoteStore) List(conv domain.ConversationID, category string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, conversation, category, content, created_at, updated_at
		 FROM notes WHERE conversation = ?`
	args := []any{string(conv)}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := n.db.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	defer rows.Close()
	return scanNotes(rows, false)
}

// Delete removes a note belonging to conv. It reports whether a row was
// removed.
func (n *NoteStore) Delete(conv domain.ConversationID, id string) (bool, error) {
	res, err := n.db.sql.Exec(`DELETE FROM notes WHERE id = ? AND conversation = ?`, id, string(conv))
	if err != nil {
		return false, fmt.Errorf("deleting note: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func scanNotes(rows *sql.Rows, ranked bool) ([]Note, error) {
	var notes []Note
	for rows.Next() {
		var note Note
		var conv, createdAt, updatedAt string
		dest := []any{&note.ID, &conv, &note.Category, &note.Content, &createdAt, &updatedAt}
		if ranked {
			dest = append(dest, &note.Rank)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		note.Conversation = domain.ConversationID(conv)
		note.CreatedAt = parseTime(createdAt)
		note.UpdatedAt = parseTime(updatedAt)
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// ftsQuery turns free text into an FTS5 expression that ORs each word as a
// quoted phrase, so user input never reaches the query grammar.
func ftsQuery(text string) string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '_' || r == '-' || r == '\'' || isWordRune(r))
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, "-'")
		if w == "" {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(w, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

func isWordRune(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 0x7f
}
