package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/domain"
)

// Artifact delivery statuses.
const (
	ArtifactDelivered = "delivered"
	ArtifactFailed    = "failed"
)

// ArtifactRecord describes one artifact handed to a channel.
type ArtifactRecord struct {
	ID           string
	Conversation domain.ConversationID
	Capability   string
	Kind         string
	Name         string
	MimeType     string
	Size         int
	Recipient    string
	Status       string
	Error        string
	CreatedAt    time.Time
}

// ArtifactLog records artifact deliveries. Payload bytes are not stored.
type ArtifactLog struct {
	db *DB
}

// NewArtifactLog creates an artifact log using the given database.
func NewArtifactLog(db *DB) *ArtifactLog {
	return &ArtifactLog{db: db}
}

// Record appends a delivery row.
func (l *ArtifactLog) Record(rec ArtifactRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = ArtifactDelivered
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.db.sql.Exec(
		`INSERT INTO artifacts (id, conversation, capability, kind, name, mime_type, size, recipient, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Conversation), rec.Capability, rec.Kind, rec.Name, rec.MimeType,
		rec.Size, rec.Recipient, rec.Status, rec.Error, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("recording artifact: %w", err)
	}
	return nil
}

// List returns a conversation's deliveries, oldest first.
func (l *ArtifactLog) List(conv domain.ConversationID) ([]ArtifactRecord, error) {
	rows, err := l.db.sql.Query(
		`SELECT id, conversation, capability, kind, name, mime_type, size, recipient, status, error, created_at
		 FROM artifacts WHERE conversation = ? ORDER BY created_at, rowid`, string(conv),
	)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		var rec ArtifactRecord
		var convStr, createdAt string
		if err := rows.Scan(&rec.ID, &convStr, &rec.Capability, &rec.Kind, &rec.Name, &rec.MimeType,
			&rec.Size, &rec.Recipient, &rec.Status, &rec.Error, &createdAt); err != nil {
			return nil, err
		}
		rec.Conversation = domain.ConversationID(convStr)
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
