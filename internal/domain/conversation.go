package domain

import "time"

// ConversationID is the opaque, stable identifier of a thread of events.
// All per-conversation state is keyed by it.
type ConversationID string

// ConversationKey is the structured form a ConversationID is derived from.
type ConversationKey struct {
	ChannelID string `json:"channelId"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId,omitempty"`
}

// ID returns the canonical conversation identifier for the key.
func (k ConversationKey) ID() ConversationID {
	s := k.ChannelID + ":" + k.ChatID
	if k.SenderID != "" {
		s += ":" + k.SenderID
	}
	return ConversationID(s)
}

// Session tracks the persisted transcript of one conversation.
type Session struct {
	ID           string          `json:"id"`
	Conversation ConversationID  `json:"conversation"`
	Key          ConversationKey `json:"key"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Messages     []Message       `json:"messages,omitempty"`
}

// Message is a single entry in a session transcript.
type Message struct {
	Role      string    `json:"role"` // "user", "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
