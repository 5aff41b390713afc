package domain

import "time"

// ChatType classifies the conversation context.
type ChatType string

const (
	ChatTypeDM     ChatType = "dm"
	ChatTypeGroup  ChatType = "group"
	ChatTypeThread ChatType = "thread"
)

// Attachment represents a file or media attachment on an inbound event.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// InboundEvent is one unit of input observed by a channel. It is treated as
// immutable once handed to the aggregator.
type InboundEvent struct {
	ID           string         `json:"id"`
	Conversation ConversationID `json:"conversation"`
	ChannelID    string         `json:"channelId"`
	ChatID       string         `json:"chatId"`
	ChatType     ChatType       `json:"chatType"`
	Sender       string         `json:"sender"`
	SenderName   string         `json:"senderName,omitempty"`
	Text         string         `json:"text"`
	Timestamp    time.Time      `json:"timestamp"`
	ReplyToID    string         `json:"replyToId,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty"`
}

// ReplyTarget is where a response to this event should be sent.
func (e InboundEvent) ReplyTarget() string {
	if e.ChatType == ChatTypeDM {
		return e.Sender
	}
	return e.ChatID
}

// OutboundMessage is a text message to be sent via a channel.
type OutboundMessage struct {
	ChannelID string `json:"channelId"`
	To        string `json:"to"`
	Body      string `json:"body"`
	ReplyToID string `json:"replyToId,omitempty"`
}
