package domain

import "context"

// ChannelCapabilities describes what a channel implementation supports.
type ChannelCapabilities struct {
	ChatTypes []ChatType `json:"chatTypes"`
	Artifacts bool       `json:"artifacts,omitempty"`
	Threads   bool       `json:"threads,omitempty"`
	Reply     bool       `json:"reply,omitempty"`
}

// ChannelStatus reports the runtime state of a channel.
type ChannelStatus struct {
	ChannelID string `json:"channelId"`
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
	LastError string `json:"lastError,omitempty"`
}

// Channel is the interface that all messaging transports must satisfy.
type Channel interface {
	// ID returns the channel identifier (e.g., "irc", "gateway").
	ID() string

	// Capabilities returns what this channel supports.
	Capabilities() ChannelCapabilities

	// Start connects the channel and begins listening for events.
	Start(ctx context.Context) error

	// Stop gracefully disconnects the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound text message through this channel.
	Send(ctx context.Context, msg OutboundMessage) error

	// OnEvent registers the handler for inbound events.
	OnEvent(handler func(ev InboundEvent))
}

// ArtifactSender is implemented by channels that can deliver artifacts natively.
type ArtifactSender interface {
	SendArtifact(ctx context.Context, to string, a Artifact) error
}
