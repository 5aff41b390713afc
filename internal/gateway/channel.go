package gateway

import (
	"context"
	"fmt"

	"github.com/soyeahso/parley/internal/domain"
)

// ChannelID is the gateway's channel identifier.
const ChannelID = "gateway"

var (
	_ domain.Channel        = (*Server)(nil)
	_ domain.ArtifactSender = (*Server)(nil)
)

// ID implements domain.Channel.
func (s *Server) ID() string { return ChannelID }

// Capabilities implements domain.Channel. Every connection is a DM.
func (s *Server) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{
		ChatTypes: []domain.ChatType{domain.ChatTypeDM},
		Artifacts: true,
		Reply:     true,
	}
}

// OnEvent implements domain.Channel.
func (s *Server) OnEvent(handler func(ev domain.InboundEvent)) {
	s.mu.Lock()
	s.onEvent = handler
	s.mu.Unlock()
}

func (s *Server) eventHandler() func(domain.InboundEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onEvent
}

// Send pushes a chat.reply event to the connection named by msg.To.
func (s *Server) Send(_ context.Context, msg domain.OutboundMessage) error {
	c, ok := s.clients.Get(msg.To)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, msg.To)
	}
	return c.SendEvent(EventChatReply, ChatReply{Text: msg.Body, ReplyTo: msg.ReplyToID}, s.nextSeq())
}

// SendArtifact pushes a chat.artifact event carrying the payload.
func (s *Server) SendArtifact(_ context.Context, to string, a domain.Artifact) error {
	c, ok := s.clients.Get(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, to)
	}
	return c.SendEvent(EventChatArtifact, ChatArtifact{
		Kind:     a.Kind,
		Name:     a.Name,
		MimeType: a.MimeType,
		Data:     a.Data,
	}, s.nextSeq())
}

// Status reports whether the listener is up.
func (s *Server) Status() domain.ChannelStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ChannelStatus{
		ChannelID: ChannelID,
		Connected: s.running,
		Running:   s.running,
		LastError: s.lastErr,
	}
}
