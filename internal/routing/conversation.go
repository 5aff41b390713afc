package routing

import "github.com/soyeahso/parley/internal/domain"

// Conversation scopes.
const (
	ScopePerSender = "per-sender"
	ScopePerChat   = "per-chat"
)

// ResolveConversationKey derives the conversation an event belongs to.
//
// Scopes:
//   - "per-sender": each user in a chat has their own conversation (default)
//   - "per-chat": everyone in a chat shares one conversation
//
// Direct messages are always per sender.
func ResolveConversationKey(ev domain.InboundEvent, scope string) domain.ConversationKey {
	key := domain.ConversationKey{
		ChannelID: ev.ChannelID,
		ChatID:    ev.ChatID,
	}
	if scope != ScopePerChat || ev.ChatType == domain.ChatTypeDM {
		key.SenderID = ev.Sender
	}
	return key
}
