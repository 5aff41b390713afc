package aggregator

import (
	"strings"
	"sync/atomic"

	"github.com/soyeahso/parley/internal/cancel"
	"github.com/soyeahso/parley/internal/domain"
)

// Batch is one turn's worth of coalesced events. The handler owns it for the
// duration of the turn and must not retain Events afterwards.
type Batch struct {
	Conversation domain.ConversationID
	Events       []domain.InboundEvent

	// Token is cancelled when newer input supersedes this batch.
	Token *cancel.Token

	// Seq numbers batches per conversation, starting at 1.
	Seq uint64

	irreversible atomic.Bool
}

// MarkIrreversible records that the turn performed an effect that must not
// be requested again. A cancelled batch marked this way is not merged into
// the next one.
func (b *Batch) MarkIrreversible() { b.irreversible.Store(true) }

// Irreversible reports whether MarkIrreversible was called.
func (b *Batch) Irreversible() bool { return b.irreversible.Load() }

// Text joins the event texts in submission order, one per line.
func (b *Batch) Text() string {
	parts := make([]string, 0, len(b.Events))
	for _, ev := range b.Events {
		if t := strings.TrimSpace(ev.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Last returns the most recent event. Replies are addressed using it.
func (b *Batch) Last() domain.InboundEvent {
	if len(b.Events) == 0 {
		return domain.InboundEvent{Conversation: b.Conversation}
	}
	return b.Events[len(b.Events)-1]
}
