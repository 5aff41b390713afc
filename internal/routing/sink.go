package routing

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/soyeahso/parley/internal/channel"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/tool"
)

// inlineLimit is the largest text artifact sent as plain message text on
// channels without native artifact support.
const inlineLimit = 2048

// ArtifactRecorder is satisfied by store.ArtifactLog.
type ArtifactRecorder interface {
	Record(rec store.ArtifactRecord) error
}

// ChannelSink delivers artifacts back to the conversation they came from.
// Channels implementing domain.ArtifactSender get the artifact itself; the
// rest get small text files inline and a notice otherwise.
type ChannelSink struct {
	channels *channel.Registry
	records  ArtifactRecorder
	log      *logging.Logger
}

var _ tool.Sink = (*ChannelSink)(nil)

// NewChannelSink creates a sink. records may be nil.
func NewChannelSink(channels *channel.Registry, records ArtifactRecorder, log *logging.Logger) *ChannelSink {
	return &ChannelSink{channels: channels, records: records, log: log.Sub("sink")}
}

// Deliver implements tool.Sink.
func (s *ChannelSink) Deliver(ctx context.Context, ec tool.ExecutionContext, capability string, a domain.Artifact) error {
	err := s.deliver(ctx, ec, a)

	rec := store.ArtifactRecord{
		Conversation: ec.Conversation,
		Capability:   capability,
		Kind:         a.Kind,
		Name:         a.Name,
		MimeType:     a.MimeType,
		Size:         len(a.Data),
		Recipient:    ec.ReplyTo,
		Status:       store.ArtifactDelivered,
	}
	if err != nil {
		rec.Status = store.ArtifactFailed
		rec.Error = err.Error()
	}
	if s.records != nil {
		if rerr := s.records.Record(rec); rerr != nil {
			s.log.Warn().Err(rerr).Msg("failed to record artifact")
		}
	}
	return err
}

func (s *ChannelSink) deliver(ctx context.Context, ec tool.ExecutionContext, a domain.Artifact) error {
	ch := ec.Transport
	if ch == nil {
		var ok bool
		if ch, ok = s.channels.Get(ec.ChannelID); !ok {
			return fmt.Errorf("channel not found: %s", ec.ChannelID)
		}
	}
	if ec.ReplyTo == "" {
		return fmt.Errorf("no recipient for artifact")
	}

	if as, ok := ch.(domain.ArtifactSender); ok {
		return as.SendArtifact(ctx, ec.ReplyTo, a)
	}

	return ch.Send(ctx, domain.OutboundMessage{
		ChannelID: ch.ID(),
		To:        ec.ReplyTo,
		Body:      renderArtifact(a),
	})
}

// renderArtifact is the text stand-in for channels that cannot carry files.
func renderArtifact(a domain.Artifact) string {
	name := a.Name
	if name == "" {
		name = a.Kind
	}
	if isText(a) && len(a.Data) <= inlineLimit && utf8.Valid(a.Data) {
		return fmt.Sprintf("--- %s ---\n%s", name, strings.TrimRight(string(a.Data), "\n"))
	}
	return fmt.Sprintf("[%s %s, %d bytes; this channel cannot carry files]", a.Kind, name, len(a.Data))
}

func isText(a domain.Artifact) bool {
	return a.MimeType == "" || strings.HasPrefix(a.MimeType, "text/") ||
		strings.HasPrefix(a.MimeType, "application/json")
}
