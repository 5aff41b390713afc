package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/spf13/cobra"
)

const terminalChannelID = "cli"

// terminalChannel is a one-shot DM transport that prints replies.
type terminalChannel struct {
	out io.Writer

	mu      sync.Mutex
	handler func(domain.InboundEvent)
}

func (t *terminalChannel) ID() string { return terminalChannelID }

func (t *terminalChannel) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{ChatTypes: []domain.ChatType{domain.ChatTypeDM}}
}

func (t *terminalChannel) Start(context.Context) error { return nil }
func (t *terminalChannel) Stop(context.Context) error  { return nil }

func (t *terminalChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintln(t.out, msg.Body)
	return err
}

func (t *terminalChannel) OnEvent(handler func(domain.InboundEvent)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *terminalChannel) submit(ev domain.InboundEvent) error {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return errors.New("terminal channel is not wired")
	}
	h(ev)
	return nil
}

func newChatCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Run a single turn from the terminal and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runChat(ctx, cfg, log, cmd.OutOrStdout(), strings.Join(args, " "))
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up waiting for the answer after this long")
	return cmd
}

// runChat submits text as one DM and returns once the turn it starts has
// finished. Sessions stay in memory so one-shot chats do not pile up
// transcripts in the database.
func runChat(ctx context.Context, cfg config.Config, log *logging.Logger, out io.Writer, text string, opts ...appOption) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message is empty")
	}

	cfg.Session.Store = "memory"
	cfg.Aggregator.QuietPeriod = 10 * time.Millisecond
	cfg.Aggregator.MaxWait = 0
	cfg.Aggregator.IdleTTL = 0
	cfg.Lease.Enabled = false

	a, err := newApp(ctx, cfg, log, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	term := &terminalChannel{out: out}
	a.channels.Register(term)
	a.router.Wire()

	sender := "local"
	if u, err := user.Current(); err == nil && u.Username != "" {
		sender = u.Username
	}
	ev := domain.InboundEvent{
		ID:         uuid.NewString(),
		ChannelID:  terminalChannelID,
		ChatID:     sender,
		ChatType:   domain.ChatTypeDM,
		Sender:     sender,
		SenderName: sender,
		Text:       text,
		Timestamp:  time.Now(),
	}
	if err := term.submit(ev); err != nil {
		return err
	}
	return waitIdle(ctx, a, 20*time.Millisecond)
}

// waitIdle polls the aggregator until every conversation has run at least
// one batch and nothing is pending or in flight.
func waitIdle(ctx context.Context, a *app, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for reply: %w", ctx.Err())
		case <-ticker.C:
		}

		idle := true
		for _, st := range a.router.Aggregator().Snapshot() {
			if st.Batches == 0 || st.Pending > 0 || st.InFlight {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
	}
}
