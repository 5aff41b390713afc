package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/tool"
)

const maxReminderDelay = 7 * 24 * time.Hour

// Scheduler runs a function once after a delay.
type Scheduler interface {
	Schedule(after time.Duration, fn func()) string
	Pending() int
	Close() error
}

// TimerScheduler keeps reminders in process memory; they do not survive a
// restart.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	log    *logging.Logger
}

// NewTimerScheduler creates an in-process scheduler.
func NewTimerScheduler(log *logging.Logger) *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer), log: log}
}

// Schedule arms fn. It returns "" after Close.
func (s *TimerScheduler) Schedule(after time.Duration, fn func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}
	id := uuid.New().String()
	s.timers[id] = time.AfterFunc(after, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	return id
}

// Pending returns the number of armed reminders.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops all pending timers.
func (s *TimerScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return nil
}

type remindParams struct {
	In   time.Duration `param:"in"`
	Text string        `param:"text"`
}

// remind schedules a message back into the originating chat. Scheduling is
// the observable effect, so a cancelled turn must not drop it silently.
func remind(s Scheduler, log *logging.Logger) tool.Capability {
	return &tool.Func{
		ID:       "remind",
		Desc:     "Send the user a reminder later. in is a Go duration such as 10m or 2h.",
		External: true,
		Params: `{
			"type": "object",
			"properties": {
				"in": {"type": "string", "minLength": 2},
				"text": {"type": "string", "minLength": 1}
			},
			"required": ["in", "text"]
		}`,
		Fn: func(_ context.Context, params directive.Params, ec tool.ExecutionContext) (tool.Result, error) {
			var in remindParams
			if err := tool.Bind(params, &in); err != nil {
				return tool.Result{}, err
			}
			if in.In <= 0 || in.In > maxReminderDelay {
				return tool.Fail(fmt.Sprintf("delay must be between 1s and %s", maxReminderDelay)), nil
			}
			if ec.Transport == nil || ec.ReplyTo == "" {
				return tool.Fail("reminders are not available on this channel"), nil
			}

			msg := domain.OutboundMessage{
				ChannelID: ec.ChannelID,
				To:        ec.ReplyTo,
				Body:      "Reminder: " + in.Text,
			}
			transport := ec.Transport
			id := s.Schedule(in.In, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := transport.Send(ctx, msg); err != nil {
					log.Error().Err(err).Str("conversation", string(ec.Conversation)).Msg("reminder delivery failed")
				}
			})
			if id == "" {
				return tool.Fail("scheduler is shut down"), nil
			}
			return tool.OK(map[string]any{
				"id":  id,
				"due": now().Add(in.In).UTC().Format(time.RFC3339),
			}), nil
		},
	}
}
