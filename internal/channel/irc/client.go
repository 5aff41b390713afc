// Package irc implements the IRC channel using the girc library.
//
// Every accepted PRIVMSG becomes one InboundEvent; people who paste several
// lines produce several events, which the aggregator coalesces into a
// single turn.
package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lrstanley/girc"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/version"
)

// maxLineBytes keeps a PRIVMSG, with its prefix, under the 512 byte limit.
const maxLineBytes = 400

// Channel implements domain.Channel for IRC.
type Channel struct {
	cfg    config.IRCConfig
	client *girc.Client
	log    *logging.Logger

	mu      sync.RWMutex
	handler func(ev domain.InboundEvent)
	running bool
	lastErr string
}

// New creates an IRC channel from configuration.
func New(cfg config.IRCConfig, log *logging.Logger) *Channel {
	return &Channel{cfg: cfg, log: log.Sub("irc")}
}

func (c *Channel) ID() string { return "irc" }

func (c *Channel) Capabilities() domain.ChannelCapabilities {
	return domain.ChannelCapabilities{
		ChatTypes: []domain.ChatType{domain.ChatTypeDM, domain.ChatTypeGroup},
	}
}

func (c *Channel) OnEvent(handler func(ev domain.InboundEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Status returns the current runtime status.
func (c *Channel) Status() domain.ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.ChannelStatus{
		ChannelID: "irc",
		Connected: c.client != nil && c.client.IsConnected(),
		Running:   c.running,
		LastError: c.lastErr,
	}
}

func (c *Channel) port() int {
	if c.cfg.Port != 0 {
		return c.cfg.Port
	}
	if c.cfg.UseTLS {
		return 6697
	}
	return 6667
}

func (c *Channel) clientConfig() girc.Config {
	cfg := girc.Config{
		Server:  c.cfg.Server,
		Port:    c.port(),
		Nick:    c.cfg.Nick,
		User:    c.cfg.Nick,
		Name:    "parley",
		SSL:     c.cfg.UseTLS,
		Version: version.UserAgent(),
	}
	if c.cfg.UseTLS {
		cfg.TLSConfig = &tls.Config{ServerName: c.cfg.Server}
	}
	if c.cfg.SASL && c.cfg.Password != "" {
		cfg.SASL = &girc.SASLPlain{User: c.cfg.Nick, Pass: c.cfg.Password}
	} else if c.cfg.Password != "" {
		cfg.ServerPass = c.cfg.Password
	}
	return cfg
}

// Start connects to the IRC server and blocks until the connection ends or
// ctx is cancelled.
func (c *Channel) Start(ctx context.Context) error {
	client := girc.New(c.clientConfig())
	client.Handlers.Add(girc.CONNECTED, c.onConnected)
	client.Handlers.Add(girc.PRIVMSG, c.onPrivmsg)
	client.Handlers.Add(girc.DISCONNECTED, c.onDisconnected)

	c.mu.Lock()
	c.client = client
	c.running = true
	c.lastErr = ""
	c.mu.Unlock()

	c.log.Info().
		Str("server", c.cfg.Server).
		Int("port", c.port()).
		Str("nick", c.cfg.Nick).
		Strs("channels", c.cfg.Channels).
		Bool("tls", c.cfg.UseTLS).
		Msg("connecting to IRC")

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect() }()

	select {
	case err := <-errCh:
		c.mu.Lock()
		c.running = false
		if err != nil {
			c.lastErr = err.Error()
		}
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("irc connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		client.Close()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Stop gracefully disconnects from the IRC server.
func (c *Channel) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.client.IsConnected() {
		c.log.Info().Msg("disconnecting from IRC")
		c.client.Quit("parley shutting down")
	}
	c.running = false
	return nil
}

// Send delivers a message to an IRC channel or nick, one PRIVMSG per line.
func (c *Channel) Send(_ context.Context, msg domain.OutboundMessage) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("irc: not connected")
	}
	if msg.To == "" {
		return fmt.Errorf("irc: no target specified")
	}

	lines := splitMessage(msg.Body, maxLineBytes)
	for _, line := range lines {
		client.Cmd.Message(msg.To, line)
	}
	c.log.Debug().Str("to", msg.To).Int("lines", len(lines)).Msg("sent IRC message")
	return nil
}

func (c *Channel) onConnected(client *girc.Client, _ girc.Event) {
	c.log.Info().Str("nick", client.GetNick()).Msg("connected to IRC")
	for _, ch := range c.cfg.Channels {
		client.Cmd.Join(ch)
		c.log.Info().Str("channel", ch).Msg("joining channel")
	}
}

func (c *Channel) onDisconnected(_ *girc.Client, _ girc.Event) {
	c.log.Warn().Msg("disconnected from IRC")
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Channel) onPrivmsg(client *girc.Client, e girc.Event) {
	if e.Source == nil || len(e.Params) == 0 {
		return
	}
	nick := client.GetNick()
	if strings.EqualFold(e.Source.Name, nick) {
		return
	}

	body := e.Last()
	if e.IsAction() {
		body = e.StripAction()
	}

	isOp := func(who, channel string) bool {
		user := client.LookupUser(who)
		if user == nil {
			return false
		}
		perms, ok := user.Perms.Lookup(channel)
		return ok && perms.IsAdmin()
	}

	ev, reason := c.accept(nick, e.Source.Name, e.Params[0], body, e.IsFromChannel(), isOp)
	if reason != "" {
		c.log.Debug().Str("nick", e.Source.Name).Str("target", e.Params[0]).Str("reason", reason).Msg("ignoring message")
		return
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// accept applies the addressing and permission rules to one PRIVMSG and
// builds the event. A non-empty reason means the message is ignored.
//
// Direct messages are always addressed to us. In a channel the message
// must mention our nick; a leading "nick:" or "nick," is stripped.
func (c *Channel) accept(nick, from, target, body string, fromChannel bool, isOp func(nick, channel string) bool) (domain.InboundEvent, string) {
	if c.cfg.Owner != "" && !strings.EqualFold(from, c.cfg.Owner) {
		return domain.InboundEvent{}, "not owner"
	}

	ev := domain.InboundEvent{
		ID:         uuid.New().String(),
		ChannelID:  "irc",
		Sender:     from,
		SenderName: from,
		Timestamp:  time.Now(),
	}

	if !fromChannel {
		ev.ChatID = from
		ev.ChatType = domain.ChatTypeDM
		ev.Text = strings.TrimSpace(body)
		if ev.Text == "" {
			return domain.InboundEvent{}, "empty"
		}
		return ev, ""
	}

	text, mentioned := stripMention(body, nick)
	if !mentioned {
		return domain.InboundEvent{}, "not addressed"
	}
	if c.cfg.OpOnly && (isOp == nil || !isOp(from, target)) {
		return domain.InboundEvent{}, "not operator"
	}
	if text == "" {
		return domain.InboundEvent{}, "empty"
	}

	ev.ChatID = target
	ev.ChatType = domain.ChatTypeGroup
	ev.Text = text
	return ev, ""
}

// stripMention reports whether body mentions nick and removes a leading
// address prefix.
func stripMention(body, nick string) (string, bool) {
	if nick == "" {
		return strings.TrimSpace(body), false
	}
	trimmed := strings.TrimSpace(body)
	lower := strings.ToLower(trimmed)
	ln := strings.ToLower(nick)

	if strings.HasPrefix(lower, ln) {
		rest := trimmed[len(nick):]
		if rest == "" {
			return "", true
		}
		if r, size := utf8.DecodeRuneInString(rest); r == ':' || r == ',' || unicode.IsSpace(r) {
			return strings.TrimSpace(rest[size:]), true
		}
	}
	if containsWord(lower, ln) {
		return trimmed, true
	}
	return trimmed, false
}

func containsWord(s, word string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(word)
		if isBoundary(s, start-1) && isBoundary(s, end) {
			return true
		}
		i = start + 1
	}
}

func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	b := s[i]
	return !(b == '_' || b == '-' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z')
}

// splitMessage breaks text into IRC-sized lines. PRIVMSG cannot carry
// newlines, so each input line is sent separately and blank lines are
// dropped. Long lines break at the last space before maxLen bytes, or at a
// rune boundary when there is none.
func splitMessage(text string, maxLen int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t\r")
		for len(line) > maxLen {
			cut := strings.LastIndexByte(line[:maxLen+1], ' ')
			if cut <= 0 {
				cut = maxLen
				for cut > 0 && !utf8.RuneStart(line[cut]) {
					cut--
				}
			}
			out = append(out, line[:cut])
			line = strings.TrimLeft(line[cut:], " ")
		}
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
