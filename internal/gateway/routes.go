package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/aggregator"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/tool"
)

// safeConfigPrefixes lists the config paths readable and writable over RPC.
// Everything else, including credentials, is denied.
var safeConfigPrefixes = []string{
	"gateway.port",
	"gateway.mode",
	"gateway.bind",
	"gateway.customBindHost",
	"gateway.allowedOrigins",
	"turn",
	"aggregator",
	"session",
	"logging",
	"memory",
	"metrics",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range safeConfigPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.metrics != nil && s.metCfg.Enabled {
		path := s.metCfg.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.metrics.Handler())
	}
	mux.HandleFunc("/", handleNotFound)
}

func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("config.get", s.rpcConfigGet)
	s.Handle("config.set", s.rpcConfigSet)
	s.Handle("channels.status", s.rpcChannelsStatus)
	s.Handle("conversations.list", s.rpcConversationsList)
	s.Handle("capabilities.list", s.rpcCapabilitiesList)
	s.Handle("chat.send", s.rpcChatSend)
}

func (s *Server) rpcHealth(rc *RequestContext) {
	rc.Respond(s.health())
}

type configParams struct {
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

// configPath validates the key of a config RPC and reports failures itself.
func configPath(rc *RequestContext, p *configParams) ([]string, bool) {
	if err := rc.Params(p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return nil, false
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return nil, false
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "access denied for config path: "+p.Key)
		return nil, false
	}
	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return nil, false
	}
	return path, true
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configParams
	path, ok := configPath(rc, &p)
	if !ok {
		return
	}

	s.mu.RLock()
	val, found := config.GetValueAtPath(s.configRaw, path)
	s.mu.RUnlock()

	if !found {
		rc.RespondError("not_found", "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

// rpcConfigSet edits the in-memory raw config; the change applies on the
// next restart.
func (s *Server) rpcConfigSet(rc *RequestContext) {
	var p configParams
	path, ok := configPath(rc, &p)
	if !ok {
		return
	}

	s.mu.Lock()
	config.SetValueAtPath(s.configRaw, path, p.Value)
	s.mu.Unlock()

	rc.Respond(map[string]any{"key": p.Key, "value": p.Value})
}

func (s *Server) rpcChannelsStatus(rc *RequestContext) {
	statuses := []domain.ChannelStatus{}
	if s.channels != nil {
		statuses = s.channels.Status()
	}
	rc.Respond(map[string]any{"channels": statuses})
}

func (s *Server) rpcConversationsList(rc *RequestContext) {
	convs := []aggregator.Status{}
	if s.conversations != nil {
		convs = s.conversations.Snapshot()
	}
	rc.Respond(map[string]any{"conversations": convs})
}

func (s *Server) rpcCapabilitiesList(rc *RequestContext) {
	defs := []tool.Definition{}
	if s.capabilities != nil {
		defs = s.capabilities.Definitions()
	}
	rc.Respond(map[string]any{"capabilities": defs})
}

type chatSendParams struct {
	Message string `json:"message"`
}

// rpcChatSend turns the message into an inbound event. The reply is pushed
// later as chat.reply.
func (s *Server) rpcChatSend(rc *RequestContext) {
	handler := s.eventHandler()
	if handler == nil {
		rc.RespondError("unavailable", "chat is not connected to a pipeline")
		return
	}

	var p chatSendParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(p.Message) == "" {
		rc.RespondError("invalid_params", "message is required")
		return
	}

	connID := rc.Client.ConnID
	ev := domain.InboundEvent{
		ID:         uuid.NewString(),
		ChannelID:  ChannelID,
		ChatID:     connID,
		ChatType:   domain.ChatTypeDM,
		Sender:     connID,
		SenderName: rc.Client.Info.DisplayName,
		Text:       p.Message,
		Timestamp:  time.Now(),
	}
	ev.Conversation = domain.ConversationKey{ChannelID: ChannelID, ChatID: connID, SenderID: connID}.ID()

	handler(ev)
	rc.Respond(ChatAccepted{EventID: ev.ID, Conversation: string(ev.Conversation)})
}
