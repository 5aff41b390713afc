package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/parley/internal/tool"
)

// PromptConfig controls system prompt generation.
type PromptConfig struct {
	AssistantName string
	Tag           string // directive marker word
	Capabilities  []tool.Definition
	ChannelID     string
	ChatType      string
	UserName      string
	ExtraPrompt   string
	Now           time.Time
}

// BuildSystemPrompt constructs the system prompt for the engine.
func BuildSystemPrompt(cfg PromptConfig) string {
	var b strings.Builder

	if cfg.AssistantName != "" {
		fmt.Fprintf(&b, "You are %s, a chat assistant.\n\n", cfg.AssistantName)
	}

	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	fmt.Fprintf(&b, "Current date: %s\n", now.Format("2006-01-02"))
	if cfg.ChannelID != "" {
		fmt.Fprintf(&b, "Channel: %s\n", cfg.ChannelID)
	}
	if cfg.ChatType != "" {
		fmt.Fprintf(&b, "Chat type: %s\n", cfg.ChatType)
	}
	if cfg.UserName != "" {
		fmt.Fprintf(&b, "User: %s\n", cfg.UserName)
	}

	b.WriteString("\nGuidelines:\n")
	b.WriteString("- Several user messages may arrive together, one per line. Answer them as one request.\n")

	if len(cfg.Capabilities) > 0 {
		tag := cfg.Tag
		if tag == "" {
			tag = "tool"
		}
		b.WriteString("\n## Capabilities\n\n")
		b.WriteString("Invoke a capability by writing a directive anywhere in your reply. Simple parameters go inline:\n\n")
		fmt.Fprintf(&b, "[%s:name key=value other=\"quoted value\"]\n\n", tag)
		b.WriteString("Structured parameters go in a JSON body:\n\n")
		fmt.Fprintf(&b, "[%s:name]{\"key\": \"value\", \"count\": 3}[/%s]\n\n", tag, tag)
		b.WriteString("Directives are removed before the user sees your reply. ")
		b.WriteString("Their results come back in the next message; then answer the user. ")
		b.WriteString("Capabilities marked (irreversible) act immediately, so invoke them only once.\n\n")
		for _, c := range cfg.Capabilities {
			fmt.Fprintf(&b, "### %s", c.Name)
			if c.Irreversible {
				b.WriteString(" (irreversible)")
			}
			fmt.Fprintf(&b, "\n%s\n", c.Description)
			if c.Schema != "" {
				fmt.Fprintf(&b, "Parameters schema: %s\n", c.Schema)
			}
			b.WriteString("\n")
		}
	}

	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(cfg.ExtraPrompt)
		b.WriteString("\n")
	}

	return b.String()
}
