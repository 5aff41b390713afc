package tool

import (
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soyeahso/parley/internal/directive"
)

const continuationHeader = "Results of the tools you requested:"

const continuationInstruction = "Reply to the user in natural language using these results. " +
	"Do not repeat the tool directives. If a tool failed, say so briefly and suggest what to do next."

// Continuation renders executed outcomes as the next prompt for the engine.
// The output depends only on the outcomes, so equal inputs give equal text.
func Continuation(outcomes []Outcome) string {
	var b strings.Builder
	b.WriteString(continuationHeader)
	b.WriteString("\n")

	for _, o := range outcomes {
		b.WriteString("\n### ")
		b.WriteString(o.Directive.Name)
		b.WriteString("\n")

		if !o.Result.Success {
			b.WriteString("status: error\n")
			b.WriteString("error: ")
			b.WriteString(oneLine(o.Result.Error))
			b.WriteString("\n")
			continue
		}

		b.WriteString("status: ok\n")
		if len(o.Result.Data) > 0 {
			b.WriteString(prettyData(o.Result.Data))
		}
	}

	b.WriteString("\n")
	b.WriteString(continuationInstruction)
	return b.String()
}

// Display is the user-facing text: every directive span removed, trimmed.
func Display(text string, ds []directive.Directive) string {
	return strings.TrimSpace(directive.Strip(text, ds))
}

// prettyData renders data as block YAML with sorted keys.
func prettyData(data map[string]any) string {
	out, err := yaml.Marshal(data)
	if err != nil {
		// Data came from a capability and may hold anything; fall back to
		// one key per line, still sorted.
		var b strings.Builder
		for _, k := range slices.Sorted(maps.Keys(data)) {
			b.WriteString(k + ": " + oneLine(stringify(data[k])) + "\n")
		}
		return b.String()
	}
	s := string(out)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return "?"
	}
	return strings.TrimSpace(string(out))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
