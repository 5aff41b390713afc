// Package directive finds tool directives embedded in model output and
// decodes their parameters.
//
// A directive looks like
//
//	[tool:weather city="Hanoi"]
//	[tool:note]{"text": "buy milk"}[/tool]
//
// The scanner is quote-aware, so closing markers inside JSON strings do not
// end a body. The decoder tolerates the usual model mistakes in JSON bodies.
package directive

// Directive is one decoded tool invocation.
type Directive struct {
	Name        string
	Raw         string // the exact source text of the span
	Params      Params
	Start       int
	End         int
	Diagnostics Diagnostics
}

// Parser turns generated text into directives.
type Parser struct {
	scanner *Scanner
}

// NewParser returns a parser for the given marker word ("" for DefaultTag).
func NewParser(tag string) *Parser {
	return &Parser{scanner: NewScanner(tag)}
}

// Parse returns the directives in text in order of appearance. Text without
// directives yields nil.
func (p *Parser) Parse(text string) []Directive {
	spans := p.scanner.Scan(text)
	if len(spans) == 0 {
		return nil
	}
	out := make([]Directive, 0, len(spans))
	for _, sp := range spans {
		params, diag := Decode(sp.Inline, sp.Body)
		out = append(out, Directive{
			Name:        sp.Name,
			Raw:         text[sp.Start:sp.End],
			Params:      params,
			Start:       sp.Start,
			End:         sp.End,
			Diagnostics: diag,
		})
	}
	return out
}

var defaultParser = NewParser(DefaultTag)

// Parse parses text with the default marker word.
func Parse(text string) []Directive {
	return defaultParser.Parse(text)
}

// Strip removes every directive span from text. Surrounding whitespace is
// left alone; callers trim as needed.
func Strip(text string, ds []Directive) string {
	if len(ds) == 0 {
		return text
	}
	out := make([]byte, 0, len(text))
	last := 0
	for _, d := range ds {
		if d.Start < last {
			continue
		}
		out = append(out, text[last:d.Start]...)
		last = d.End
	}
	out = append(out, text[last:]...)
	return string(out)
}
