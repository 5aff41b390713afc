package directive

import "strings"

// DefaultTag is the marker word used by the default scanner:
// [tool:name k=v] ... [/tool]
const DefaultTag = "tool"

// Span is one directive occurrence located in generated text.
type Span struct {
	Name   string
	Inline string // parameter text inside the opening marker
	Body   string // text between the markers; empty when unclosed
	Closed bool
	Start  int // byte offset of the opening '['
	End    int // byte offset just past the span
}

// Scanner locates directive spans. It is stateless and safe for concurrent use.
type Scanner struct {
	open       string
	closePlain string
	closeNamed string
}

// NewScanner returns a scanner for the given marker word.
func NewScanner(tag string) *Scanner {
	if tag == "" {
		tag = DefaultTag
	}
	return &Scanner{
		open:       "[" + tag + ":",
		closePlain: "[/" + tag + "]",
		closeNamed: "[/" + tag + ":",
	}
}

// Scan returns every directive span in text, ordered by opening marker. The
// cursor only moves forward; text consumed by one span is never rescanned.
func (s *Scanner) Scan(text string) []Span {
	var spans []Span
	cursor := 0

	for cursor < len(text) {
		i := strings.Index(text[cursor:], s.open)
		if i < 0 {
			break
		}
		start := cursor + i
		nameStart := start + len(s.open)

		nameEnd := nameStart
		for nameEnd < len(text) && text[nameEnd] != ']' && !isSpace(text[nameEnd]) {
			nameEnd++
		}

		markerEnd := openingMarkerEnd(text, nameEnd)
		if markerEnd < 0 {
			// No closing bracket anywhere: not a marker.
			cursor = nameStart
			continue
		}

		span := Span{
			Name:   text[nameStart:nameEnd],
			Inline: strings.TrimSpace(text[nameEnd:markerEnd]),
			Start:  start,
			End:    markerEnd + 1,
		}

		if bodyEnd, closeEnd, ok := s.findClose(text, markerEnd+1, span.Name); ok {
			span.Body = text[markerEnd+1 : bodyEnd]
			span.Closed = true
			span.End = closeEnd
		}

		spans = append(spans, span)
		cursor = span.End
	}

	return spans
}

// findClose scans forward from pos for a closing marker outside any JSON
// string literal. It gives up when another opening marker starts first.
func (s *Scanner) findClose(text string, pos int, name string) (bodyEnd, closeEnd int, ok bool) {
	inString := false

	for k := pos; k < len(text); k++ {
		c := text[k]
		if c == '"' && !escaped(text, pos, k) {
			inString = !inString
			continue
		}
		if inString || c != '[' {
			continue
		}

		rest := text[k:]
		switch {
		case strings.HasPrefix(rest, s.closePlain):
			return k, k + len(s.closePlain), true
		case strings.HasPrefix(rest, s.closeNamed):
			if e := strings.IndexByte(rest, ']'); e > 0 && rest[len(s.closeNamed):e] == name {
				return k, k + e + 1, true
			}
		case strings.HasPrefix(rest, s.open):
			return 0, 0, false
		}
	}
	return 0, 0, false
}

// openingMarkerEnd returns the index of the ']' that ends an opening marker,
// skipping brackets inside quoted inline values. A quote only opens a value
// directly after '='. Unbalanced quotes fall back to the first ']'.
func openingMarkerEnd(text string, from int) int {
	var quote byte
	for k := from; k < len(text); k++ {
		c := text[k]
		if quote != 0 {
			switch c {
			case '\\':
				k++
			case quote:
				quote = 0
			case '\n':
				return firstByte(text, from, ']')
			}
			continue
		}
		switch {
		case (c == '"' || c == '\'') && k > from && text[k-1] == '=':
			quote = c
		case c == ']':
			return k
		}
	}
	return firstByte(text, from, ']')
}

func firstByte(text string, from int, b byte) int {
	if i := strings.IndexByte(text[from:], b); i >= 0 {
		return from + i
	}
	return -1
}

// escaped reports whether text[k] is preceded by an odd run of backslashes,
// looking no further back than lo.
func escaped(text string, lo, k int) bool {
	n := 0
	for j := k - 1; j >= lo && text[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
