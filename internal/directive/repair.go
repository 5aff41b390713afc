package directive

import (
	"encoding/json"
	"strings"
)

// Repair rewrites almost-JSON produced by a model into parseable JSON. It is a
// single forward pass that:
//   - converts single-quoted strings to double-quoted ones
//   - quotes bare object keys and bare word values
//   - drops trailing commas
//   - drops keys that have no value ("k"} / "k", / trailing "k")
//   - closes an unterminated string and any unbalanced brackets
//   - discards anything after the top-level value closes
//
// It returns the repaired text and the names of dropped dangling keys.
func Repair(s string) (string, []string) {
	r := &repairer{src: s}
	r.run()
	return string(r.out), r.dangling
}

type repairer struct {
	src      string
	out      []byte
	stack    []byte // open containers: '{' or '['
	dangling []string

	// keyStart is the output offset of a just-closed object key still waiting
	// for its ':'; -1 when none.
	keyStart int
	key      string
}

func (r *repairer) inObject() bool {
	return len(r.stack) > 0 && r.stack[len(r.stack)-1] == '{'
}

// expectingKey reports whether the next token is an object key.
func (r *repairer) expectingKey() bool {
	if !r.inObject() {
		return false
	}
	last := r.lastSignificant()
	return last == '{' || last == ','
}

func (r *repairer) lastSignificant() byte {
	for i := len(r.out) - 1; i >= 0; i-- {
		if !isSpace(r.out[i]) {
			return r.out[i]
		}
	}
	return 0
}

func (r *repairer) run() {
	r.keyStart = -1
	src := r.src
	started := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		if r.keyStart >= 0 && !isSpace(c) && c != ':' {
			r.dropPendingKey()
		}

		switch {
		case isSpace(c):
			r.out = append(r.out, c)

		case c == '"' || c == '\'':
			isKey := r.expectingKey()
			start := len(r.out)
			i = r.copyString(i)
			if isKey {
				r.keyStart = start
				r.key = string(r.out[start+1 : len(r.out)-1])
			}

		case c == '{' || c == '[':
			started = true
			r.stack = append(r.stack, c)
			r.out = append(r.out, c)

		case c == '}' || c == ']':
			if len(r.stack) == 0 {
				continue
			}
			r.fillMissingValue()
			r.trimTrailingComma()
			r.closeTop()
			if len(r.stack) == 0 && started {
				return
			}

		case c == ':':
			r.keyStart = -1
			r.out = append(r.out, c)

		case c == ',':
			r.fillMissingValue()
			r.trimTrailingComma()
			if last := r.lastSignificant(); last == '{' || last == '[' {
				continue
			}
			r.out = append(r.out, c)

		default:
			j := i
			for j < len(src) && !isSpace(src[j]) && !strings.ContainsRune(",:{}[]\"'", rune(src[j])) {
				j++
			}
			word := src[i:j]
			i = j - 1
			if r.expectingKey() {
				r.out = append(r.out, '"')
				r.out = append(r.out, word...)
				r.out = append(r.out, '"')
				r.keyStart = len(r.out) - len(word) - 2
				r.key = word
				continue
			}
			if isJSONLiteral(word) {
				r.out = append(r.out, word...)
			} else {
				r.out = append(r.out, '"')
				r.out = append(r.out, escapeForJSON(word)...)
				r.out = append(r.out, '"')
			}
		}
	}

	if r.keyStart >= 0 {
		r.dropPendingKey()
	}
	r.fillMissingValue()
	r.trimTrailingComma()
	for len(r.stack) > 0 {
		r.closeTop()
	}
}

// copyString copies the string literal starting at src[i] to the output as a
// double-quoted JSON string and returns the index of its closing quote (or
// the last index if unterminated).
func (r *repairer) copyString(i int) int {
	src := r.src
	quote := src[i]
	r.out = append(r.out, '"')

	for j := i + 1; j < len(src); j++ {
		c := src[j]
		switch {
		case c == '\\' && j+1 < len(src):
			next := src[j+1]
			if next == '\'' {
				r.out = append(r.out, '\'')
			} else {
				r.out = append(r.out, c, next)
			}
			j++
		case c == quote:
			r.out = append(r.out, '"')
			return j
		case c == '"':
			r.out = append(r.out, '\\', '"')
		case c == '\n':
			r.out = append(r.out, '\\', 'n')
		case c == '\t':
			r.out = append(r.out, '\\', 't')
		default:
			r.out = append(r.out, c)
		}
	}

	// Unterminated: close it.
	r.out = append(r.out, '"')
	return len(src) - 1
}

// fillMissingValue writes null after a ':' that never got a value.
func (r *repairer) fillMissingValue() {
	if r.lastSignificant() == ':' {
		r.trimTrailingSpace()
		r.out = append(r.out, "null"...)
	}
}

func (r *repairer) closeTop() {
	top := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
	if top == '{' {
		r.out = append(r.out, '}')
	} else {
		r.out = append(r.out, ']')
	}
}

// dropPendingKey removes a key that was not followed by ':' along with the
// comma that introduced it.
func (r *repairer) dropPendingKey() {
	r.dangling = append(r.dangling, r.key)
	r.out = r.out[:r.keyStart]
	r.keyStart = -1
	r.trimTrailingComma()
}

func (r *repairer) trimTrailingComma() {
	r.trimTrailingSpace()
	if n := len(r.out); n > 0 && r.out[n-1] == ',' {
		r.out = r.out[:n-1]
		r.trimTrailingSpace()
	}
}

func (r *repairer) trimTrailingSpace() {
	for len(r.out) > 0 && isSpace(r.out[len(r.out)-1]) {
		r.out = r.out[:len(r.out)-1]
	}
}

func isJSONLiteral(word string) bool {
	switch word {
	case "true", "false", "null":
		return true
	}
	c := word[0]
	return (c == '-' || (c >= '0' && c <= '9')) && json.Valid([]byte(word))
}

func escapeForJSON(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
