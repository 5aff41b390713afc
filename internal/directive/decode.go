package directive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Diagnostics records what the decoder had to do to make sense of a body.
type Diagnostics struct {
	Repaired     bool     // the body was not valid JSON but repair produced an object
	DanglingKeys []string // keys dropped because they had no value
	Failed       bool     // the body could not be decoded even after repair
}

// Decode combines the inline fragment of an opening marker with the body of
// a directive. A body starting with '{' is read as a JSON object, repaired if
// needed; any other non-empty body is read with inline syntax. Body keys win
// over inline keys. Decode never fails: an undecodable body leaves the
// inline parameters and sets Diagnostics.Failed.
func Decode(inline, body string) (Params, Diagnostics) {
	var diag Diagnostics
	params := DecodeInline(inline)

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return params, diag
	}

	var fromBody Params
	if strings.HasPrefix(trimmed, "{") {
		obj, err := parseObject(trimmed)
		if err != nil {
			repaired, dangling := Repair(trimmed)
			diag.DanglingKeys = dangling
			obj, err = parseObject(repaired)
			if err != nil {
				diag.Failed = true
				return params, diag
			}
			diag.Repaired = true
		}
		fromBody = obj
	} else {
		fromBody = DecodeInline(trimmed)
	}

	for k, v := range fromBody {
		params[k] = v
	}
	return params, diag
}

// DecodeInline parses key=value pairs. Values may be bare or quoted with
// single or double quotes; quoted values are always strings. Words without
// '=' are ignored.
func DecodeInline(s string) Params {
	params := Params{}
	i := 0
	for i < len(s) {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		keyStart := i
		for i < len(s) && s[i] != '=' && !isSpace(s[i]) {
			i++
		}
		key := s[keyStart:i]
		if i >= len(s) || s[i] != '=' {
			// A bare word, or the end of input.
			continue
		}
		i++ // '='

		if i < len(s) && (s[i] == '"' || s[i] == '\'') {
			val, next := readQuoted(s, i)
			i = next
			if key != "" {
				params[key] = coerce(key, val)
			}
			continue
		}

		valStart := i
		for i < len(s) && !isSpace(s[i]) {
			i++
		}
		if key != "" {
			params[key] = coerce(key, s[valStart:i])
		}
	}
	return params
}

// readQuoted reads a quoted value starting at s[i] and returns the unescaped
// text and the index after the closing quote. An unterminated quote runs to
// the end of s.
func readQuoted(s string, i int) (string, int) {
	quote := s[i]
	var b strings.Builder
	for j := i + 1; j < len(s); j++ {
		c := s[j]
		if c == '\\' && j+1 < len(s) {
			j++
			switch s[j] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[j])
			}
			continue
		}
		if c == quote {
			return b.String(), j + 1
		}
		b.WriteByte(c)
	}
	return b.String(), len(s)
}

var errTrailingData = errors.New("trailing data after object")

// parseObject strictly decodes a single JSON object.
func parseObject(s string) (Params, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("not an object")
	}
	if rest := strings.TrimSpace(s[dec.InputOffset():]); rest != "" {
		return nil, errTrailingData
	}

	params := make(Params, len(raw))
	for k, v := range raw {
		if val, ok := fromJSON(v); ok {
			params[k] = val
		}
	}
	return params, nil
}

// fromJSON converts a decoded JSON value. Nested arrays and objects are kept
// as compact JSON text; nulls are dropped.
func fromJSON(v any) (Value, bool) {
	switch x := v.(type) {
	case nil:
		return Value{}, false
	case string:
		return StringValue(x), true
	case bool:
		return BoolValue(x), true
	case json.Number:
		lit := x.String()
		if digitCount(lit) > maxNumericDigits {
			return StringValue(lit), true
		}
		f, err := x.Float64()
		if err != nil {
			return StringValue(lit), true
		}
		return NumberValue(f, lit), true
	default:
		return StringValue(compactJSON(x)), true
	}
}

func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
