package directive

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "string"
	}
}

// Value is a decoded directive parameter: exactly one of string, number or
// boolean. Numbers keep their source literal so formatting is lossless.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// NumberValue returns a numeric Value. The literal is what String reports;
// when empty it is derived from f.
func NumberValue(f float64, literal string) Value {
	if literal == "" {
		literal = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return Value{kind: KindNumber, num: f, str: literal}
}

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// Number returns the numeric payload and whether v is a number.
func (v Value) Number() (float64, bool) { return v.num, v.kind == KindNumber }

// Bool returns the boolean payload and whether v is a bool.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// String renders the value the way it appeared in the source.
func (v Value) String() string {
	if v.kind == KindBool {
		return strconv.FormatBool(v.b)
	}
	return v.str
}

// Interface returns the payload as string, float64 or bool.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return v.str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber {
		return []byte(v.str), nil
	}
	return json.Marshal(v.Interface())
}

// Params is the decoded parameter map of one directive.
type Params map[string]Value

// Map converts params to plain Go values, suitable for JSON Schema
// validation, struct decoding and pretty printing.
func (p Params) Map() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}

// Str returns the string form of key, or "" if absent.
func (p Params) Str(key string) string {
	if v, ok := p[key]; ok {
		return v.String()
	}
	return ""
}

// coerce applies the bare-token typing rules: boolean literals become Bool,
// numeric literals become Number unless the key names an identifier or the
// literal is too long to survive a float64 round trip.
func coerce(key, raw string) Value {
	switch raw {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if !isNumericLiteral(raw) || keepsNumericString(key, raw) {
		return StringValue(raw)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return StringValue(raw)
	}
	return NumberValue(f, raw)
}

// maxNumericDigits is the longest integer a float64 represents exactly in
// every case.
const maxNumericDigits = 15

func keepsNumericString(key, literal string) bool {
	return strings.HasSuffix(strings.ToLower(key), "id") || digitCount(literal) > maxNumericDigits
}

func digitCount(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}

// isNumericLiteral accepts JSON number grammar without an exponent: an
// optional minus, an integer part with no leading zeros, and an optional
// fraction. The literal is emitted verbatim by MarshalJSON, so anything else
// (`+5`, `.5`, `007`, hex, Inf) stays a string.
func isNumericLiteral(s string) bool {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	switch {
	case i >= len(s):
		return false
	case s[i] == '0':
		i++
	case s[i] >= '1' && s[i] <= '9':
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	default:
		return false
	}
	if i < len(s) && s[i] == '.' {
		i++
		start := i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		if i == start {
			return false
		}
	}
	return i == len(s)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
