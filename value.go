package astm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValueKind says which field of a Value is meaningful.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindString
)

// STATUS_ABNORMAL replaces the status flag of any result whose value is a
// sentinel.
const STATUS_ABNORMAL = "A"

var sentinels = map[string]bool{
	"----": true,
	"NaN":  true,
	"NULL": true,
}

var comparisonPrefix = regexp.MustCompile(`^[<>]=?`)

// Value is a coerced result value.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Text  string
}

func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// String renders the value the way it would appear in a report. Null values
// render as the empty string.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Text
	}
	return ""
}

// MarshalJSON emits numbers as JSON numbers, null as null and everything else
// as a string.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		return json.Marshal(v.Float)
	case KindString:
		return json.Marshal(v.Text)
	}
	return []byte("null"), nil
}

// UnmarshalJSON reverses MarshalJSON. Numbers without a fraction or
// exponent decode as integers.
func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*v = Value{Kind: KindNull}
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value{Kind: KindString, Text: s}
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("value must be a number, string or null: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*v = Value{Kind: KindInt, Int: i}
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return err
	}
	*v = Value{Kind: KindFloat, Float: f}
	return nil
}

// IsSentinel reports whether s is one of the reserved "no measurable result"
// strings.
func IsSentinel(s string) bool {
	return sentinels[s]
}

// CoerceValue maps a trimmed result field to a typed value. Comparison
// prefixed values such as "<0.01" are kept verbatim. Sentinels map to null;
// callers are responsible for the accompanying status override.
func CoerceValue(s string) Value {
	if IsSentinel(s) {
		return Value{Kind: KindNull}
	}

	if comparisonPrefix.MatchString(s) {
		return Value{Kind: KindString, Text: s}
	}

	if strings.Contains(s, ".") || strings.Contains(strings.ToLower(s), "e") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Value{Kind: KindFloat, Float: f}
		}
		return Value{Kind: KindString, Text: s}
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Value{Kind: KindInt, Int: n}
	}

	return Value{Kind: KindString, Text: s}
}
