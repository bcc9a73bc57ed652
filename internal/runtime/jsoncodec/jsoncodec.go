// Package jsoncodec centralises JSON handling so every component encodes
// frame metadata and config values the same way.
package jsoncodec

import (
	"io"
	"math"
	"strings"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// ValueOrString coerces a textual option value through a
// JSON-literal-or-string heuristic: "10" becomes int64(10), "true"
// becomes true, "1.5" becomes 1.5, anything that does not parse as a
// JSON literal stays a string stripped of surrounding whitespace. Whole
// numbers come back as int64 so that option values round-trip without a
// float representation.
func ValueOrString(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return trimmed
	}

	var v any
	if err := Unmarshal([]byte(trimmed), &v); err != nil {
		return trimmed
	}
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		return int64(f)
	}
	return v
}
