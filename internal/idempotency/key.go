package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonicalize serializes run parameters into a byte-stable form: object keys
// sorted at every depth, fixed separators, no insignificant whitespace.
// Equivalent structures always produce identical output regardless of the
// order keys were inserted.
func Canonicalize(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	var b strings.Builder
	writeValue(&b, params)
	return b.String()
}

// JobKey derives the idempotency key for one (video, params) pair. Same
// fingerprint and same params always map to the same key; any observable
// parameter difference maps to a different key.
func JobKey(videoFingerprint string, params map[string]any) string {
	raw := "v1:" + videoFingerprint + ":" + Canonicalize(params)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func writeValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, k)
			b.WriteByte(':')
			writeValue(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeValue(b, item)
		}
		b.WriteByte(']')
	default:
		// Scalars round-trip through encoding/json for deterministic
		// number and string formatting.
		enc, err := json.Marshal(t)
		if err != nil {
			writeString(b, fmt.Sprintf("%v", t))
			return
		}
		b.Write(enc)
	}
}

func writeString(b *strings.Builder, s string) {
	enc, _ := json.Marshal(s)
	b.Write(enc)
}
