package audit

import (
	"encoding/json"
	"strings"
)

// Redacted is the literal substituted for values under sensitive keys.
const Redacted = "[REDACTED]"

// Redactor walks metadata recursively and replaces the value of any key
// whose lowercase form contains one of the configured substrings, unless
// the key carries one of the allow suffixes (version identifiers are not
// secrets). The substring set is configuration, not a hard-coded rule.
type Redactor struct {
	substrings    []string
	allowSuffixes []string
}

// NewRedactor returns a redactor with the control-plane defaults.
func NewRedactor() *Redactor {
	return &Redactor{
		substrings:    []string{"secret", "enrollment_code", "token"},
		allowSuffixes: []string{"secret_version_id"},
	}
}

// NewRedactorWith builds a redactor from explicit substring and
// allow-suffix sets.
func NewRedactorWith(substrings, allowSuffixes []string) *Redactor {
	return &Redactor{substrings: substrings, allowSuffixes: allowSuffixes}
}

// Sanitize returns a sanitized deep copy of metadata. The input is never
// modified. Values that cannot be serialized are recovered by
// substituting the redaction literal.
func (r *Redactor) Sanitize(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out, _ := r.sanitizeMap(metadata).(map[string]any)
	return out
}

func (r *Redactor) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, suffix := range r.allowSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	for _, sub := range r.substrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

func (r *Redactor) sanitizeMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.sensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = r.sanitizeValue(v)
	}
	return out
}

func (r *Redactor) sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.sanitizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.sanitizeValue(item)
		}
		return out
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return val
	default:
		// Unexpected value shape: keep it only if it survives a JSON
		// round trip, otherwise substitute the redaction literal.
		raw, err := json.Marshal(val)
		if err != nil {
			return Redacted
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return Redacted
		}
		return r.sanitizeValue(decoded)
	}
}
