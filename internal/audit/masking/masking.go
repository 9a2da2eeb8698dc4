package masking

import (
	"bytes"
	"encoding/json"
	"strings"
)

const maskToken = "****"

var sensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"authorization",
	"api_key",
	"apikey",
}

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// IsSensitiveKey reports whether a JSON key names a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// MaskSensitive returns a copy of value with every string under a sensitive
// key masked. Other values are returned as they are.
func MaskSensitive(value any) any {
	switch cast := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(cast))
		for key, item := range cast {
			if IsSensitiveKey(key) {
				out[key] = maskAll(item)
				continue
			}
			out[key] = MaskSensitive(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, MaskSensitive(item))
		}
		return out
	default:
		return value
	}
}

// MaskBody masks a raw JSON body. Bodies that do not parse are returned
// unchanged.
func MaskBody(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil || dec.More() {
		return string(raw)
	}
	masked, err := json.Marshal(MaskSensitive(decoded))
	if err != nil {
		return string(raw)
	}
	return string(masked)
}

func maskAll(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case map[string]any:
		out := make(map[string]any, len(cast))
		for key, item := range cast {
			out[key] = maskAll(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskAll(item))
		}
		return out
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
