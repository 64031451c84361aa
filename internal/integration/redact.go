package integration

import "strings"

const redacted = "[REDACTED]"

var sensitiveKeys = []string{"password", "secret", "token", "api_key", "apikey", "authorization", "credential"}

func sensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of snapshot with sensitive keys masked and every
// occurrence of the given secret values scrubbed from string values.
func Redact(snapshot map[string]any, secrets ...string) map[string]any {
	if snapshot == nil {
		return nil
	}
	out := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		if sensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, secrets)
	}
	return out
}

func redactValue(v any, secrets []string) any {
	switch t := v.(type) {
	case string:
		return RedactString(t, secrets...)
	case map[string]any:
		return Redact(t, secrets...)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = redactValue(t[i], secrets)
		}
		return cp
	case []string:
		cp := make([]string, len(t))
		for i := range t {
			cp[i] = RedactString(t[i], secrets...)
		}
		return cp
	default:
		return v
	}
}

func RedactString(s string, secrets ...string) string {
	for _, secret := range secrets {
		if len(secret) < 3 {
			continue
		}
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}
