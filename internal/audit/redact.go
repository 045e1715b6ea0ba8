package audit

import "strings"

// Replacement substitutes redacted values.
const Replacement = "[REDACTED]"

// denyPatterns are matched case-insensitively against evidence key names.
var denyPatterns = []string{
	"token", "secret", "password", "credential", "authorization", "api_key", "apikey",
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range denyPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// RedactEvidence returns a copy of the payload with values of sensitive
// keys replaced. The input is never mutated.
func RedactEvidence(evidence map[string]string) map[string]string {
	if len(evidence) == 0 {
		return evidence
	}
	out := make(map[string]string, len(evidence))
	for k, v := range evidence {
		if sensitiveKey(k) {
			out[k] = Replacement
		} else {
			out[k] = v
		}
	}
	return out
}

// RedactMessage scrubs known secret values from a free-form message. Used
// on error strings before they are persisted or surfaced to callers.
func RedactMessage(msg string, secrets []string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, s, Replacement)
	}
	return msg
}
