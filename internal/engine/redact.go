package engine

import (
	"regexp"
	"strings"
)

const (
	redacted        = "[redacted]"
	maxAuditedValue = 512
)

var sensitiveKeys = []string{"token", "secret", "password", "passwd", "api_key", "apikey", "authorization", "credential", "private_key"}

var inlineSecrets = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b([A-Z0-9_]*(TOKEN|SECRET|PASSWORD|API_KEY)[A-Z0-9_]*)=\S+`), "$1=" + redacted},
	{regexp.MustCompile(`(?i)(--?(password|token|secret|api-key)[= ])\S+`), "${1}" + redacted},
	{regexp.MustCompile(`(?i)authorization:\s*bearer\s+\S+`), "authorization: Bearer " + redacted},
	{regexp.MustCompile(`(?i)https?://[^:@\s/]+:[^@\s]+@`), "https://" + redacted + "@"},
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), "[redacted private key]"},
}

// RedactInput returns a copy of a tool input safe to persist: values under
// sensitive keys are replaced, inline credentials in strings are masked, and
// long strings are truncated.
func RedactInput(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if sensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch typed := v.(type) {
	case string:
		return RedactString(typed)
	case map[string]any:
		return RedactInput(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

// RedactString masks inline credentials and truncates long text.
func RedactString(s string) string {
	for _, p := range inlineSecrets {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	if len(s) > maxAuditedValue {
		s = s[:maxAuditedValue] + "...(truncated)"
	}
	return s
}

func sensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, needle := range sensitiveKeys {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
