package shared

import (
	"regexp"
	"strings"
)

// Placeholder substituted for secret material in log output.
const Redacted = "[REDACTED]"

// tokenPattern matches the credential shapes this daemon handles: the
// gateway bearer token, remote endpoint tokens from config, and raw
// Authorization header values.
var tokenPattern = regexp.MustCompile(
	`(?i)((?:auth[_-]?token|gateway[_-]?token|api[_-]?key|secret[_-]?key|token|secret)\s*[:=]\s*"?|Bearer\s+)([A-Za-z0-9_\-./+=]{16,}|[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`)

// Redact masks credential values in s, keeping the surrounding prefix so
// log lines stay readable.
func Redact(s string) string {
	if s == "" || !strings.ContainsAny(s, ":= ") {
		return s
	}
	return tokenPattern.ReplaceAllString(s, "${1}"+Redacted)
}

// SensitiveKey reports whether a structured-log attribute key should have
// its value masked regardless of content.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, marker := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
