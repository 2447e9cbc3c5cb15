// Package utils provides logging, redaction, and small shared helpers.
package utils

import (
	"regexp"
	"strings"
)

// maxSanitizeDepth bounds recursion over nested structures.
const maxSanitizeDepth = 10

// MaskToken replaces short sensitive values entirely.
const MaskToken = "***MASKED***"

var (
	jwtRegex    = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)?`)
	hexRegex    = regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`)
	bearerRegex = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	skKeyRegex  = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}\b`)
	emailRegex  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	secretRegexes = []*regexp.Regexp{jwtRegex, bearerRegex, skKeyRegex, hexRegex, emailRegex}
)

// sensitiveKeyTokens match against lowercased, punctuation-stripped key names.
var sensitiveKeyTokens = []string{
	"access", "refresh", "token", "authorization", "apikey",
	"secret", "password", "credential", "idtoken", "email", "accountid",
}

// MaskValue shortens a sensitive value: short values are fully masked,
// long values keep a 6-char prefix and 4-char suffix.
func MaskValue(s string) string {
	if len(s) <= 12 {
		return MaskToken
	}
	return s[:6] + "…" + s[len(s)-4:]
}

// RedactString scrubs secret-shaped substrings from s.
func RedactString(s string) string {
	for _, re := range secretRegexes {
		s = re.ReplaceAllStringFunc(s, MaskValue)
	}
	return s
}

// IsSensitiveKey reports whether a map key names a secret-bearing field.
func IsSensitiveKey(key string) bool {
	normalized := normalizeKey(key)
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(normalized, token) {
			return true
		}
	}
	return false
}

func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Sanitize deep-copies v with sensitive keys masked and secret-shaped strings
// scrubbed. Recursion is depth-bounded so cyclic structures cannot run away.
func Sanitize(v any) any {
	return sanitizeValue(v, 0)
}

func sanitizeValue(v any, depth int) any {
	if depth >= maxSanitizeDepth {
		return "[depth-limited]"
	}
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if IsSensitiveKey(k) {
				if s, ok := inner.(string); ok {
					out[k] = MaskValue(s)
				} else {
					out[k] = MaskToken
				}
				continue
			}
			out[k] = sanitizeValue(inner, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner, depth+1)
		}
		return out
	default:
		return val
	}
}
