// Package security scrubs secret-like content from inbound message bodies
// before any part of them is logged. Raw bodies are never persisted, but
// counterpart emails routinely quote signup links, API keys for analytics
// dashboards, and auth headers from forwarded threads; none of that belongs
// in the daemon's log output either.
package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	authHeaderPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	trackedURLParam   = regexp.MustCompile(`(?i)([?&](?:token|auth|key|sig|signature)=)[^&\s]+`)
)

// RedactMessage replaces secret-like fragments of an inbound message with
// placeholder markers, keeping the rest of the text intact.
func RedactMessage(input string) string {
	if input == "" {
		return ""
	}
	out := kvSecretPattern.ReplaceAllStringFunc(input, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = authHeaderPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = trackedURLParam.ReplaceAllString(out, `${1}[REDACTED]`)
	return out
}
