// Package redact masks personal data and secrets before they reach log
// output. Callers decide whether to apply it; the functions themselves are
// unconditional.
package redact

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// Text masks emails and phone numbers in transcript or generation text.
func Text(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Secret masks an API key or token, keeping a short suffix for correlation.
func Secret(in string) string {
	if len(in) <= 4 {
		return strings.Repeat("*", len(in))
	}
	return "****" + in[len(in)-4:]
}
