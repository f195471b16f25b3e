package logging

import (
	"fmt"
	"regexp"
)

// Redactor redacts credentials from log fields.
type Redactor struct {
	patterns []*redactPattern
}

// redactPattern contains a compiled regex and replacement string.
type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor creates a new Redactor with the built-in credential patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

// addDefaultPatterns adds built-in credential redaction patterns.
func (r *Redactor) addDefaultPatterns() {
	patterns := []struct {
		name        string
		regex       string
		replacement string
	}{
		// Upstream and client API keys (sk- style or key=value style).
		{
			name:        "api_key",
			regex:       `(sk-[a-zA-Z0-9_-]{8,}|api[-_]?key[-_:=]\s*[a-zA-Z0-9_-]{8,})`,
			replacement: "sk-***",
		},
		// Bearer tokens in Authorization headers or error messages.
		{
			name:        "bearer_token",
			regex:       `(?i)(bearer\s+)[a-zA-Z0-9._~+/-]{8,}=*`,
			replacement: "${1}***",
		},
		// OAuth access / refresh tokens serialized into messages.
		{
			name:        "oauth_token",
			regex:       `(?i)((?:access|refresh)_token["'=:\s]+)[a-zA-Z0-9._~+/-]{8,}=*`,
			replacement: "${1}***",
		},
	}

	for _, p := range patterns {
		r.patterns = append(r.patterns, &redactPattern{
			name:        p.name,
			regex:       regexp.MustCompile(p.regex),
			replacement: p.replacement,
		})
	}
}

// RedactString redacts credentials from a single string.
func (r *Redactor) RedactString(s string) string {
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// RedactArgs redacts credentials from slog-style key/value argument pairs.
// String values are redacted in place; errors are re-rendered as redacted
// strings so wrapped upstream errors cannot leak a key.
func (r *Redactor) RedactArgs(args ...any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			out[i] = r.RedactString(v)
		case error:
			if v != nil {
				out[i] = r.RedactString(v.Error())
			} else {
				out[i] = v
			}
		case fmt.Stringer:
			out[i] = r.RedactString(v.String())
		default:
			out[i] = arg
		}
	}
	return out
}
