// Package redact masks secret-shaped substrings out of text before it is
// logged or handed to a parser. No library in the example corpus implements
// this; the patterns below are a from-scratch, table-driven port of the
// secret shapes the corpus's own redaction test suite exercises (explicit
// literal secrets plus provider API-key, PAT, and JWT shapes).
package redact

import "regexp"

// Marker replaces every redacted span.
const Marker = "[REDACTED]"

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`glpat-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`[Bb]earer\s+[A-Za-z0-9._-]{10,}`),
}

// Redactor masks a fixed set of known secret values plus pattern-matched
// secret shapes (provider API keys, GitHub/GitLab tokens, JWTs).
type Redactor struct {
	literal *regexp.Regexp
}

// New builds a Redactor that also masks each of the given literal secrets,
// in addition to the built-in pattern set. Empty and whitespace-only entries
// are ignored.
func New(secrets []string) *Redactor {
	var parts []string
	for _, s := range secrets {
		if len(trimSpace(s)) == 0 {
			continue
		}
		parts = append(parts, regexp.QuoteMeta(s))
	}
	r := &Redactor{}
	if len(parts) > 0 {
		joined := parts[0]
		for _, p := range parts[1:] {
			joined += "|" + p
		}
		r.literal = regexp.MustCompile(joined)
	}
	return r
}

// Redact returns input with every recognized secret span replaced by Marker.
func (r *Redactor) Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	if r.literal != nil {
		out = r.literal.ReplaceAllString(out, Marker)
	}
	for _, p := range patterns {
		out = p.ReplaceAllString(out, Marker)
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
