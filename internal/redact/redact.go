// Package redact scrubs sensitive header values before a flow is written to
// a diagnostic log line. It never touches what is sent to the client or
// upstream — only what this process logs about a flow.
package redact

import (
	"regexp"
	"strings"

	"github.com/kewlzin/lokiproxy/internal/config"
	"github.com/kewlzin/lokiproxy/internal/message"
)

// RedactedValue replaces the value of a redacted header.
const RedactedValue = "[REDACTED]"

// Redactor holds the compiled pattern list derived from a RedactionConfig.
type Redactor struct {
	always   map[string]struct{}
	patterns []*regexp.Regexp
}

// New compiles cfg's header redaction rules. An invalid pattern is skipped
// rather than failing the whole configuration, since a single typo in one
// pattern shouldn't disable logging entirely.
func New(cfg config.RedactionConfig) *Redactor {
	r := &Redactor{always: make(map[string]struct{}, len(cfg.AlwaysRedactHeaders))}
	for _, name := range cfg.AlwaysRedactHeaders {
		r.always[strings.ToLower(name)] = struct{}{}
	}
	for _, pattern := range cfg.PatternRedactHeaders {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	return r
}

// ForLog returns a copy of headers safe to pass to a logger: values for any
// header matching the always-redact list or a pattern are replaced with
// RedactedValue.
func (r *Redactor) ForLog(headers message.Headers) message.Headers {
	out := headers.Clone()
	for i := range out {
		if r.shouldRedact(out[i].Name) {
			out[i].Value = RedactedValue
		}
	}
	return out
}

func (r *Redactor) shouldRedact(name string) bool {
	if _, ok := r.always[strings.ToLower(name)]; ok {
		return true
	}
	for _, pattern := range r.patterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}
