// Package rules implements the rules engine: an ordered list of declarative
// match/action pairs applied to a request or response as it passes through
// the connection handler (spec §4.3).
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kewlzin/lokiproxy/internal/message"
)

// Phase identifies which leg of a transaction a rule applies to.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Match is the set of conditions a rule tests before its action applies.
// A zero-value field is not tested (matches everything).
type Match struct {
	URLRegex string `yaml:"url_regex"`
	Method   string `yaml:"method"`
	Status   *int   `yaml:"status"` // response phase only

	compiled *regexp.Regexp
}

// MockResponse short-circuits the upstream fetch for a request-phase rule,
// substituting a synthetic response (spec §4.3 step "mock_response").
type MockResponse struct {
	Status  int               `yaml:"status"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
}

// Action is the ordered set of transformations a matching rule applies.
// Within one rule, actions are applied in the fixed order: rewrite_url,
// set_headers, remove_headers, then body replacement; mock_response (request
// phase only) short-circuits the upstream fetch but not response-phase rule
// evaluation. SetRequestBody only takes effect during the request phase and
// SetResponseBody only during the response phase, regardless of which phase
// a given rule is declared "on" — mirroring the two distinct body fields in
// the rules document schema.
type Action struct {
	RewriteURL      string            `yaml:"rewrite_url"`
	SetHeaders      map[string]string `yaml:"set_headers"`
	RemoveHeaders   []string          `yaml:"remove_headers"`
	SetRequestBody  string            `yaml:"set_request_body"`
	SetResponseBody string            `yaml:"set_response_body"`
	MockResponse    *MockResponse     `yaml:"mock_response"`
}

// Rule is one ordered entry in a Ruleset.
type Rule struct {
	Name    string `yaml:"name"`
	On      Phase  `yaml:"on"`
	Match   Match  `yaml:"match"`
	Action  Action `yaml:"action"`
	Enabled bool   `yaml:"enabled"`
}

// ruleAlias mirrors Rule but lets Enabled default to true when the YAML
// document omits it entirely (plain bool unmarshaling would default false).
type ruleAlias struct {
	Name    string `yaml:"name"`
	On      Phase  `yaml:"on"`
	Match   Match  `yaml:"match"`
	Action  Action `yaml:"action"`
	Enabled *bool  `yaml:"enabled"`
}

// UnmarshalYAML implements custom defaulting for the Enabled field.
func (r *Rule) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var a ruleAlias
	if err := unmarshal(&a); err != nil {
		return err
	}
	r.Name = a.Name
	r.On = a.On
	r.Match = a.Match
	r.Action = a.Action
	if a.Enabled == nil {
		r.Enabled = true
	} else {
		r.Enabled = *a.Enabled
	}
	return nil
}

// Ruleset is an ordered list of rules, evaluated top to bottom.
type Ruleset struct {
	Rules []Rule `yaml:"rules"`
}

// Validate compiles every rule's url_regex, failing on the first invalid
// pattern. A rules document (or an ApplyRules command) with an invalid
// regex must be rejected at ingest rather than accepted with a predicate
// that silently matches everything (spec §7, "Rule-document invalid").
func (rs Ruleset) Validate() error {
	for i := range rs.Rules {
		if _, err := rs.Rules[i].Match.regex(); err != nil {
			name := rs.Rules[i].Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return fmt.Errorf("rule %q: %w", name, err)
		}
	}
	return nil
}

// regex lazily compiles and caches a rule's URL regex.
func (m *Match) regex() (*regexp.Regexp, error) {
	if m.URLRegex == "" {
		return nil, nil
	}
	if m.compiled == nil {
		re, err := regexp.Compile(m.URLRegex)
		if err != nil {
			return nil, fmt.Errorf("compiling url_regex %q: %w", m.URLRegex, err)
		}
		m.compiled = re
	}
	return m.compiled, nil
}

func (m *Match) matches(phase Phase, url, method string, status int) bool {
	re, err := m.regex()
	if err != nil {
		// An invalid regex should have been rejected at ingest (Ruleset.Validate);
		// if one slipped through, fail closed rather than matching every URL.
		return false
	}
	if re != nil && !re.MatchString(url) {
		return false
	}
	if m.Method != "" && !strings.EqualFold(m.Method, method) {
		return false
	}
	if phase == PhaseResponse && m.Status != nil && *m.Status != status {
		return false
	}
	return true
}

// Mock is the synthetic response produced when a request-phase rule's
// mock_response action fires.
type Mock struct {
	Status  int
	Headers message.Headers
	Body    []byte
}

// Apply evaluates ruleset against one message in the given phase, returning
// the (possibly rewritten) URL, headers, and body, plus a non-nil Mock if a
// request-phase rule short-circuited the upstream fetch.
//
// Rules are evaluated in order; every enabled, matching rule's action is
// applied cumulatively (later rules see earlier rules' edits). A
// mock_response action only takes effect during the request phase and only
// ends rule evaluation for that phase — the eventual response (mocked or
// fetched) still passes through the response-phase Apply call.
func Apply(phase Phase, url, method string, status int, headers message.Headers, body []byte, rs Ruleset) (string, message.Headers, []byte, *Mock) {
	headers = headers.Clone()
	body = append([]byte(nil), body...)

	for _, rule := range rs.Rules {
		if !rule.Enabled || rule.On != phase {
			continue
		}
		if !rule.Match.matches(phase, url, method, status) {
			continue
		}

		if rule.Action.RewriteURL != "" {
			url = rule.Action.RewriteURL
		}
		for name, value := range rule.Action.SetHeaders {
			headers.Set(name, value)
		}
		for _, name := range rule.Action.RemoveHeaders {
			headers.Del(name)
		}
		if phase == PhaseRequest && rule.Action.SetRequestBody != "" {
			body = []byte(rule.Action.SetRequestBody)
		}
		if phase == PhaseResponse && rule.Action.SetResponseBody != "" {
			body = []byte(rule.Action.SetResponseBody)
		}

		if phase == PhaseRequest && rule.Action.MockResponse != nil {
			mockHeaders := make(message.Headers, 0, len(rule.Action.MockResponse.Headers))
			for name, value := range rule.Action.MockResponse.Headers {
				mockHeaders.Set(name, value)
			}
			mock := &Mock{
				Status:  rule.Action.MockResponse.Status,
				Headers: mockHeaders.Titlecase(),
				Body:    []byte(rule.Action.MockResponse.Body),
			}
			return url, headers.Titlecase(), body, mock
		}
	}

	return url, headers.Titlecase(), body, nil
}

// Engine guards a Ruleset behind a mutex so the connection handler's phase
// evaluation (readers) and the event bus's ApplyRules command (the writer)
// never race: each phase evaluation takes a snapshot at entry so a
// mid-phase replacement never tears a single Apply call (spec §9 "Mutable
// shared state").
type Engine struct {
	mu      sync.RWMutex
	ruleset Ruleset
}

// NewEngine returns an Engine holding rs.
func NewEngine(rs Ruleset) *Engine {
	return &Engine{ruleset: rs}
}

// Snapshot returns the current ruleset, safe to use for one full Apply call.
func (e *Engine) Snapshot() Ruleset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ruleset
}

// Replace atomically swaps in a new ruleset (the ApplyRules command, §4.7).
// An invalid ruleset (e.g. a bad url_regex) is rejected and the previously
// active ruleset remains in effect, per spec §7 "Rule-document invalid".
func (e *Engine) Replace(rs Ruleset) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ruleset = rs
	return nil
}
