// Package guardrail checks shell commands against pattern-based policies
// before they reach a backend.
//
// The engine is stateless: Check takes the command and the effective policy
// set and returns a Decision. A CRITICAL match blocks; anything lower is
// reported as an advisory and the command proceeds.
package guardrail

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Severity orders how seriously a policy match is treated.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "severity(" + strconv.Itoa(int(s)) + ")"
	}
}

// Policy is a named group of case-insensitive command patterns.
type Policy struct {
	ID          string
	Description string
	Severity    Severity
	Enabled     bool
	Patterns    []*regexp.Regexp
}

// Advisory records a non-blocking policy match.
type Advisory struct {
	PolicyID    string `json:"policyId"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Decision is the outcome of checking one command.
type Decision struct {
	Allowed    bool
	PolicyID   string
	Message    string
	Advisories []Advisory
}

// Check evaluates command against every enabled policy in order. The first
// critical match wins and no further policies are evaluated.
func Check(command string, policies []Policy) Decision {
	d := Decision{Allowed: true}
	if strings.TrimSpace(command) == "" {
		return d
	}
	for _, p := range policies {
		if !p.Enabled || !p.matches(command) {
			continue
		}
		if p.Severity == Critical {
			return Decision{
				Allowed:  false,
				PolicyID: p.ID,
				Message:  fmt.Sprintf("Command blocked by guardrail %q: %s", p.ID, p.Description),
			}
		}
		d.Advisories = append(d.Advisories, Advisory{
			PolicyID:    p.ID,
			Severity:    p.Severity.String(),
			Description: p.Description,
		})
	}
	return d
}

func (p Policy) matches(command string) bool {
	for _, re := range p.Patterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// ParseConfig parses "policyId:enabled" pairs separated by newlines or
// commas. Blank entries are skipped; malformed ones are an error.
func ParseConfig(s string) (map[string]bool, error) {
	out := make(map[string]bool)
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ',' })
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || strings.HasPrefix(f, "#") {
			continue
		}
		id, val, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("guardrail entry %q: want policyId:enabled", f)
		}
		enabled, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("guardrail entry %q: %w", f, err)
		}
		out[strings.TrimSpace(id)] = enabled
	}
	return out, nil
}

// Effective merges user overrides over the default policy set. Ids that do
// not name a built-in policy are ignored; the set is not user-extensible.
func Effective(overrides map[string]bool) []Policy {
	policies := Defaults()
	for i := range policies {
		if enabled, ok := overrides[policies[i].ID]; ok {
			policies[i].Enabled = enabled
		}
	}
	return policies
}

// Unknown returns override ids that match no built-in policy, sorted.
func Unknown(overrides map[string]bool) []string {
	known := make(map[string]bool)
	for _, p := range Defaults() {
		known[p.ID] = true
	}
	var ids []string
	for id := range overrides {
		if !known[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Load parses a guardrail config string and returns the effective policies.
func Load(configString string) ([]Policy, error) {
	overrides, err := ParseConfig(configString)
	if err != nil {
		return nil, err
	}
	return Effective(overrides), nil
}
