// Package approval parks tasks that need operator sign-off and replays
// them once approved.
package approval

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is what a policy rule demands.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionRequire Action = "require"
)

// Match narrows a rule to a payload shape. All conditions must hold.
type Match struct {
	// Payload fields that must equal the given values.
	Payload map[string]any `yaml:"payload"`

	// RequireFields must be present in the payload.
	RequireFields []string `yaml:"require_fields"`
}

// Rule is one policy entry. TaskType "*" matches every type.
type Rule struct {
	Name     string `yaml:"name"`
	TaskType string `yaml:"task_type"`
	Action   Action `yaml:"action"` // allow|require, default require
	Reason   string `yaml:"reason"`
	Match    Match  `yaml:"match"`
}

// Policy decides which tasks need approval. The first matching rule wins;
// otherwise DefaultAction applies.
type Policy struct {
	DefaultAction Action `yaml:"default_action"` // allow|require
	Rules         []Rule `yaml:"rules"`
}

// DefaultPolicy is used when no policy file is configured: public Reddit
// replies need sign-off, everything else runs.
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultAction: ActionAllow,
		Rules: []Rule{{
			Name:     "reddit-public-reply",
			TaskType: "reddit-response",
			Action:   ActionRequire,
			Reason:   "public reply requires operator approval",
		}},
	}
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read approval policy: %w", err)
	}
	return ParsePolicy(b)
}

// ParsePolicy parses YAML policy content.
func ParsePolicy(b []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse approval policy: %w", err)
	}
	p.DefaultAction = normalizeAction(p.DefaultAction)
	if p.DefaultAction == "" {
		p.DefaultAction = ActionAllow
	}
	for i := range p.Rules {
		p.Rules[i].Action = normalizeAction(p.Rules[i].Action)
		if p.Rules[i].Action == "" {
			p.Rules[i].Action = ActionRequire
		}
	}
	return &p, nil
}

// Evaluate reports whether a task of the given type and payload requires
// approval, and why.
func (p *Policy) Evaluate(taskType string, payload map[string]any) (bool, string) {
	for _, r := range p.Rules {
		if !r.matches(taskType, payload) {
			continue
		}
		if r.Action == ActionAllow {
			return false, ""
		}
		reason := r.Reason
		if reason == "" {
			reason = fmt.Sprintf("approval required by rule %q", r.Name)
		}
		return true, reason
	}
	if p.DefaultAction == ActionRequire {
		return true, "approval required by default policy"
	}
	return false, ""
}

func (r Rule) matches(taskType string, payload map[string]any) bool {
	if r.TaskType != "" && r.TaskType != "*" && r.TaskType != taskType {
		return false
	}
	for _, f := range r.Match.RequireFields {
		if _, ok := payload[f]; !ok {
			return false
		}
	}
	for k, want := range r.Match.Payload {
		got, ok := payload[k]
		if !ok {
			return false
		}
		// YAML decodes ints where JSON payloads carry float64.
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func normalizeAction(a Action) Action {
	switch Action(strings.ToLower(strings.TrimSpace(string(a)))) {
	case ActionAllow:
		return ActionAllow
	case ActionRequire, "require_approval", "deny":
		return ActionRequire
	default:
		return ""
	}
}
