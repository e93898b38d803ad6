// Package toolgate decides which spawned agent may run which task type and
// enforces per-skill call quotas.
//
// The task engine calls both checks before a permissioned handler runs;
// any denial is fatal for the task.
package toolgate

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ModePreflight is the only skill mode the engine issues.
const ModePreflight = "preflight"

// Decision is the answer to CanExecuteTask.
type Decision struct {
	Allowed bool
	Reason  string
}

// SkillRequest describes a skill invocation.
type SkillRequest struct {
	Mode     string
	TaskType string
}

// SkillResult is the answer to ExecuteSkill.
type SkillResult struct {
	Success bool
	Error   string
}

// Gate is the permission collaborator consulted by the engine.
type Gate interface {
	CanExecuteTask(agentID, taskType string) Decision
	ExecuteSkill(ctx context.Context, agentID, skillID string, req SkillRequest) SkillResult
}

// AgentPolicy lists what one agent may do.
type AgentPolicy struct {
	AllowedTasks []string `toml:"allowed_tasks"`
	Skills       []string `toml:"skills"`
}

// SkillPolicy is the call quota for one skill. Zero Calls means unlimited.
type SkillPolicy struct {
	Calls  int           `toml:"calls"`
	Window time.Duration `toml:"window"`
}

// Manifest is the TOML document configuring the local gate.
//
//	[agents.doc-specialist]
//	allowed_tasks = ["doc-sync"]
//	skills = ["documentParser"]
//
//	[skills.documentParser]
//	calls = 100
//	window = "1h"
type Manifest struct {
	Agents map[string]AgentPolicy `toml:"agents"`
	Skills map[string]SkillPolicy `toml:"skills"`
}

// LoadManifest reads a manifest from a TOML file.
func LoadManifest(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read toolgate manifest: %w", err)
	}
	return ParseManifest(string(content))
}

// ParseManifest parses a manifest from TOML content.
func ParseManifest(content string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(content, &m); err != nil {
		return nil, fmt.Errorf("failed to parse toolgate manifest: %w", err)
	}
	if m.Agents == nil {
		m.Agents = make(map[string]AgentPolicy)
	}
	if m.Skills == nil {
		m.Skills = make(map[string]SkillPolicy)
	}
	return &m, nil
}

// LocalGate enforces a Manifest in process.
type LocalGate struct {
	manifest *Manifest
	quotas   *Quotas
}

// NewLocalGate builds a gate from a manifest. A nil manifest denies every
// agent, so a missing manifest file fails closed.
func NewLocalGate(m *Manifest) *LocalGate {
	if m == nil {
		m = &Manifest{Agents: map[string]AgentPolicy{}, Skills: map[string]SkillPolicy{}}
	}
	q := NewQuotas()
	for skill, p := range m.Skills {
		q.SetCapacity(skill, p.Calls, p.Window)
	}
	return &LocalGate{manifest: m, quotas: q}
}

// CanExecuteTask reports whether agentID is allowed to run taskType.
func (g *LocalGate) CanExecuteTask(agentID, taskType string) Decision {
	agent, ok := g.manifest.Agents[agentID]
	if !ok {
		return Decision{Reason: fmt.Sprintf("agent %q is not registered", agentID)}
	}
	if !contains(agent.AllowedTasks, taskType) {
		return Decision{Reason: fmt.Sprintf("agent %q may not run %q tasks", agentID, taskType)}
	}
	return Decision{Allowed: true}
}

// ExecuteSkill performs a preflight for one skill call, consuming quota.
func (g *LocalGate) ExecuteSkill(ctx context.Context, agentID, skillID string, req SkillRequest) SkillResult {
	if err := ctx.Err(); err != nil {
		return SkillResult{Error: err.Error()}
	}
	if req.Mode != ModePreflight {
		return SkillResult{Error: fmt.Sprintf("unsupported skill mode %q", req.Mode)}
	}
	agent, ok := g.manifest.Agents[agentID]
	if !ok {
		return SkillResult{Error: fmt.Sprintf("agent %q is not registered", agentID)}
	}
	if !contains(agent.Skills, skillID) {
		return SkillResult{Error: fmt.Sprintf("agent %q may not use skill %q", agentID, skillID)}
	}
	if _, limited := g.manifest.Skills[skillID]; limited && !g.quotas.TryAcquire(skillID) {
		return SkillResult{Error: fmt.Sprintf("skill %q call quota exhausted", skillID)}
	}
	return SkillResult{Success: true}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s || v == "*" {
			return true
		}
	}
	return false
}

var _ Gate = (*LocalGate)(nil)
