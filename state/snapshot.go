package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorrupt is returned alongside a default state when the snapshot
// exists but cannot be decoded.
var ErrCorrupt = errors.New("state snapshot corrupt")

// Limits caps the bounded collections of the aggregate.
type Limits struct {
	TaskHistory  int `toml:"task_history"`
	RedditQueue  int `toml:"reddit_queue"`
	RedditDrafts int `toml:"reddit_drafts"`
	RSSSeenIDs   int `toml:"rss_seen_ids"`
	AgentMemory  int `toml:"agent_memory"`

	// TerminalMilestones caps delivered/duplicate/rejected/dead-letter
	// records. Pending and retrying records are never dropped.
	TerminalMilestones int `toml:"terminal_milestones"`
}

// DefaultLimits returns the caps used when config leaves them unset.
func DefaultLimits() Limits {
	return Limits{
		TaskHistory:        50,
		RedditQueue:        100,
		RedditDrafts:       50,
		RSSSeenIDs:         500,
		AgentMemory:        100,
		TerminalMilestones: 200,
	}
}

// withDefaults replaces non-positive caps with defaults.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.TaskHistory <= 0 {
		l.TaskHistory = d.TaskHistory
	}
	if l.RedditQueue <= 0 {
		l.RedditQueue = d.RedditQueue
	}
	if l.RedditDrafts <= 0 {
		l.RedditDrafts = d.RedditDrafts
	}
	if l.RSSSeenIDs <= 0 {
		l.RSSSeenIDs = d.RSSSeenIDs
	}
	if l.AgentMemory <= 0 {
		l.AgentMemory = d.AgentMemory
	}
	if l.TerminalMilestones <= 0 {
		l.TerminalMilestones = d.TerminalMilestones
	}
	return l
}

// Load reads the snapshot at path. It always returns a usable state: a
// missing file yields defaults and a nil error, an unreadable or corrupt
// file yields defaults and an error wrapping ErrCorrupt for the caller to log.
func Load(path string) (*OrchestratorState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewState(), nil
		}
		return NewState(), fmt.Errorf("%w: read %s: %v", ErrCorrupt, path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewState(), nil
	}

	st := &OrchestratorState{}
	if err := json.Unmarshal(data, st); err != nil {
		return NewState(), fmt.Errorf("%w: decode %s: %v", ErrCorrupt, path, err)
	}
	st.ensure()
	// Drop entries that an interrupted write or a manual edit left empty.
	for key, rec := range st.TaskExecutions {
		if rec == nil {
			delete(st.TaskExecutions, key)
		}
	}
	return st, nil
}

// Save trims st to limits and overwrites the snapshot at path. The file is
// written to a temp sibling and renamed into place.
func Save(path string, st *OrchestratorState, limits Limits) error {
	st.Trim(limits)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Trim truncates every bounded collection to its cap, oldest first.
func (st *OrchestratorState) Trim(limits Limits) {
	limits = limits.withDefaults()
	st.ensure()

	st.TaskHistory = tail(st.TaskHistory, limits.TaskHistory)
	st.RedditQueue = tail(st.RedditQueue, limits.RedditQueue)
	st.RedditDrafts = tail(st.RedditDrafts, limits.RedditDrafts)
	st.RSSSeenIDs = tail(st.RSSSeenIDs, limits.RSSSeenIDs)
	for agent, timeline := range st.AgentMemory {
		st.AgentMemory[agent] = tail(timeline, limits.AgentMemory)
	}
	st.Milestones = trimMilestones(st.Milestones, limits.TerminalMilestones)
}

// tail keeps the newest n elements of s.
func tail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	out := make([]T, n)
	copy(out, s[len(s)-n:])
	return out
}

func trimMilestones(records []*MilestoneDeliveryRecord, maxTerminal int) []*MilestoneDeliveryRecord {
	terminal := 0
	for _, r := range records {
		if r.Status.IsTerminal() {
			terminal++
		}
	}
	drop := terminal - maxTerminal
	if drop <= 0 {
		return records
	}
	out := make([]*MilestoneDeliveryRecord, 0, len(records)-drop)
	for _, r := range records {
		if drop > 0 && r.Status.IsTerminal() {
			drop--
			continue
		}
		out = append(out, r)
	}
	return out
}
