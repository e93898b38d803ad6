// Package handlers implements the work behind each task kind.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	orcherr "github.com/vinayprograms/orchestrator/errors"
	"github.com/vinayprograms/orchestrator/logging"
	"github.com/vinayprograms/orchestrator/milestone"
	"github.com/vinayprograms/orchestrator/spawner"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/tasks"
)

// Agent ids of the spawned helpers.
const (
	AgentDocSpecialist = "doc-specialist"
	AgentRedditHelper  = "reddit-helper"
	AgentSummarizer    = "summarizer"
)

// Emitter records a milestone for delivery.
type Emitter interface {
	Emit(ctx context.Context, ev state.MilestoneEvent) (string, bool)
}

// Deps are the collaborators handlers need.
type Deps struct {
	Store      *state.Store
	Agents     spawner.Runner
	Milestones Emitter
	Logger     *logging.Logger
	Now        func() time.Time
}

type set struct {
	Deps
}

// New builds the handler table for every kind.
func New(d Deps) tasks.HandlerTable {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	d.Logger = d.Logger.WithComponent("handlers")
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &set{Deps: d}
	return tasks.HandlerTable{
		Startup:        s.startup,
		Heartbeat:      s.heartbeat,
		DocSync:        s.docSync,
		RSSSweep:       s.rssSweep,
		RedditResponse: s.redditResponse,
		Summarize:      s.summarize,
		Milestone:      s.emitMilestone,
	}
}

func (s *set) now() time.Time {
	return s.Now().UTC()
}

func (s *set) startup(ctx context.Context, task state.Task) error {
	now := s.now()
	if err := s.Store.Update(func(st *state.OrchestratorState) error {
		st.LastStartedAt = &now
		return nil
	}); err != nil {
		return err
	}
	if s.Milestones != nil {
		s.Milestones.Emit(ctx, state.MilestoneEvent{
			MilestoneID: "orchestrator-online-" + task.ID,
			Scope:       "runtime",
			Claim:       "orchestrator online",
			Evidence:    []string{"startedAt=" + now.Format(time.RFC3339)},
			RiskStatus:  "on-track",
			NextAction:  "process queued tasks",
		})
	}
	return nil
}

func (s *set) heartbeat(ctx context.Context, task state.Task) error {
	now := s.now()
	return s.Store.Update(func(st *state.OrchestratorState) error {
		st.LastHeartbeatAt = &now
		return nil
	})
}

func (s *set) docSync(ctx context.Context, task state.Task) error {
	res, err := s.runAgent(ctx, AgentDocSpecialist, task, task.Payload)
	if err != nil {
		return err
	}
	return s.remember(AgentDocSpecialist, task.ID, res.Summary)
}

// rssItem is one feed entry in an rss-sweep payload.
type rssItem struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Link   string `json:"link"`
	Source string `json:"source"`
}

type rssSweepPayload struct {
	Items    []rssItem `json:"items"`
	Keywords []string  `json:"keywords"`
}

// rssSweep marks every new item seen and queues the ones matching the
// keywords (all of them when no keywords are given) for a reply draft.
func (s *set) rssSweep(ctx context.Context, task state.Task) error {
	var p rssSweepPayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return err
	}

	now := s.now()
	queued, skipped := 0, 0
	err := s.Store.Update(func(st *state.OrchestratorState) error {
		for _, it := range p.Items {
			id := it.ID
			if id == "" {
				id = it.Link
			}
			if id == "" || st.SeenRSS(id) {
				skipped++
				continue
			}
			st.RSSSeenIDs = append(st.RSSSeenIDs, id)
			if !matchesAny(it.Title, p.Keywords) {
				continue
			}
			st.RedditQueue = append(st.RedditQueue, state.RedditQueueItem{
				ID:       id,
				Title:    it.Title,
				Link:     it.Link,
				Source:   it.Source,
				QueuedAt: now,
			})
			queued++
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Logger.Info("rss sweep done", map[string]interface{}{
		"task_id": task.ID,
		"items":   len(p.Items),
		"queued":  queued,
		"skipped": skipped,
	})
	return nil
}

type redditPayload struct {
	Item *rssItem `json:"item"`
}

// redditResponse drafts a reply for the payload item, or for the oldest
// queued item. The queue entry is only removed once a draft exists, so a
// failed attempt retries the same post.
func (s *set) redditResponse(ctx context.Context, task state.Task) error {
	var p redditPayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return err
	}

	var item state.RedditQueueItem
	if p.Item != nil {
		item = state.RedditQueueItem{ID: p.Item.ID, Title: p.Item.Title, Link: p.Item.Link, Source: p.Item.Source}
	} else {
		found := false
		s.Store.View(func(st *state.OrchestratorState) {
			if len(st.RedditQueue) > 0 {
				item, found = st.RedditQueue[0], true
			}
		})
		if !found {
			s.Logger.Info("reddit queue empty", map[string]interface{}{"task_id": task.ID})
			return nil
		}
	}
	if item.ID == "" {
		return orcherr.InvalidInput("reddit-response item has no id")
	}

	res, err := s.runAgent(ctx, AgentRedditHelper, task, map[string]any{
		"item": map[string]any{
			"id":     item.ID,
			"title":  item.Title,
			"link":   item.Link,
			"source": item.Source,
		},
	})
	if err != nil {
		return err
	}
	draft := res.Summary
	if d, ok := res.Output["draft"].(string); ok && d != "" {
		draft = d
	}
	if strings.TrimSpace(draft) == "" {
		return orcherr.New(orcherr.ErrCodeAgentFailed, "reddit-helper returned an empty draft")
	}

	now := s.now()
	return s.Store.Update(func(st *state.OrchestratorState) error {
		kept := st.RedditQueue[:0]
		for _, q := range st.RedditQueue {
			if q.ID != item.ID {
				kept = append(kept, q)
			}
		}
		st.RedditQueue = kept
		st.RedditDrafts = append(st.RedditDrafts, state.RedditDraft{
			ItemID:    item.ID,
			TaskID:    task.ID,
			Draft:     draft,
			CreatedAt: now,
		})
		st.Remember(AgentRedditHelper, state.AgentMemoryEntry{TaskID: task.ID, At: now, Summary: "drafted reply for " + item.ID})
		return nil
	})
}

func (s *set) summarize(ctx context.Context, task state.Task) error {
	if len(task.Payload) == 0 {
		return orcherr.InvalidInput("summarize needs a payload to summarize")
	}
	res, err := s.runAgent(ctx, AgentSummarizer, task, task.Payload)
	if err != nil {
		return err
	}
	return s.remember(AgentSummarizer, task.ID, res.Summary)
}

// milestone emits the payload as a milestone event. A payload that is not
// a valid event fails the task without retry.
func (s *set) emitMilestone(ctx context.Context, task state.Task) error {
	var ev state.MilestoneEvent
	if err := decodePayload(task.Payload, &ev); err != nil {
		return orcherr.Wrap(err, "malformed milestone payload", orcherr.WithRetryable(false))
	}
	if err := milestone.Validate(ev); err != nil {
		return orcherr.Wrap(err, "malformed milestone event", orcherr.WithRetryable(false))
	}
	if s.Milestones == nil {
		return orcherr.Internal("milestone pipeline not wired")
	}
	key, ok := s.Milestones.Emit(ctx, ev)
	if !ok {
		return orcherr.InvalidInput("milestone event rejected", orcherr.WithRetryable(false))
	}
	s.Logger.Debug("milestone emitted", map[string]interface{}{
		"task_id":         task.ID,
		"milestone_id":    ev.MilestoneID,
		"idempotency_key": key,
	})
	return nil
}

func (s *set) runAgent(ctx context.Context, agentID string, task state.Task, payload map[string]any) (spawner.Result, error) {
	if s.Agents == nil {
		return spawner.Result{}, orcherr.Internal("agent runner not wired")
	}
	return s.Agents.Run(ctx, spawner.Request{
		AgentID:  agentID,
		TaskID:   task.ID,
		TaskType: task.Type,
		Payload:  payload,
	})
}

func (s *set) remember(agentID, taskID, summary string) error {
	now := s.now()
	return s.Store.Update(func(st *state.OrchestratorState) error {
		st.Remember(agentID, state.AgentMemoryEntry{TaskID: taskID, At: now, Summary: summary})
		return nil
	})
}

func decodePayload(payload map[string]any, v any) error {
	if len(payload) == 0 {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return orcherr.InvalidInput("payload is not JSON: " + err.Error())
	}
	if err := json.Unmarshal(b, v); err != nil {
		return orcherr.InvalidInput(fmt.Sprintf("payload does not match %T: %v", v, err))
	}
	return nil
}

func matchesAny(title string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(title)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
