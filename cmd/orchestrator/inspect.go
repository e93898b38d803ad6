package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/orchestrator/state"
)

var inspectSections = []string{"summary", "executions", "history", "approvals", "milestones", "retries", "reddit", "memory", "all"}

var inspectCmd = &cobra.Command{
	Use:       "inspect [section]",
	Short:     "Print the persisted state snapshot",
	Long:      "Print the state snapshot without starting the orchestrator.\nSections: summary (default), executions, history, approvals, milestones, retries, reddit, memory, all.",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: inspectSections,
	RunE:      runInspect,
}

var inspectStatePath string

func init() {
	inspectCmd.Flags().StringVar(&inspectStatePath, "state", "", "snapshot path (default: state.path from config)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := inspectStatePath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.State.Path
	}
	st, err := state.Load(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	section := "summary"
	if len(args) == 1 {
		section = args[0]
	}
	out := cmd.OutOrStdout()

	switch section {
	case "summary":
		return printSummary(out, path, st)
	case "executions":
		return printJSON(out, st.TaskExecutions)
	case "history":
		return printJSON(out, st.TaskHistory)
	case "approvals":
		return printJSON(out, st.Approvals)
	case "milestones":
		return printJSON(out, st.Milestones)
	case "retries":
		return printJSON(out, st.PendingRetries)
	case "reddit":
		return printJSON(out, map[string]any{"queue": st.RedditQueue, "drafts": st.RedditDrafts})
	case "memory":
		return printJSON(out, st.AgentMemory)
	case "all":
		return printJSON(out, st)
	}
	return fmt.Errorf("unknown section %q (want one of %v)", section, inspectSections)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, path string, st *state.OrchestratorState) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "%s\t%v\n", k, v) }

	row("snapshot", path)
	row("saved at", fmtTime(&st.SavedAt))
	row("last started", fmtTime(st.LastStartedAt))
	row("last heartbeat", fmtTime(st.LastHeartbeatAt))
	row("tasks processed", st.Counters.TasksProcessed)
	row("tasks failed", st.Counters.TasksFailed)
	row("milestones delivered", st.Counters.MilestonesDelivered)
	row("milestones dead-lettered", st.Counters.MilestonesDeadLettered)
	row("pending retries", len(st.PendingRetries))
	row("reddit queue", len(st.RedditQueue))

	approvals := map[state.ApprovalStatus]int{}
	for _, a := range st.Approvals {
		approvals[a.Status]++
	}
	row("approvals pending", approvals[state.ApprovalPending])

	deliveries := map[state.DeliveryStatus]int{}
	for _, m := range st.Milestones {
		deliveries[m.Status]++
	}
	statuses := make([]string, 0, len(deliveries))
	for s := range deliveries {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		row("milestones "+s, deliveries[state.DeliveryStatus(s)])
	}

	types := make([]string, 0, len(st.FailureCounts))
	for t := range st.FailureCounts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		row("consecutive failures "+t, st.FailureCounts[t])
	}
	return tw.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

