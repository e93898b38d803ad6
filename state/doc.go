// Package state holds the orchestrator's single in-memory aggregate and
// its durable JSON snapshot.
//
// There is exactly one OrchestratorState per process. Components never
// hold a pointer to it outside of Store.Update and Store.View: every
// mutation runs under the store's lock and is flushed to disk before the
// call returns.
//
//	store, err := state.Open("orchestrator-state.json", state.DefaultLimits(), logger)
//	err = store.Update(func(st *state.OrchestratorState) error {
//	    st.Counters.TasksProcessed++
//	    return nil
//	})
//
// Bounded collections are trimmed oldest-first on every mutation so the
// file size stays flat over the life of the process. A missing or corrupt
// snapshot is replaced by a default state; execution, approval and
// delivery records are keyed so that re-running work after a lost write
// is safe.
package state
