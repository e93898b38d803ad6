// Package shutdown runs the orchestrator's stop sequence in phases.
//
// Components register a stop function under a phase. On SIGTERM/SIGINT
// (or an explicit Shutdown) phases run in ascending order, and the
// functions inside one phase run concurrently:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.Register("http", shutdown.PhaseIntake, srv.Shutdown)
//	coord.Register("engine", shutdown.PhaseWorkers, stopEngine)
//	coord.Register("state", shutdown.PhaseFlush, flushState)
//	ctx := coord.HandleSignals(context.Background())
//	<-ctx.Done()
//	<-coord.Done()
//
// Intake stops first so nothing new is queued, workers then finish the
// task in flight, and the snapshot is flushed last.
package shutdown
