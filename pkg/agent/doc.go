// Package agent drives single streaming LLM turns, demultiplexing provider
// events into ordered timeline steps.
//
// Invariants:
//   - Step emission preserves true provider event order within one turn.
//   - An in-progress text or thinking step is updated in place by ID, never
//     duplicated, as deltas arrive.
//   - A cancelled turn stops emitting steps and settles exactly once with
//     ErrCancelled.
//
// Usage:
//
//	runner := agent.NewRunner(provider, logger)
//	result, err := runner.RunTurn(ctx, agent.TurnParams{
//		AgentID: "agent-1",
//		Task:    "Find pho in Vancouver",
//	}, emit)
package agent
