// Package orchestrator ties the steward control flow together.
//
// The Dispatcher accepts work items from producers, keeps them in the
// dependency graph and the store, and on every tick:
//   - sweeps the graph so pending items whose dependencies are done become ready
//   - takes the next batch of ready items by priority
//   - scores each item and lets the execution gate pick a mode
//   - asks a human through the ApprovalManager when the mode is confirm
//   - runs the action through the circuit breaker for its collaborator
//   - records the outcome, feeds the health monitor and persists the item
//
// Progress is published through an EventEmitter and dispatch can be paused
// with the PauseController.
//
// Example usage:
//
//	d, err := orchestrator.New(orchestrator.RequiredConfig{
//		Graph:    g,
//		Scorer:   scorer,
//		Gate:     gt,
//		Breakers: breakers,
//		Store:    db,
//		Executor: exec,
//	}, orchestrator.WithBatchSize(4))
//	item, err := d.Submit(ctx, orchestrator.SubmitRequest{Description: "rotate keys", Action: "deploy"})
//	err = d.Run(ctx)
package orchestrator
