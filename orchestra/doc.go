// Package orchestra implements a multi-agent orchestration runtime: a
// directed-graph execution engine that routes a user request through a
// sequence of cooperating nodes, broadcasts progress events to external
// subscribers, and persists per-session checkpoints so a conversation can
// resume deterministically.
//
// The core pieces:
//
//   - GraphState and Mutator: an immutable-by-convention state snapshot and
//     the sole legal mechanism for producing a new one.
//   - Registry and Manager: the living catalog of nodes and the compiled
//     active graph, swapped atomically without dropping in-flight sessions.
//   - Orchestrator: the facade. StartTurn drives a single turn from the
//     entry node to a terminal node and returns a structured Envelope.
//   - Error taxonomy: TransientError is retried per node policy, everything
//     else aborts the turn with meta.error populated on the envelope.
//
// Events flow through orchestra/broadcast, checkpoints through
// orchestra/session, and nodes receive external collaborators through
// orchestra/capability. Scaffold node implementations live in
// orchestra/nodes.
//
// Basic usage:
//
//	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
//	orc, err := orchestra.New(store, caps)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer orc.Close()
//
//	for _, d := range nodes.Defaults(caps, 0.30) {
//		if err := orc.RegisterNode(d); err != nil {
//			log.Fatal(err)
//		}
//	}
//	if err := orc.RebuildGraph(nodes.DefaultSpec()); err != nil {
//		log.Fatal(err)
//	}
//
//	env, err := orc.StartTurn(ctx, "", "Give me a full financial summary")
package orchestra
