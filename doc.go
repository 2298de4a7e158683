// Package riparius provides a composable workflow orchestration engine
// for Go. It offers declarative workflow definitions, durable workflow
// instances driven by an auditable state machine, participant-based
// authorization, and event/trigger routing into waiting steps.
//
// Riparius is designed as a library, not a service. Import it, configure
// a store, register workflow definitions and step handlers, and drive
// instances through commands.
//
// # Quick Start
//
//	rt, err := riparius.New(
//	    riparius.WithStore(pgStore),
//	    riparius.WithWorkers(20),
//	)
//
// # Architecture
//
// Riparius follows a composable store pattern where each subsystem
// (workflow, event, trigger, deadletter, cluster) defines its own store
// interface. A single backend implements all of them.
//
// All writes flow through the workflow aggregate: a command is applied to
// one instance under a per-instance lock, producing a new versioned record
// plus an append-only batch of domain events, committed atomically with an
// optimistic concurrency check.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package riparius
