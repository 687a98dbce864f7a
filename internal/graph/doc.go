// Package graph holds the dependency graph of tasks handed to the scheduler.
//
// # Structure
//
// A Graph maps each task ID to its task and to the sets of predecessor and
// successor IDs. An edge from -> to means "to consumes something from
// produces", so to may only start once from is done. The graph must be
// acyclic; DetectCycles validates that before a run.
//
// # Operations
//
//   - ReadySet answers "which tasks may start now" for a given state function.
//   - Compose merges graphs into their union; tasks with the same ID must be
//     the same task value.
//   - Subgraph keeps a set of IDs together with the edges between them.
//   - Fingerprint hashes the sorted node and edge lists, so two graphs built
//     in different orders compare equal.
//
// # Thread-Safety
//
// All methods take the graph's RWMutex. Task state lives on the tasks
// themselves and is mutated only by the scheduler.
package graph
