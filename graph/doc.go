// Package graph implements the plan-and-execute state machine: a fixed
// node set (planner, router, executor, synthesizer) driven over a
// checkpoint store, with approval suspensions persisted in state rather
// than held as in-memory continuations. Resume and retry rehydrate the
// latest checkpoint and start a fresh transition from it.
package graph
