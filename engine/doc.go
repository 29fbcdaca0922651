// Package engine executes chain definitions step by step, producing chain
// results with aggregate performance metrics.
//
// Each execution is modeled as an explicit state machine (pending ->
// running -> completed | failed | timeout) owned by a single logical thread
// of control. Multiple executions may run concurrently and independently;
// they share only the read-only chain definition and the append-only
// persistence layer. Before every step the context flow adapter shapes the
// running context, and between steps the handoff coordinator transfers it
// to the next step. Failed capability invocations are handled per the
// execution's fallback strategy (retry, downgrade or fail); terminal
// results are persisted unconditionally so failed runs stay auditable.
package engine
