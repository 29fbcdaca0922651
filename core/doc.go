// Package core provides the foundational domain types, interfaces and error
// taxonomy used by PromptChain. It defines the core abstractions for:
//
//   - Chain definitions (immutable, ordered multi-step workflow templates)
//   - Chain executions (stateful runs with an explicit status machine)
//   - Step results and aggregate performance metrics
//   - Context flow and optimization policy objects
//   - The pluggable Store contract backing durable persistence
//
// The package intentionally keeps implementation concerns (persistence,
// engine orchestration, concrete capability providers) out of scope,
// exposing small interfaces to enable custom backends and extensions. All
// exported identifiers include concise documentation to aid discoverability
// and external consumption.
package core
