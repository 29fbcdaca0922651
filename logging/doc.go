// Package logging provides a minimal logging interface and adapters for
// PromptChain.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the engine and components use for observability. This
// package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - ChainLogger with contextual helpers for chains, executions and steps
//
// The design intentionally keeps the interface minimal to avoid vendor
// lock-in while supporting structured logging where available.
package logging
