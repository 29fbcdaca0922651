// Package store provides persistence layer implementations for PromptChain.
//
// InMemoryStore is a volatile store suited to tests and ephemeral demo
// servers. The sqlite sub-package offers a durable single-file backend for
// production use. Both satisfy core.Store: writes are visible (and for
// sqlite, durable) before Put returns, and concurrent writers to the same
// record id are serialized.
package store
