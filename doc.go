// Package lister provides a publication dispatch engine for recurring,
// rate-limited publishing of catalog entries to an external marketplace.
// It offers a persistent job queue with an explicit state machine, quota
// window rate limiting, paced batch dispatch with retries, recurring
// schedules, and bulk CSV ingestion.
//
// Lister is designed as a library, not a service. Import it, configure a
// store and a rate limiter, and drive publication through the engine.
//
// # Quick Start
//
//	p, err := lister.New(
//	    lister.WithStore(pgStore),
//	    lister.WithBatchSize(25),
//	)
//
// # Architecture
//
// Lister follows a composable store pattern where each subsystem (job,
// schedule, ingest) defines its own store interface. A single backend
// implements all of them. The marketplace itself is abstracted behind
// the marketplace.Adapter interface; the engine never speaks a concrete
// wire protocol.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package lister
