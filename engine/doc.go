// Package engine wires all Lister subsystems together: the hook
// registry, middleware chain, dispatcher, background runner, scheduler,
// and CSV validator. It exposes the publication operations as methods.
//
// This package exists to break the import cycle: the root lister package
// defines Entity and Config (imported by job, schedule, ingest) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine
