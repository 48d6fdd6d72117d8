// Package job defines the publication job entity, its state machine, and
// the persistence contract the dispatch pipeline runs against.
//
// A job represents one catalog entry to be published to the external
// marketplace. Its payload is opaque to the pipeline: only the marketplace
// adapter and the CSV validator ever look inside it.
package job
