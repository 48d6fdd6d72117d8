// Package marketplace abstracts the external listing API.
//
// The dispatch engine depends only on the Adapter interface; the concrete
// wire protocol lives behind it. The HTTP JSON adapter talks to a generic
// JSON API, and the mock adapter runs fully offline for tests and dry runs.
package marketplace

import (
	"context"
	"time"
)

// Fee is one charge the marketplace applied to a call.
type Fee struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
}

// CreateResult is the outcome of publishing a listing.
type CreateResult struct {
	Success    bool     `json:"success"`
	ExternalID string   `json:"external_id,omitempty"`
	Fees       []Fee    `json:"fees,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// ReviseResult is the outcome of a price revision.
type ReviseResult struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

// EndResult is the outcome of ending a listing.
type EndResult struct {
	Success bool `json:"success"`
}

// CallMeta provides request-level telemetry for a marketplace call.
type CallMeta struct {
	StatusCode int
	Latency    time.Duration
}

// Adapter abstracts all marketplace-specific logic.
type Adapter interface {
	// CreateListing publishes the payload as a new listing. A returned
	// error means the call itself failed (network, timeout); a result
	// with Success false means the marketplace rejected the listing.
	CreateListing(ctx context.Context, payload []byte) (CreateResult, CallMeta, error)

	// ReviseListingPrice changes the price of an existing listing.
	ReviseListingPrice(ctx context.Context, externalID string, newPrice float64) (ReviseResult, CallMeta, error)

	// EndListing takes an existing listing down.
	EndListing(ctx context.Context, externalID, reason string) (EndResult, CallMeta, error)
}
