// Package scope carries the submitter identity on context.Context.
//
// The identity is captured at the API edge and travels with every
// operation it triggers, so uploads can be deduplicated per submitter
// and jobs attributed to whoever created them.
package scope

import "context"

type submitterKey struct{}

// WithSubmitter attaches a submitter identity to the context. An empty
// submitter returns the context unchanged.
func WithSubmitter(ctx context.Context, submitter string) context.Context {
	if submitter == "" {
		return ctx
	}
	return context.WithValue(ctx, submitterKey{}, submitter)
}

// Capture extracts the submitter identity from the context. Returns the
// empty string if none is present.
func Capture(ctx context.Context) string {
	s, _ := ctx.Value(submitterKey{}).(string)
	return s
}
