// Package requestid tags requests with a unique id for log correlation.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type key struct{}

// New attaches a freshly generated request id to ctx and returns both.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, key{}, id), id
}

// From returns the request id carried by ctx, or generates one when absent.
func From(ctx context.Context) string {
	if id, ok := ctx.Value(key{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
