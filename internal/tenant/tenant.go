// Package tenant carries the calling principal's identity on a context.
// The host binding stores it; every blobstore operation reads it.
package tenant

import (
	"context"
	"strings"
)

type ctxKey struct{}

// WithID returns a copy of ctx carrying the tenant identity id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant identity stored by WithID. Blank
// identities are reported as absent.
func FromContext(ctx context.Context) (string, bool) {
	id, _ := ctx.Value(ctxKey{}).(string)
	if strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}
