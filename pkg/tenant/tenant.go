// Package tenant carries the resolved tenant id through a request's
// context, the way every module needs to resolve "tenant from ctx; reject
// if missing" before touching any per-tenant store.
package tenant

import (
	"context"

	"github.com/flarecore/messaging-core/pkg/flareerr"
)

type contextKey struct{}

// WithID returns a context carrying id as the resolved tenant.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the tenant id on ctx, or an InvalidArgument error
// if none was set.
func FromContext(ctx context.Context) (string, error) {
	id, _ := ctx.Value(contextKey{}).(string)
	if id == "" {
		return "", flareerr.New(flareerr.CodeInvalidArgument, "missing tenant id")
	}
	return id, nil
}
