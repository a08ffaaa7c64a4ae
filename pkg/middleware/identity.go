// Package middleware carries the authenticated caller through a request
// context.
//
// It lives in pkg/ so code embedding the relay handler can read the caller
// in its own middleware.
package middleware

import (
	"context"

	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
)

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id. A nil id leaves the
// request anonymous.
func WithIdentity(ctx context.Context, id *contracts.Identity) context.Context {
	if id == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom returns the caller stored by WithIdentity, or nil.
func IdentityFrom(ctx context.Context) *contracts.Identity {
	id, _ := ctx.Value(contextKey{}).(*contracts.Identity)
	return id
}

// AccountID returns the account every store call of the request is scoped
// to. Anonymous and operator requests have none.
func AccountID(ctx context.Context) string {
	id := IdentityFrom(ctx)
	if id == nil || id.IsOperator() {
		return ""
	}
	return id.Subject
}

// IsOperator reports whether the request came from a relay operator.
func IsOperator(ctx context.Context) bool {
	return IdentityFrom(ctx).IsOperator()
}
