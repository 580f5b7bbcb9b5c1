// Package tenant carries the authenticated owner of every record operation.
//
// A Tenant can only be obtained through New or FromContext, so a zero value
// reaching a store method is always a programming error and is rejected.
package tenant

import (
	"context"
	"errors"
	"strings"
)

// ErrNoTenant is returned when an operation is attempted without a verified tenant.
var ErrNoTenant = errors.New("tenant: missing or invalid tenant")

// Tenant identifies the user that owns the records an operation touches.
type Tenant struct {
	userID string
}

// New verifies userID and returns a Tenant for it.
func New(userID string) (Tenant, error) {
	id := strings.TrimSpace(userID)
	if id == "" || id != userID {
		return Tenant{}, ErrNoTenant
	}
	return Tenant{userID: id}, nil
}

// UserID returns the owner identifier used in every scoped predicate.
func (t Tenant) UserID() string { return t.userID }

// Valid reports whether t was produced by New.
func (t Tenant) Valid() bool { return t.userID != "" }

func (t Tenant) String() string {
	if !t.Valid() {
		return "tenant(<none>)"
	}
	return "tenant(" + t.userID + ")"
}

type ctxKey struct{}

// WithTenant returns a copy of ctx carrying t.
func WithTenant(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext extracts the tenant stored by WithTenant.
func FromContext(ctx context.Context) (Tenant, error) {
	t, ok := ctx.Value(ctxKey{}).(Tenant)
	if !ok || !t.Valid() {
		return Tenant{}, ErrNoTenant
	}
	return t, nil
}
