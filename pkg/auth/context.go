package auth

import (
	"context"
	"errors"
)

type contextKey string

const (
	principalKey contextKey = "principal"
)

// ErrNoPrincipal is returned when the request carries no identity.
var ErrNoPrincipal = errors.New("no principal in context")

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}

// GetTenantID is a helper to get the TenantID from the context's Principal.
func GetTenantID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return p.GetTenantID(), nil
}
