package service

import "context"

type ownerCtxKey struct{}

// WithOwner scopes ctx to one owner. Every account a call touches must then
// belong to that owner; other accounts look like they do not exist.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, ownerID)
}

// OwnerFrom returns the owner set by WithOwner.
func OwnerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerCtxKey{}).(string)
	return id, ok && id != ""
}
