package metadata

import "context"

// userKey is private to prevent collisions with other packages' context keys.
type userKey struct{}

// WithUser returns a context carrying the UID of the user rules run on behalf of.
func WithUser(ctx context.Context, userUID string) context.Context {
	return context.WithValue(ctx, userKey{}, userUID)
}

// UserFromContext returns the user UID stored by WithUser.
func UserFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(userKey{}).(string)
	return uid, ok && uid != ""
}
