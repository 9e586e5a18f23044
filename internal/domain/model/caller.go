package model

import "context"

type callerKey struct{}

// WithCaller records the identity issuing a command.
func WithCaller(ctx context.Context, identity string) context.Context {
	if identity == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, identity)
}

// CallerFrom returns the identity recorded by WithCaller.
func CallerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	return id, ok && id != ""
}
