package util

import "context"

// ServiceName identifies this process in logs and traces
const ServiceName = "storefront-bff"

type sessionKey struct{}

// WithSessionID stores the browser session id in ctx
func WithSessionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sid)
}

// SessionID returns the browser session id carried by ctx
func SessionID(ctx context.Context) (string, bool) {
	sid, ok := ctx.Value(sessionKey{}).(string)
	return sid, ok && sid != ""
}
