package gateway

import (
	"context"
	"net"
	"net/http"
)

type ctxKey string

const clientKey ctxKey = "client"

func withClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

func clientFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientKey).(string); ok {
		return value
	}
	return ""
}

// clientAddr identifies the caller by host, so limits apply across its
// connections.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
