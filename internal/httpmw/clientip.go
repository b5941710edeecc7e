package httpmw

import (
	"context"
	"net"
	"net/http"
)

type clientIPKey struct{}

// PeerIP stores the connection's peer address (no port) in the context.
// The bridge listens for the co-located host application only, so
// forwarding headers are never trusted and are stripped.
func PeerIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del("X-Forwarded-For")
		r.Header.Del("X-Forwarded-Proto")
		next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), peerAddr(r.RemoteAddr))))
	})
}

func peerAddr(remote string) string {
	if remote == "" {
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return "0.0.0.0"
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
