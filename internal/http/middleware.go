package http

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const clientIPContextKey contextKey = "client_ip"

// ClientIPConfig controls where the client address is read from.
type ClientIPConfig struct {
	// TrustProxyHeaders reads X-Forwarded-For and X-Real-IP. Only enable it
	// behind a proxy that overwrites them, otherwise callers can spoof the
	// address recorded in request logs.
	TrustProxyHeaders bool
}

// ExtractClientIP returns the address of the caller. With proxy headers
// trusted the first X-Forwarded-For entry wins, then X-Real-IP, then RemoteAddr.
func ExtractClientIP(r *http.Request, cfg ClientIPConfig) string {
	if cfg.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIPFromContext returns the address stored by ClientIPMiddleware, or ""
// outside of it.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}

// ContextWithClientIP stores ip as the caller address.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey, ip)
}

// ClientIPMiddleware stores the caller address in the request context, where
// the request logger picks it up as client_ip.
func ClientIPMiddleware(cfg ClientIPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithClientIP(r.Context(), ExtractClientIP(r, cfg))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
