package auth

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"
)

// DefaultTokenTTL is the lifetime of tokens minted by the client interceptor.
const DefaultTokenTTL = 30 * time.Minute

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 5 * time.Minute

// ClientInterceptor adds a bearer token to outgoing connect requests, minting
// a fresh one from key when the cached token is close to expiry.
type ClientInterceptor struct {
	key      *ecdsa.PrivateKey
	audience string
	ttl      time.Duration

	mu          sync.RWMutex
	cachedToken string
	tokenExpiry time.Time
}

// NewClientInterceptor creates an interceptor signing as key.
func NewClientInterceptor(key *ecdsa.PrivateKey, audience string, ttl time.Duration) *ClientInterceptor {
	if audience == "" {
		audience = DefaultAudience
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &ClientInterceptor{key: key, audience: audience, ttl: ttl}
}

// WrapUnary implements connect.Interceptor.
func (i *ClientInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if err := i.setAuthHeader(req.Header()); err != nil {
			return nil, connect.NewError(connect.CodeUnauthenticated, err)
		}
		return next(ctx, req)
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *ClientInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return func(ctx context.Context, spec connect.Spec) connect.StreamingClientConn {
		conn := next(ctx, spec)
		if err := i.setAuthHeader(conn.RequestHeader()); err != nil {
			log.Error().Err(err).Msg("Failed to add auth header to streaming request")
		}
		return conn
	}
}

// WrapStreamingHandler is a no-op on the client side.
func (i *ClientInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

func (i *ClientInterceptor) setAuthHeader(h http.Header) error {
	token, err := i.Token()
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

// Token returns the cached token or signs a new one.
func (i *ClientInterceptor) Token() (string, error) {
	i.mu.RLock()
	if i.cachedToken != "" && time.Now().Add(refreshMargin).Before(i.tokenExpiry) {
		token := i.cachedToken
		i.mu.RUnlock()
		return token, nil
	}
	i.mu.RUnlock()

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cachedToken != "" && time.Now().Add(refreshMargin).Before(i.tokenExpiry) {
		return i.cachedToken, nil
	}

	now := time.Now()
	token, err := issueTokenAt(i.key, i.audience, i.ttl, now)
	if err != nil {
		return "", err
	}

	i.cachedToken = token
	i.tokenExpiry = now.Add(i.ttl)

	log.Debug().
		Str("audience", i.audience).
		Time("expiry", i.tokenExpiry).
		Msg("cached new JWT token")

	return token, nil
}
