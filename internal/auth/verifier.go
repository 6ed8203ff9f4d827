// Package auth authenticates callers by self-signed ES256 tokens. Holding the
// private key is the caller identity: the verified address is the one derived
// from the public key embedded in the token.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/authn"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/encacl/internal/models"
)

// DefaultMaxTTL bounds the lifetime of accepted tokens.
const DefaultMaxTTL = time.Hour

// Verifier checks caller tokens.
type Verifier struct {
	audience string
	maxTTL   time.Duration
	now      func() time.Time
}

// NewVerifier creates a verifier accepting tokens for audience whose lifetime
// is at most maxTTL.
func NewVerifier(audience string, maxTTL time.Duration) *Verifier {
	if audience == "" {
		audience = DefaultAudience
	}
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	return &Verifier{audience: audience, maxTTL: maxTTL, now: time.Now}
}

// Verify checks the signature against the embedded key, the kid fingerprint,
// the subject to key binding, issuer, audience and lifetime, and returns the
// caller address.
func (v *Verifier) Verify(tokenStr string) (models.Address, error) {
	var der []byte

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing kid")
		}

		var err error
		der, err = base64.StdEncoding.DecodeString(claims.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		if fingerprintDER(der) != kid {
			return nil, errors.New("kid does not match embedded key")
		}

		return parsePublicKeyDER(der)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return models.Address{}, err
	}

	if claims.IssuedAt == nil {
		return models.Address{}, errors.New("missing iat")
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.maxTTL {
		return models.Address{}, fmt.Errorf("token lifetime exceeds %s", v.maxTTL)
	}

	pub, err := parsePublicKeyDER(der)
	if err != nil {
		return models.Address{}, err
	}
	address, err := models.AddressFromPublicKey(pub)
	if err != nil {
		return models.Address{}, err
	}

	subject, err := models.ParseAddress(claims.Subject)
	if err != nil {
		return models.Address{}, fmt.Errorf("invalid subject: %w", err)
	}
	if subject != address {
		return models.Address{}, errors.New("subject does not match embedded key")
	}

	return address, nil
}

// AuthFunc returns an authn.AuthFunc that validates Bearer tokens. The caller
// address can be read back with CallerFromContext.
func (v *Verifier) AuthFunc() authn.AuthFunc {
	return func(_ context.Context, req authn.Request) (any, error) {
		if req.Procedure() == "/health" {
			return nil, nil
		}

		tokenStr, ok := bearerToken(req.Header())
		if !ok {
			return nil, authn.Errorf("missing bearer token")
		}

		address, err := v.Verify(tokenStr)
		if err != nil {
			log.Debug().Err(err).Msg("JWT verification failed")
			return nil, authn.Errorf("invalid token")
		}

		return address, nil
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is case insensitive.
func bearerToken(header http.Header) (string, bool) {
	scheme, token, ok := strings.Cut(header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Middleware wraps handlers so every request except /health must carry a
// valid token.
func (v *Verifier) Middleware() *authn.Middleware {
	return authn.NewMiddleware(v.AuthFunc())
}

// CallerFromContext returns the authenticated caller address.
func CallerFromContext(ctx context.Context) (models.Address, bool) {
	address, ok := authn.GetInfo(ctx).(models.Address)
	return address, ok
}

// ContextWithCaller attaches an authenticated caller to ctx.
func ContextWithCaller(ctx context.Context, address models.Address) context.Context {
	return authn.SetInfo(ctx, address)
}
