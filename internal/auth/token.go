package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wolfeidau/encacl/internal/models"
)

// Issuer identifies self-signed caller tokens.
const Issuer = "encacl"

// DefaultAudience is the audience used when none is configured.
const DefaultAudience = "encacl-registry"

// Claims are the claims of a caller token. The token carries its own public
// key; the subject is the account address derived from that key.
type Claims struct {
	jwt.RegisteredClaims
	PublicKey string `json:"pub"`
}

// IssueToken creates a self-signed ES256 token for the account controlled by
// key.
func IssueToken(key *ecdsa.PrivateKey, audience string, ttl time.Duration) (string, error) {
	return issueTokenAt(key, audience, ttl, time.Now())
}

func issueTokenAt(key *ecdsa.PrivateKey, audience string, ttl time.Duration, now time.Time) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	address, err := models.AddressFromPublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   address.String(),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PublicKey: base64.StdEncoding.EncodeToString(der),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = fingerprintDER(der)

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}
