package authz

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// OwnerClaims is the claim set a JWTClient expects in the credential
// map's "token" entry: the owner flag must be true for IsClientOwner
// to report ownership. The subject claim is not compared against any
// other credential entry.
type OwnerClaims struct {
	Owner bool `json:"owner"`
	jwt.RegisteredClaims
}

// JWTClient is the default "client is owner" authorization client: it
// verifies an RS256 token carried in the caller's credentials against
// a configured public key and checks the resulting claims.
type JWTClient struct {
	publicKey *rsa.PublicKey
	issuer    string
}

// NewJWTClient builds a client that verifies tokens signed by issuer
// against publicKey.
func NewJWTClient(publicKey *rsa.PublicKey, issuer string) *JWTClient {
	return &JWTClient{publicKey: publicKey, issuer: issuer}
}

// ParseRSAPublicKeyFromPEM parses an RSA public key from PEM bytes,
// accepting PKIX "PUBLIC KEY" and PKCS#1 "RSA PUBLIC KEY" blocks.
func ParseRSAPublicKeyFromPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("authz: no PEM public key found")
	}
	switch block.Type {
	case "PUBLIC KEY":
		pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("authz: parse PKIX public key: %w", err)
		}
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("authz: public key is not RSA")
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("authz: parse PKCS#1 public key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("authz: unsupported PEM block type %q", block.Type)
	}
}

// IsClientOwner parses and verifies creds["token"], requiring a valid
// signature, a matching issuer (when configured), and claims.Owner.
func (c *JWTClient) IsClientOwner(ctx context.Context, creds map[string]string) (bool, error) {
	raw, ok := creds["token"]
	if !ok || raw == "" {
		return false, nil
	}
	claims := &OwnerClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("authz: unexpected signing method %v", t.Header["alg"])
		}
		return c.publicKey, nil
	})
	if err != nil {
		return false, fmt.Errorf("authz: parse owner token: %w", err)
	}
	if !parsed.Valid {
		return false, nil
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return false, nil
	}
	return claims.Owner, nil
}
