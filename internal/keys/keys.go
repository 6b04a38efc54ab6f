// Package keys generates signing key material and publishes verification
// keys as a JSON Web Key Set.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/go-jose/go-jose/v4"

	"github.com/dtroode/custodian/internal/model"
)

const (
	DefaultAlgorithm = "RS256"
	DefaultRSABits   = 2048
	minRSABits       = 2048
)

// Algorithms lists the signature schemes generated keys can be used with.
var Algorithms = []string{"RS256", "RS384", "RS512"}

// CheckAlgorithm rejects algorithms the generated RSA material cannot sign.
func CheckAlgorithm(algorithm string) error {
	if !slices.Contains(Algorithms, algorithm) {
		return fmt.Errorf("%w: unsupported algorithm %q, want one of %v", model.ErrInvalidSigningKey, algorithm, Algorithms)
	}
	return nil
}

// GenerateRSA creates a new RSA private key of the given size.
func GenerateRSA(bits int) (*rsa.PrivateKey, error) {
	if bits < minRSABits {
		return nil, fmt.Errorf("rsa key size %d is below %d bits", bits, minRSABits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return key, nil
}

// Thumbprint computes the RFC 7638 JWK thumbprint of a public key. It is
// used as the kid of generated keys.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// PublicJWKS builds a key set from the public half of every key.
func PublicJWKS(keys []model.VerificationKey) (*jose.JSONWebKeySet, error) {
	jwks := &jose.JSONWebKeySet{
		Keys: make([]jose.JSONWebKey, 0, len(keys)),
	}

	for _, k := range keys {
		jwk := jose.JSONWebKey{
			Key:       k.Public,
			KeyID:     k.KID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		}
		if !jwk.Valid() {
			return nil, fmt.Errorf("%w: kid %s is not a valid public jwk", model.ErrInvalidSigningKey, k.KID)
		}
		jwks.Keys = append(jwks.Keys, jwk)
	}

	return jwks, nil
}
