package model

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SigningKeyStatus string

const (
	SigningKeyActive   SigningKeyStatus = "ACTIVE"
	SigningKeyInactive SigningKeyStatus = "INACTIVE"
	SigningKeyDeleted  SigningKeyStatus = "DELETED"
)

func (s SigningKeyStatus) Valid() bool {
	switch s {
	case SigningKeyActive, SigningKeyInactive, SigningKeyDeleted:
		return true
	}
	return false
}

// SigningKey holds asymmetric key material encoded as base64 DER
// (PKCS#8 private, PKIX public).
type SigningKey struct {
	id         uuid.UUID
	kid        string
	algorithm  string
	publicKey  string
	privateKey string
	status     SigningKeyStatus
	createdAt  time.Time
	encoded    bool
}

func (k SigningKey) ID() uuid.UUID            { return k.id }
func (k SigningKey) KID() string              { return k.kid }
func (k SigningKey) Algorithm() string        { return k.algorithm }
func (k SigningKey) PublicKey() string        { return k.publicKey }
func (k SigningKey) PrivateKey() string       { return k.privateKey }
func (k SigningKey) Status() SigningKeyStatus { return k.status }
func (k SigningKey) CreatedAt() time.Time     { return k.createdAt }
func (k SigningKey) IsEncoded() bool          { return k.encoded }

func (k SigningKey) WithID(id uuid.UUID) SigningKey {
	k.id = id
	return k
}

// Retire moves an ACTIVE key to INACTIVE. Keys in any other status are
// returned unchanged.
func (k SigningKey) Retire() SigningKey {
	if k.status == SigningKeyActive {
		k.status = SigningKeyInactive
	}
	return k
}

func (k SigningKey) DecodePublicKey() (crypto.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(k.publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %s: public key is not base64: %s", ErrInvalidSigningKey, k.kid, err.Error())
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %s: failed to parse public key: %s", ErrInvalidSigningKey, k.kid, err.Error())
	}
	return pub, nil
}

func (k SigningKey) DecodePrivateKey() (crypto.Signer, error) {
	der, err := base64.StdEncoding.DecodeString(k.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %s: private key is not base64: %s", ErrInvalidSigningKey, k.kid, err.Error())
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %s: failed to parse private key: %s", ErrInvalidSigningKey, k.kid, err.Error())
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: kid %s: private key of type %T cannot sign", ErrInvalidSigningKey, k.kid, key)
	}
	return signer, nil
}

func (k SigningKey) ToBuilder() SigningKeyBuilder {
	return SigningKeyBuilder{
		ID:         k.id,
		KID:        k.kid,
		Algorithm:  k.algorithm,
		Status:     k.status,
		CreatedAt:  k.createdAt,
		publicKey:  k.publicKey,
		privateKey: k.privateKey,
		encoded:    k.encoded,
	}
}

// SigningKeyBuilder only accepts key material through GeneratedKeyPair or
// StoredKeyPair.
type SigningKeyBuilder struct {
	ID        uuid.UUID
	KID       string
	Algorithm string
	Status    SigningKeyStatus
	CreatedAt time.Time

	publicKey  string
	privateKey string
	encoded    bool
}

// GeneratedKeyPair encodes a freshly generated private key and its public half.
func (b *SigningKeyBuilder) GeneratedKeyPair(priv crypto.Signer) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("%w: failed to encode private key: %s", ErrInvalidSigningKey, err.Error())
	}
	pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return fmt.Errorf("%w: failed to encode public key: %s", ErrInvalidSigningKey, err.Error())
	}
	b.privateKey = base64.StdEncoding.EncodeToString(privDER)
	b.publicKey = base64.StdEncoding.EncodeToString(pubDER)
	b.encoded = true
	return nil
}

// StoredKeyPair takes already encoded material, as loaded from storage.
func (b *SigningKeyBuilder) StoredKeyPair(privateKey, publicKey string) {
	b.privateKey = privateKey
	b.publicKey = publicKey
	b.encoded = true
}

func (b SigningKeyBuilder) Build() (SigningKey, error) {
	if strings.TrimSpace(b.KID) == "" {
		return SigningKey{}, fmt.Errorf("%w: kid is required", ErrInvalidSigningKey)
	}
	if strings.TrimSpace(b.Algorithm) == "" {
		return SigningKey{}, fmt.Errorf("%w: algorithm is required", ErrInvalidSigningKey)
	}
	if !b.encoded {
		return SigningKey{}, fmt.Errorf("%w: key material is not encoded", ErrInvalidSigningKey)
	}
	if b.publicKey == "" || b.privateKey == "" {
		return SigningKey{}, fmt.Errorf("%w: public and private key are required", ErrInvalidSigningKey)
	}
	if b.CreatedAt.IsZero() {
		return SigningKey{}, fmt.Errorf("%w: created_at is required", ErrInvalidSigningKey)
	}

	status := b.Status
	if status == "" {
		status = SigningKeyActive
	}
	if !status.Valid() {
		return SigningKey{}, fmt.Errorf("%w: unknown status %q", ErrInvalidSigningKey, status)
	}

	return SigningKey{
		id:         b.ID,
		kid:        b.KID,
		algorithm:  b.Algorithm,
		publicKey:  b.publicKey,
		privateKey: b.privateKey,
		status:     status,
		createdAt:  b.CreatedAt,
		encoded:    true,
	}, nil
}

// VerificationKey is decoded key material offered to token verifiers.
// Private is nil unless the key is ACTIVE.
type VerificationKey struct {
	KID       string
	Algorithm string
	Status    SigningKeyStatus
	CreatedAt time.Time
	Public    crypto.PublicKey
	Private   crypto.Signer
}

func (v VerificationKey) CanSign() bool {
	return v.Private != nil
}
