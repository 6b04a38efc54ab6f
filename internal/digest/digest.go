// Package digest turns raw token values into keyed, non-reversible digests
// suitable for storage and lookup.
package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/dtroode/custodian/internal/model"
)

const (
	// Size is the length of the decoded digest in bytes.
	Size = sha256.Size
	// EncodedLen is the length of the unpadded base64url digest.
	EncodedLen = 43
	// MinPepperLen is the minimum decoded pepper length in bytes.
	MinPepperLen = 32
)

// Digester computes HMAC-SHA256 digests keyed by the server pepper.
type Digester struct {
	pepper []byte
}

// New decodes the pepper (standard or URL-safe base64, padding optional) and
// returns a Digester. A pepper shorter than MinPepperLen bytes is rejected.
func New(pepper string) (*Digester, error) {
	key, err := decodePepper(pepper)
	if err != nil {
		return nil, err
	}
	if len(key) < MinPepperLen {
		return nil, fmt.Errorf("%w: got %d bytes", model.ErrWeakPepper, len(key))
	}
	return &Digester{pepper: key}, nil
}

func decodePepper(pepper string) ([]byte, error) {
	s := strings.TrimSpace(pepper)
	if s == "" {
		return nil, fmt.Errorf("%w: pepper is empty", model.ErrWeakPepper)
	}
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	key, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: pepper is not base64: %s", model.ErrWeakPepper, err.Error())
	}
	return key, nil
}

// Sum always hashes value.
func (d *Digester) Sum(value string) string {
	mac := hmac.New(sha256.New, d.pepper)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Digest hashes value unless it already looks like a digest, in which case
// it is returned unchanged.
func (d *Digester) Digest(value string) string {
	if LooksLikeDigest(value) {
		return value
	}
	return d.Sum(value)
}

// Resolve returns the digest for a tagged token value. Raw values are always
// hashed; digested values are only checked for shape.
func (d *Digester) Resolve(v model.TokenValue) (string, error) {
	if !v.IsDigested() {
		return d.Sum(v.Value()), nil
	}
	if !LooksLikeDigest(v.Value()) {
		return "", fmt.Errorf("%w: value tagged as digested is not digest-shaped", model.ErrInvalidDigest)
	}
	return v.Value(), nil
}

// LooksLikeDigest reports whether value has the shape of a Digest output.
func LooksLikeDigest(value string) bool {
	if len(value) != EncodedLen {
		return false
	}
	b, err := base64.RawURLEncoding.DecodeString(value)
	return err == nil && len(b) == Size
}
