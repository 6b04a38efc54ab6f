package model

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by stores when a concurrent writer won a race
	// on the same authorization or token digest. Callers may retry.
	ErrConflict = errors.New("conflict")

	ErrInvalidToken         = errors.New("invalid token record")
	ErrInvalidAuthorization = errors.New("invalid authorization")
	ErrInvalidSigningKey    = errors.New("invalid signing key")
	ErrInvalidDigest        = errors.New("invalid digest")
	ErrWeakPepper           = errors.New("token pepper must decode to at least 32 bytes")

	ErrNoActiveKey  = errors.New("no active signing key")
	ErrTokenRevoked = errors.New("token revoked")
	ErrTokenExpired = errors.New("token expired")
)
