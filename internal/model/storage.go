package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuthorizationStore persists authorizations and their token records.
// Lookups return ErrNotFound on a miss.
type AuthorizationStore interface {
	Save(ctx context.Context, auth Authorization) (Authorization, error)
	FindByID(ctx context.Context, id uuid.UUID) (Authorization, error)
	// FindByDigest finds the authorization owning a token with the digest.
	// An empty kind matches any kind.
	FindByDigest(ctx context.Context, digest string, kind TokenKind) (Authorization, error)
	FindByAttribute(ctx context.Context, key string, value any) (Authorization, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListAll(ctx context.Context) ([]Authorization, error)
	ResolveExistingIDsByDigests(ctx context.Context, digests []string) (map[string]uuid.UUID, error)
	// WithinLock runs fn in a single transaction holding an exclusive lock
	// on the authorization id. fn sees its own writes.
	WithinLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx AuthorizationTx) error) error
}

// AuthorizationTx is the part of the store usable inside WithinLock.
type AuthorizationTx interface {
	FindByID(ctx context.Context, id uuid.UUID) (Authorization, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	ResolveExistingIDsByDigests(ctx context.Context, digests []string) (map[string]uuid.UUID, error)
	Save(ctx context.Context, auth Authorization) (Authorization, error)
}

// SigningKeyStore persists signing keys. Lists are ordered newest first.
type SigningKeyStore interface {
	// Save inserts the key or updates the row with the same kid.
	Save(ctx context.Context, key SigningKey) (SigningKey, error)
	FindByStatus(ctx context.Context, status SigningKeyStatus) ([]SigningKey, error)
	FindByStatusIn(ctx context.Context, statuses []SigningKeyStatus) ([]SigningKey, error)
	FindByKID(ctx context.Context, kid string) (SigningKey, error)
	// Rotate persists key as ACTIVE and then retires every other ACTIVE key
	// in the same transaction. It returns the retired keys.
	Rotate(ctx context.Context, key SigningKey) ([]SigningKey, error)
	// PurgeInactive deletes INACTIVE keys that no live token references at
	// now, re-checking liveness inside the deleting transaction.
	PurgeInactive(ctx context.Context, now time.Time) ([]SigningKey, error)
}

// KeyArchive receives the public half of purged keys for audit.
type KeyArchive interface {
	Archive(ctx context.Context, keys []SigningKey, purgedAt time.Time) error
}

// Locker provides a best-effort cluster-wide mutex for scheduled jobs.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(context.Context) error, acquired bool, err error)
}

// Credential is the result of a lookup by raw token value. Token is set
// when the lookup matched a token record rather than an attribute.
type Credential struct {
	Authorization Authorization
	Token         *TokenRecord
}
