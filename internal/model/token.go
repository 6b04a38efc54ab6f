package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TokenKind string

const (
	TokenKindAccess            TokenKind = "ACCESS"
	TokenKindRefresh           TokenKind = "REFRESH"
	TokenKindAuthorizationCode TokenKind = "AUTHORIZATION_CODE"
	TokenKindIDToken           TokenKind = "ID_TOKEN"
)

var tokenKindWireNames = map[TokenKind]string{
	TokenKindAccess:            "access_token",
	TokenKindRefresh:           "refresh_token",
	TokenKindAuthorizationCode: "authorization_code",
	TokenKindIDToken:           "id_token",
}

func (k TokenKind) Valid() bool {
	_, ok := tokenKindWireNames[k]
	return ok
}

// WireName is the OAuth2 token type hint for the kind.
func (k TokenKind) WireName() string {
	return tokenKindWireNames[k]
}

// TokenKindFromWireName resolves a token type hint. Both the OAuth2 wire
// name ("refresh_token") and the canonical name ("REFRESH") are accepted.
func TokenKindFromWireName(name string) (TokenKind, bool) {
	name = strings.TrimSpace(name)
	for kind, wire := range tokenKindWireNames {
		if strings.EqualFold(name, wire) || strings.EqualFold(name, string(kind)) {
			return kind, true
		}
	}
	return "", false
}

// Reserved metadata keys. They are modeled as record fields and never kept
// in the free-form metadata map.
const (
	MetadataClaims      = "claims"
	MetadataKID         = "kid"
	MetadataRevokedAt   = "revoked_at"
	MetadataInvalidated = "invalidated"
)

// TokenValue is a token value tagged with whether it already went through
// the digest function. Raw values are hashed on save; digested values are
// stored as-is.
type TokenValue struct {
	value    string
	digested bool
}

func RawValue(v string) TokenValue {
	return TokenValue{value: v}
}

func DigestedValue(v string) TokenValue {
	return TokenValue{value: v, digested: true}
}

func (v TokenValue) Value() string    { return v.value }
func (v TokenValue) IsDigested() bool { return v.digested }
func (v TokenValue) IsZero() bool     { return strings.TrimSpace(v.value) == "" }

// String never prints raw values.
func (v TokenValue) String() string {
	if v.digested {
		return v.value
	}
	return "[raw]"
}

// TokenRecord is a single issued credential. It is immutable; use the
// With*/As*/Revoke methods or ToBuilder to derive changed copies.
type TokenRecord struct {
	id        uuid.UUID
	isNew     bool
	kind      TokenKind
	issuedAt  time.Time
	expiresAt time.Time
	revokedAt *time.Time
	subject   string
	scopes    []string
	value     TokenValue
	kid       string
	claims    map[string]any
	metadata  map[string]any
}

func (r TokenRecord) ID() uuid.UUID        { return r.id }
func (r TokenRecord) IsNew() bool          { return r.isNew }
func (r TokenRecord) Kind() TokenKind      { return r.kind }
func (r TokenRecord) IssuedAt() time.Time  { return r.issuedAt }
func (r TokenRecord) ExpiresAt() time.Time { return r.expiresAt }
func (r TokenRecord) Subject() string      { return r.subject }
func (r TokenRecord) Value() TokenValue    { return r.value }
func (r TokenRecord) KID() string          { return r.kid }

func (r TokenRecord) RevokedAt() (time.Time, bool) {
	if r.revokedAt == nil {
		return time.Time{}, false
	}
	return *r.revokedAt, true
}

// Digest returns the stored digest, or an empty string while the value is
// still raw.
func (r TokenRecord) Digest() string {
	if !r.value.digested {
		return ""
	}
	return r.value.value
}

func (r TokenRecord) Scopes() []string {
	return append(make([]string, 0, len(r.scopes)), r.scopes...)
}

func (r TokenRecord) Claims() map[string]any {
	return cloneMap(r.claims)
}

func (r TokenRecord) Metadata() map[string]any {
	return cloneMap(r.metadata)
}

func (r TokenRecord) IsRevoked() bool {
	return r.revokedAt != nil
}

func (r TokenRecord) IsExpired(now time.Time) bool {
	return !r.expiresAt.After(now)
}

// IsLive reports whether the token is neither revoked nor expired at now.
func (r TokenRecord) IsLive(now time.Time) bool {
	return !r.IsRevoked() && !r.IsExpired(now)
}

// Equal compares by id when both records have one, by kind and digest
// otherwise.
func (r TokenRecord) Equal(o TokenRecord) bool {
	if r.id != uuid.Nil && o.id != uuid.Nil {
		return r.id == o.id
	}
	return r.kind == o.kind && r.value == o.value
}

// AsExisting adopts a persisted identity.
func (r TokenRecord) AsExisting(id uuid.UUID) TokenRecord {
	r.id = id
	r.isNew = false
	return r
}

// AsNew assigns a fresh identity that has not been persisted yet.
func (r TokenRecord) AsNew(id uuid.UUID) TokenRecord {
	r.id = id
	r.isNew = true
	return r
}

func (r TokenRecord) WithDigest(digest string) (TokenRecord, error) {
	if strings.TrimSpace(digest) == "" {
		return TokenRecord{}, fmt.Errorf("%w: digest is required", ErrInvalidToken)
	}
	r.value = DigestedValue(digest)
	return r, nil
}

// Revoke returns a copy revoked at the given instant. Already revoked
// records are returned unchanged.
func (r TokenRecord) Revoke(at time.Time) TokenRecord {
	if r.revokedAt != nil {
		return r
	}
	r.revokedAt = &at
	return r
}

func (r TokenRecord) ToBuilder() TokenRecordBuilder {
	return TokenRecordBuilder{
		ID:        r.id,
		New:       r.isNew,
		Kind:      r.kind,
		IssuedAt:  r.issuedAt,
		ExpiresAt: r.expiresAt,
		RevokedAt: copyTime(r.revokedAt),
		Subject:   r.subject,
		Scopes:    r.Scopes(),
		Value:     r.value,
		KID:       r.kid,
		Claims:    r.Claims(),
		Metadata:  r.Metadata(),
	}
}

// TokenRecordBuilder accumulates the fields of a TokenRecord. Build validates
// them and copies every collection, so the builder can be reused afterwards.
type TokenRecordBuilder struct {
	ID        uuid.UUID
	New       bool
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	Subject   string
	Scopes    []string
	Value     TokenValue
	KID       string
	Claims    map[string]any
	// Metadata may carry the reserved keys; they are moved into the
	// corresponding fields when the explicit field is empty.
	Metadata map[string]any
}

func (b TokenRecordBuilder) Build() (TokenRecord, error) {
	if !b.Kind.Valid() {
		return TokenRecord{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidToken, b.Kind)
	}
	if b.Value.IsZero() {
		return TokenRecord{}, fmt.Errorf("%w: value is required", ErrInvalidToken)
	}
	if b.IssuedAt.IsZero() || b.ExpiresAt.IsZero() {
		return TokenRecord{}, fmt.Errorf("%w: issued_at and expires_at are required", ErrInvalidToken)
	}
	if !b.IssuedAt.Before(b.ExpiresAt) {
		return TokenRecord{}, fmt.Errorf("%w: issued_at must be before expires_at", ErrInvalidToken)
	}

	claims := cloneMap(b.Claims)
	metadata := make(map[string]any, len(b.Metadata))
	kid := strings.TrimSpace(b.KID)
	revokedAt := copyTime(b.RevokedAt)

	for k, v := range b.Metadata {
		switch k {
		case MetadataClaims:
			extracted, err := claimsFromMetadata(v)
			if err != nil {
				return TokenRecord{}, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
			}
			for ck, cv := range extracted {
				if _, ok := claims[ck]; !ok {
					claims[ck] = cv
				}
			}
		case MetadataKID:
			if s, ok := v.(string); ok && kid == "" {
				kid = strings.TrimSpace(s)
			}
		case MetadataRevokedAt:
			if t, ok := timeFromMetadata(v); ok && revokedAt == nil {
				revokedAt = &t
			}
		case MetadataInvalidated:
		default:
			metadata[k] = cloneValue(v)
		}
	}

	if kid == "" {
		return TokenRecord{}, fmt.Errorf("%w: signing key id is required", ErrInvalidToken)
	}

	scopes := normalizeScopes(b.Scopes)
	if len(scopes) > 0 && b.Kind != TokenKindAccess {
		return TokenRecord{}, fmt.Errorf("%w: scopes are only allowed on access tokens", ErrInvalidToken)
	}

	subject := strings.TrimSpace(b.Subject)
	if b.Kind == TokenKindIDToken {
		if len(claims) == 0 {
			return TokenRecord{}, fmt.Errorf("%w: id token requires claims", ErrInvalidToken)
		}
		if sub, ok := claims["sub"].(string); ok && subject == "" {
			subject = strings.TrimSpace(sub)
		}
		if subject == "" {
			return TokenRecord{}, fmt.Errorf("%w: id token requires a subject", ErrInvalidToken)
		}
	}

	return TokenRecord{
		id:        b.ID,
		isNew:     b.New || b.ID == uuid.Nil,
		kind:      b.Kind,
		issuedAt:  b.IssuedAt,
		expiresAt: b.ExpiresAt,
		revokedAt: revokedAt,
		subject:   subject,
		scopes:    scopes,
		value:     b.Value,
		kid:       kid,
		claims:    claims,
		metadata:  metadata,
	}, nil
}

// ExternalToken is the representation handed to protocol adapters.
type ExternalToken struct {
	Kind      TokenKind
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Subject   string
	Scopes    []string
	Metadata  map[string]any
}

// ToExternal builds the adapter-facing view of a record. value is the token
// value the caller presented; when empty the stored digest is used.
func ToExternal(r TokenRecord, value string) ExternalToken {
	if value == "" {
		value = r.Digest()
	}

	metadata := r.Metadata()
	metadata[MetadataKID] = r.kid
	if len(r.claims) > 0 {
		metadata[MetadataClaims] = r.Claims()
	}
	if revokedAt, ok := r.RevokedAt(); ok {
		metadata[MetadataInvalidated] = true
		metadata[MetadataRevokedAt] = revokedAt
	}

	return ExternalToken{
		Kind:      r.kind,
		Value:     value,
		IssuedAt:  r.issuedAt,
		ExpiresAt: r.expiresAt,
		Subject:   r.subject,
		Scopes:    r.Scopes(),
		Metadata:  metadata,
	}
}
