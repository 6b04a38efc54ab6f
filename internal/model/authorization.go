package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeClientCredentials GrantType = "client_credentials"
)

func (g GrantType) Valid() bool {
	switch g {
	case GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials:
		return true
	}
	return false
}

func GrantTypeFromWireName(name string) (GrantType, bool) {
	g := GrantType(strings.ToLower(strings.TrimSpace(name)))
	return g, g.Valid()
}

// Authorization groups every token issued for one client, principal and
// grant. It exclusively owns its token records.
type Authorization struct {
	id            uuid.UUID
	isNew         bool
	clientID      string
	principalName string
	grantType     GrantType
	scopes        []string
	attributes    map[string]any
	tokens        []TokenRecord
}

func (a Authorization) ID() uuid.UUID         { return a.id }
func (a Authorization) IsNew() bool           { return a.isNew }
func (a Authorization) ClientID() string      { return a.clientID }
func (a Authorization) PrincipalName() string { return a.principalName }
func (a Authorization) GrantType() GrantType  { return a.grantType }

func (a Authorization) AuthorizedScopes() []string {
	return append(make([]string, 0, len(a.scopes)), a.scopes...)
}

func (a Authorization) Attributes() map[string]any {
	return cloneMap(a.attributes)
}

func (a Authorization) Attribute(key string) (any, bool) {
	v, ok := a.attributes[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

func (a Authorization) Tokens() []TokenRecord {
	return append(make([]TokenRecord, 0, len(a.tokens)), a.tokens...)
}

// Token returns the first record of the given kind.
func (a Authorization) Token(kind TokenKind) (TokenRecord, bool) {
	for _, t := range a.tokens {
		if t.kind == kind {
			return t, true
		}
	}
	return TokenRecord{}, false
}

// FindByDigest scans the owned records for a stored digest. Raw values are
// never compared.
func (a Authorization) FindByDigest(digest string) (TokenRecord, bool) {
	if digest == "" {
		return TokenRecord{}, false
	}
	for _, t := range a.tokens {
		if t.value.digested && t.value.value == digest {
			return t, true
		}
	}
	return TokenRecord{}, false
}

// HasAttribute reports whether the attribute under key structurally contains
// value.
func (a Authorization) HasAttribute(key string, value any) bool {
	v, ok := a.attributes[key]
	if !ok {
		return false
	}
	return jsonContains(v, value)
}

// WithToken returns a copy in which t replaces the record with the same
// identity, or is appended when no such record exists.
func (a Authorization) WithToken(t TokenRecord) Authorization {
	tokens := make([]TokenRecord, 0, len(a.tokens)+1)
	replaced := false
	for _, existing := range a.tokens {
		if !replaced && existing.Equal(t) {
			tokens = append(tokens, t)
			replaced = true
			continue
		}
		tokens = append(tokens, existing)
	}
	if !replaced {
		tokens = append(tokens, t)
	}
	a.tokens = tokens
	return a
}

func (a Authorization) ToBuilder() AuthorizationBuilder {
	return AuthorizationBuilder{
		ID:            a.id,
		New:           a.isNew,
		ClientID:      a.clientID,
		PrincipalName: a.principalName,
		GrantType:     a.grantType,
		Scopes:        a.AuthorizedScopes(),
		Attributes:    a.Attributes(),
		Tokens:        a.Tokens(),
	}
}

type AuthorizationBuilder struct {
	// ID is generated when empty.
	ID            uuid.UUID
	New           bool
	ClientID      string
	PrincipalName string
	GrantType     GrantType
	Scopes        []string
	Attributes    map[string]any
	Tokens        []TokenRecord
}

func (b AuthorizationBuilder) Build() (Authorization, error) {
	if strings.TrimSpace(b.ClientID) == "" {
		return Authorization{}, fmt.Errorf("%w: client id is required", ErrInvalidAuthorization)
	}
	if strings.TrimSpace(b.PrincipalName) == "" {
		return Authorization{}, fmt.Errorf("%w: principal name is required", ErrInvalidAuthorization)
	}
	if !b.GrantType.Valid() {
		return Authorization{}, fmt.Errorf("%w: unknown grant type %q", ErrInvalidAuthorization, b.GrantType)
	}

	id, isNew := b.ID, b.New
	if id == uuid.Nil {
		id, isNew = uuid.New(), true
	}

	tokens := make([]TokenRecord, 0, len(b.Tokens))
	for _, t := range b.Tokens {
		duplicate := false
		for _, kept := range tokens {
			if kept.Equal(t) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			tokens = append(tokens, t)
		}
	}

	return Authorization{
		id:            id,
		isNew:         isNew,
		clientID:      b.ClientID,
		principalName: b.PrincipalName,
		grantType:     b.GrantType,
		scopes:        normalizeScopes(b.Scopes),
		attributes:    cloneMap(b.Attributes),
		tokens:        tokens,
	}, nil
}
