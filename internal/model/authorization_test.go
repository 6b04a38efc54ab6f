package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizationBuilder_Build(t *testing.T) {
	tests := []struct {
		name    string
		builder AuthorizationBuilder
		wantErr bool
	}{
		{
			name: "valid",
			builder: AuthorizationBuilder{
				ClientID:      "c1",
				PrincipalName: "u1",
				GrantType:     GrantTypeAuthorizationCode,
			},
		},
		{
			name:    "missing client",
			builder: AuthorizationBuilder{PrincipalName: "u1", GrantType: GrantTypeAuthorizationCode},
			wantErr: true,
		},
		{
			name:    "missing principal",
			builder: AuthorizationBuilder{ClientID: "c1", GrantType: GrantTypeAuthorizationCode},
			wantErr: true,
		},
		{
			name:    "unknown grant type",
			builder: AuthorizationBuilder{ClientID: "c1", PrincipalName: "u1", GrantType: "password"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := tt.builder.Build()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAuthorization)
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, auth.ID())
			assert.True(t, auth.IsNew())
			assert.NotNil(t, auth.AuthorizedScopes())
			assert.NotNil(t, auth.Attributes())
		})
	}
}

func TestAuthorization_Tokens(t *testing.T) {
	now := time.Now()
	access, err := accessBuilder(now).Build()
	require.NoError(t, err)
	access, err = access.WithDigest("access-digest")
	require.NoError(t, err)

	rb := accessBuilder(now)
	rb.Kind = TokenKindRefresh
	rb.Value = DigestedValue("refresh-digest")
	refresh, err := rb.Build()
	require.NoError(t, err)

	auth, err := AuthorizationBuilder{
		ClientID:      "c1",
		PrincipalName: "u1",
		GrantType:     GrantTypeAuthorizationCode,
		Tokens:        []TokenRecord{access, access},
	}.Build()
	require.NoError(t, err)
	assert.Len(t, auth.Tokens(), 1, "duplicates by digest collapse")

	auth = auth.WithToken(refresh)
	assert.Len(t, auth.Tokens(), 2)

	got, ok := auth.FindByDigest("refresh-digest")
	require.True(t, ok)
	assert.Equal(t, TokenKindRefresh, got.Kind())

	_, ok = auth.FindByDigest("missing")
	assert.False(t, ok)
	_, ok = auth.FindByDigest("")
	assert.False(t, ok)

	revoked := auth.WithToken(refresh.Revoke(now))
	assert.Len(t, revoked.Tokens(), 2, "same identity is replaced")
	tok, ok := revoked.Token(TokenKindRefresh)
	require.True(t, ok)
	assert.True(t, tok.IsRevoked())

	tok, ok = auth.Token(TokenKindRefresh)
	require.True(t, ok)
	assert.False(t, tok.IsRevoked(), "original aggregate untouched")
}

func TestAuthorization_FindByDigest_IgnoresRawValues(t *testing.T) {
	raw, err := accessBuilder(time.Now()).Build()
	require.NoError(t, err)

	auth, err := AuthorizationBuilder{
		ClientID:      "c1",
		PrincipalName: "u1",
		GrantType:     GrantTypeClientCredentials,
		Tokens:        []TokenRecord{raw},
	}.Build()
	require.NoError(t, err)

	_, ok := auth.FindByDigest("raw-abc123")
	assert.False(t, ok)
}

func TestAuthorization_HasAttribute(t *testing.T) {
	auth, err := AuthorizationBuilder{
		ClientID:      "c1",
		PrincipalName: "u1",
		GrantType:     GrantTypeAuthorizationCode,
		Attributes: map[string]any{
			"state": "s-1",
			"request": map[string]any{
				"redirect_uri": "https://app/cb",
				"scopes":       []string{"openid", "profile"},
			},
			"attempts": 2,
		},
	}.Build()
	require.NoError(t, err)

	tests := []struct {
		name  string
		key   string
		value any
		want  bool
	}{
		{"scalar match", "state", "s-1", true},
		{"scalar mismatch", "state", "s-2", false},
		{"missing key", "nonce", "n", false},
		{"nested subset", "request", map[string]any{"redirect_uri": "https://app/cb"}, true},
		{"nested array subset", "request", map[string]any{"scopes": []string{"openid"}}, true},
		{"nested array mismatch", "request", map[string]any{"scopes": []string{"email"}}, false},
		{"number across types", "attempts", 2.0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.HasAttribute(tt.key, tt.value))
		})
	}
}

func TestGrantTypeFromWireName(t *testing.T) {
	g, ok := GrantTypeFromWireName("Refresh_Token")
	assert.True(t, ok)
	assert.Equal(t, GrantTypeRefreshToken, g)

	_, ok = GrantTypeFromWireName("implicit")
	assert.False(t, ok)
}
