package keys

import (
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/custodian/internal/model"
)

func TestGenerateRSA(t *testing.T) {
	_, err := GenerateRSA(1024)
	assert.Error(t, err)

	key, err := GenerateRSA(DefaultRSABits)
	require.NoError(t, err)
	assert.Equal(t, DefaultRSABits, key.N.BitLen())
}

func TestThumbprint_Stable(t *testing.T) {
	key, err := GenerateRSA(DefaultRSABits)
	require.NoError(t, err)

	a, err := Thumbprint(key.Public())
	require.NoError(t, err)
	b, err := Thumbprint(&key.PublicKey)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 43)
}

func TestCheckAlgorithm(t *testing.T) {
	tests := []struct {
		algorithm string
		wantErr   bool
	}{
		{algorithm: "RS256"},
		{algorithm: "RS384"},
		{algorithm: "RS512"},
		{algorithm: "ES256", wantErr: true},
		{algorithm: "rs256", wantErr: true},
		{algorithm: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			err := CheckAlgorithm(tt.algorithm)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrInvalidSigningKey)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPublicJWKS(t *testing.T) {
	k1, err := GenerateRSA(DefaultRSABits)
	require.NoError(t, err)
	k2, err := GenerateRSA(DefaultRSABits)
	require.NoError(t, err)

	set, err := PublicJWKS([]model.VerificationKey{
		{KID: "k2", Algorithm: DefaultAlgorithm, Status: model.SigningKeyActive, CreatedAt: time.Now(), Public: k2.Public(), Private: k2},
		{KID: "k1", Algorithm: DefaultAlgorithm, Status: model.SigningKeyInactive, CreatedAt: time.Now(), Public: k1.Public()},
	})
	require.NoError(t, err)
	require.Len(t, set.Keys, 2)

	assert.Equal(t, "k2", set.Keys[0].KeyID)
	for _, jwk := range set.Keys {
		assert.True(t, jwk.IsPublic())
		assert.Equal(t, "sig", jwk.Use)
	}

	raw, err := json.Marshal(set)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"d"`, "no private exponent in the published set")

	var decoded jose.JSONWebKeySet
	require.NoError(t, json.Unmarshal(raw, &decoded))
	got := decoded.Key("k1")
	require.Len(t, got, 1)
	assert.True(t, k1.PublicKey.Equal(got[0].Key.(*rsa.PublicKey)))
}

func TestPublicJWKS_InvalidKey(t *testing.T) {
	_, err := PublicJWKS([]model.VerificationKey{{KID: "bad", Algorithm: DefaultAlgorithm}})
	assert.ErrorIs(t, err, model.ErrInvalidSigningKey)
}
