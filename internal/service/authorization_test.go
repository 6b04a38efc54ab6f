package service

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/custodian/internal/digest"
	"github.com/dtroode/custodian/internal/model"
	"github.com/dtroode/custodian/internal/repository/memory"
	"github.com/dtroode/custodian/internal/testutil"
)

func newDigester(t *testing.T) *digest.Digester {
	t.Helper()
	d, err := digest.New(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	return d
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func rawToken(t *testing.T, kind model.TokenKind, raw string, ttl time.Duration) model.TokenRecord {
	t.Helper()
	now := time.Now()
	b := model.TokenRecordBuilder{
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Value:     model.RawValue(raw),
		KID:       "kid-1",
	}
	if kind == model.TokenKindIDToken {
		b.Claims = map[string]any{"sub": "u1"}
	}
	rec, err := b.Build()
	require.NoError(t, err)
	return rec
}

func newAuth(t *testing.T, attrs map[string]any, tokens ...model.TokenRecord) model.Authorization {
	t.Helper()
	auth, err := model.AuthorizationBuilder{
		ClientID:      "c1",
		PrincipalName: "u1",
		GrantType:     model.GrantTypeAuthorizationCode,
		Scopes:        []string{"openid"},
		Attributes:    attrs,
		Tokens:        tokens,
	}.Build()
	require.NoError(t, err)
	return auth
}

func withTokens(t *testing.T, auth model.Authorization, tokens ...model.TokenRecord) model.Authorization {
	t.Helper()
	b := auth.ToBuilder()
	b.Tokens = tokens
	out, err := b.Build()
	require.NoError(t, err)
	return out
}

func newAuthorizationService(t *testing.T, store model.AuthorizationStore) (*Authorization, *digest.Digester) {
	t.Helper()
	d := newDigester(t)
	return NewAuthorization(store, d, testutil.MakeNoopLogger(), WithSaveBackOff(zeroBackOff)), d
}

func TestAuthorization_Save_ReconcilesAcrossSaves(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore().Authorizations()
	svc, d := newAuthorizationService(t, store)

	auth := newAuth(t, nil, rawToken(t, model.TokenKindAccess, "raw-abc123", time.Hour))
	saved, err := svc.Save(ctx, auth)
	require.NoError(t, err)
	assert.False(t, saved.IsNew())

	cred, err := svc.FindByRawValue(ctx, "raw-abc123", "access_token")
	require.NoError(t, err)
	require.NotNil(t, cred)
	require.NotNil(t, cred.Token)
	assert.Equal(t, model.TokenKindAccess, cred.Token.Kind())
	assert.Equal(t, d.Sum("raw-abc123"), cred.Token.Digest())
	accessID := cred.Token.ID()

	// Re-save the original in-memory aggregate, still holding the raw
	// access value, with a refresh token appended.
	next := auth.WithToken(rawToken(t, model.TokenKindRefresh, "raw-refresh", 24*time.Hour))
	_, err = svc.Save(ctx, next)
	require.NoError(t, err)

	cred, err = svc.FindByRawValue(ctx, "raw-abc123", "access_token")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, accessID, cred.Token.ID(), "access record keeps its persisted id")
	assert.Len(t, cred.Authorization.Tokens(), 2)

	ids, err := store.ResolveExistingIDsByDigests(ctx, []string{d.Sum("raw-abc123")})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestAuthorization_Save_DigestedAndRawFormsMatch(t *testing.T) {
	ctx := context.Background()
	svc, d := newAuthorizationService(t, memory.NewStore().Authorizations())

	raw := rawToken(t, model.TokenKindAccess, "raw-value", time.Hour)
	saved, err := svc.Save(ctx, newAuth(t, nil, raw))
	require.NoError(t, err)
	first, _ := saved.Token(model.TokenKindAccess)

	digested, err := raw.WithDigest(d.Sum("raw-value"))
	require.NoError(t, err)
	again, err := svc.Save(ctx, withTokens(t, saved, digested))
	require.NoError(t, err)
	second, _ := again.Token(model.TokenKindAccess)

	assert.Equal(t, first.ID(), second.ID())
}

func TestAuthorization_Save_InvalidDigest(t *testing.T) {
	svc, _ := newAuthorizationService(t, memory.NewStore().Authorizations())

	tok := rawToken(t, model.TokenKindAccess, "raw", time.Hour)
	tok, err := tok.WithDigest("not-a-digest")
	require.NoError(t, err)

	_, err = svc.Save(context.Background(), newAuth(t, nil, tok))
	assert.ErrorIs(t, err, model.ErrInvalidDigest)
}

func TestAuthorization_Save_SharedValueAcrossKinds(t *testing.T) {
	svc, _ := newAuthorizationService(t, memory.NewStore().Authorizations())

	auth := newAuth(t, nil,
		rawToken(t, model.TokenKindAccess, "same", time.Hour),
		rawToken(t, model.TokenKindRefresh, "same", time.Hour),
	)
	_, err := svc.Save(context.Background(), auth)
	assert.ErrorIs(t, err, model.ErrInvalidAuthorization)
}

// conflictingStore fails the first n locked sections with ErrConflict.
type conflictingStore struct {
	model.AuthorizationStore
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) WithinLock(ctx context.Context, id uuid.UUID, fn func(context.Context, model.AuthorizationTx) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return model.ErrConflict
	}
	return s.AuthorizationStore.WithinLock(ctx, id, fn)
}

func TestAuthorization_Save_RetriesConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds within budget", func(t *testing.T) {
		store := &conflictingStore{AuthorizationStore: memory.NewStore().Authorizations()}
		store.remaining.Store(2)
		svc, _ := newAuthorizationService(t, store)

		_, err := svc.Save(ctx, newAuth(t, nil, rawToken(t, model.TokenKindAccess, "r", time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, int32(3), store.calls.Load())
	})

	t.Run("gives up after budget", func(t *testing.T) {
		store := &conflictingStore{AuthorizationStore: memory.NewStore().Authorizations()}
		store.remaining.Store(10)
		d := newDigester(t)
		svc := NewAuthorization(store, d, testutil.MakeNoopLogger(), WithSaveBackOff(zeroBackOff), WithSaveMaxAttempts(3))

		_, err := svc.Save(ctx, newAuth(t, nil, rawToken(t, model.TokenKindAccess, "r", time.Hour)))
		assert.ErrorIs(t, err, model.ErrConflict)
		assert.Equal(t, int32(3), store.calls.Load())
	})
}

type failingStore struct {
	model.AuthorizationStore
	calls atomic.Int32
}

func (s *failingStore) WithinLock(ctx context.Context, id uuid.UUID, fn func(context.Context, model.AuthorizationTx) error) error {
	s.calls.Add(1)
	return errors.New("connection reset")
}

func TestAuthorization_Save_DoesNotRetryOtherErrors(t *testing.T) {
	store := &failingStore{AuthorizationStore: memory.NewStore().Authorizations()}
	svc, _ := newAuthorizationService(t, store)

	_, err := svc.Save(context.Background(), newAuth(t, nil, rawToken(t, model.TokenKindAccess, "r", time.Hour)))
	require.Error(t, err)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestAuthorization_Save_ConcurrentSameAggregate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore().Authorizations()
	svc, d := newAuthorizationService(t, store)

	auth := newAuth(t, nil, rawToken(t, model.TokenKindAccess, "shared-access", time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Save(ctx, auth)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ids, err := store.ResolveExistingIDsByDigests(ctx, []string{d.Sum("shared-access")})
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	all, err := svc.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Tokens(), 1)
}

func TestAuthorization_FindByRawValue(t *testing.T) {
	ctx := context.Background()
	svc, _ := newAuthorizationService(t, memory.NewStore().Authorizations())

	_, err := svc.Save(ctx, newAuth(t, map[string]any{"state": "st-1"},
		rawToken(t, model.TokenKindAccess, "acc", time.Hour),
		rawToken(t, model.TokenKindAuthorizationCode, "code", time.Minute),
	))
	require.NoError(t, err)

	tests := []struct {
		name      string
		raw       string
		hint      string
		found     bool
		wantKind  model.TokenKind
		wantToken bool
	}{
		{name: "by kind", raw: "acc", hint: "access_token", found: true, wantKind: model.TokenKindAccess, wantToken: true},
		{name: "no hint", raw: "code", hint: "", found: true, wantKind: model.TokenKindAuthorizationCode, wantToken: true},
		{name: "wrong kind", raw: "acc", hint: "refresh_token", found: false},
		{name: "unknown value", raw: "nope", hint: "access_token", found: false},
		{name: "attribute fallback", raw: "st-1", hint: "state", found: true},
		{name: "attribute miss", raw: "st-2", hint: "state", found: false},
		{name: "blank raw", raw: " ", hint: "", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := svc.FindByRawValue(ctx, tt.raw, tt.hint)
			require.NoError(t, err)
			if !tt.found {
				assert.Nil(t, cred)
				return
			}
			require.NotNil(t, cred)
			assert.Equal(t, "u1", cred.Authorization.PrincipalName())
			if !tt.wantToken {
				assert.Nil(t, cred.Token)
				return
			}
			require.NotNil(t, cred.Token)
			assert.Equal(t, tt.wantKind, cred.Token.Kind())
		})
	}
}

func TestAuthorization_RevokeAndValidate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newAuthorizationService(t, memory.NewStore().Authorizations())

	_, err := svc.Save(ctx, newAuth(t, nil,
		rawToken(t, model.TokenKindAccess, "acc", time.Hour),
		rawToken(t, model.TokenKindRefresh, "ref", time.Hour),
	))
	require.NoError(t, err)

	principal, err := svc.ValidateAccessToken(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, "u1", principal)

	_, err = svc.ValidateAccessToken(ctx, "ref")
	assert.ErrorIs(t, err, model.ErrNotFound, "refresh tokens are not bearer credentials")

	ok, err := svc.RevokeToken(ctx, "acc", "access_token")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.ValidateAccessToken(ctx, "acc")
	assert.ErrorIs(t, err, model.ErrTokenRevoked)

	cred, err := svc.FindByRawValue(ctx, "ref", "refresh_token")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.False(t, cred.Token.IsRevoked(), "sibling token untouched")

	ok, err = svc.RevokeToken(ctx, "acc", "")
	require.NoError(t, err)
	assert.True(t, ok, "revoking twice is a no-op")

	ok, err = svc.RevokeToken(ctx, "missing", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

// slowLookupStore delays digest lookups so concurrent callers all read the
// same snapshot before any of them writes.
type slowLookupStore struct {
	model.AuthorizationStore
	delay time.Duration
}

func (s *slowLookupStore) FindByDigest(ctx context.Context, digest string, kind model.TokenKind) (model.Authorization, error) {
	auth, err := s.AuthorizationStore.FindByDigest(ctx, digest, kind)
	time.Sleep(s.delay)
	return auth, err
}

func TestAuthorization_RevokeToken_ConcurrentOnSameAggregate(t *testing.T) {
	ctx := context.Background()
	store := &slowLookupStore{AuthorizationStore: memory.NewStore().Authorizations(), delay: 50 * time.Millisecond}
	svc, _ := newAuthorizationService(t, store)

	_, err := svc.Save(ctx, newAuth(t, nil,
		rawToken(t, model.TokenKindAccess, "raw-access", time.Hour),
		rawToken(t, model.TokenKindRefresh, "raw-refresh", time.Hour),
	))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, tc := range []struct{ raw, hint string }{
		{raw: "raw-access", hint: "access_token"},
		{raw: "raw-refresh", hint: "refresh_token"},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.RevokeToken(ctx, tc.raw, tc.hint)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	for _, tc := range []struct{ raw, hint string }{
		{raw: "raw-access", hint: "access_token"},
		{raw: "raw-refresh", hint: "refresh_token"},
	} {
		cred, err := svc.FindByRawValue(ctx, tc.raw, tc.hint)
		require.NoError(t, err)
		require.NotNil(t, cred)
		assert.True(t, cred.Token.IsRevoked(), "%s must stay revoked", tc.raw)
	}
}

func TestAuthorization_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("applies change to stored state", func(t *testing.T) {
		svc, _ := newAuthorizationService(t, memory.NewStore().Authorizations())
		saved, err := svc.Save(ctx, newAuth(t, nil, rawToken(t, model.TokenKindAccess, "acc", time.Hour)))
		require.NoError(t, err)

		ok, err := svc.RevokeToken(ctx, "acc", "access_token")
		require.NoError(t, err)
		require.True(t, ok)

		// saved is stale: it still holds the live access token.
		_, err = svc.Update(ctx, saved.ID(), func(current model.Authorization) (model.Authorization, error) {
			return current.WithToken(rawToken(t, model.TokenKindRefresh, "ref", time.Hour)), nil
		})
		require.NoError(t, err)

		got, err := svc.FindByID(ctx, saved.ID())
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Len(t, got.Tokens(), 2)

		access, ok := got.Token(model.TokenKindAccess)
		require.True(t, ok)
		assert.True(t, access.IsRevoked())
		_, ok = got.Token(model.TokenKindRefresh)
		assert.True(t, ok)
	})

	t.Run("no change", func(t *testing.T) {
		svc, _ := newAuthorizationService(t, memory.NewStore().Authorizations())
		saved, err := svc.Save(ctx, newAuth(t, nil, rawToken(t, model.TokenKindAccess, "acc", time.Hour)))
		require.NoError(t, err)

		got, err := svc.Update(ctx, saved.ID(), func(current model.Authorization) (model.Authorization, error) {
			return current, ErrNoChange
		})
		require.NoError(t, err)
		assert.Equal(t, saved.ID(), got.ID())
		assert.Len(t, got.Tokens(), 1)
	})

	t.Run("unknown id", func(t *testing.T) {
		svc, _ := newAuthorizationService(t, memory.NewStore().Authorizations())
		_, err := svc.Update(ctx, uuid.New(), func(current model.Authorization) (model.Authorization, error) {
			return current, nil
		})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("id must not change", func(t *testing.T) {
		svc, _ := newAuthorizationService(t, memory.NewStore().Authorizations())
		saved, err := svc.Save(ctx, newAuth(t, nil, rawToken(t, model.TokenKindAccess, "acc", time.Hour)))
		require.NoError(t, err)

		_, err = svc.Update(ctx, saved.ID(), func(current model.Authorization) (model.Authorization, error) {
			return newAuth(t, nil), nil
		})
		assert.ErrorIs(t, err, model.ErrInvalidAuthorization)
	})
}

func TestAuthorization_ValidateAccessToken_Expired(t *testing.T) {
	ctx := context.Background()
	d := newDigester(t)
	now := time.Now()
	svc := NewAuthorization(memory.NewStore().Authorizations(), d, testutil.MakeNoopLogger(),
		WithAuthorizationClock(func() time.Time { return now.Add(2 * time.Hour) }))

	_, err := svc.Save(ctx, newAuth(t, nil, rawToken(t, model.TokenKindAccess, "acc", time.Hour)))
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(ctx, "acc")
	assert.ErrorIs(t, err, model.ErrTokenExpired)
}

func TestAuthorization_FindByIDAndRemove(t *testing.T) {
	ctx := context.Background()
	svc, _ := newAuthorizationService(t, memory.NewStore().Authorizations())

	saved, err := svc.Save(ctx, newAuth(t, nil, rawToken(t, model.TokenKindAccess, "acc", time.Hour)))
	require.NoError(t, err)

	got, err := svc.FindByID(ctx, saved.ID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"openid"}, got.AuthorizedScopes())

	require.NoError(t, svc.Remove(ctx, saved.ID()))

	got, err = svc.FindByID(ctx, saved.ID())
	require.NoError(t, err)
	assert.Nil(t, got)

	cred, err := svc.FindByRawValue(ctx, "acc", "")
	require.NoError(t, err)
	assert.Nil(t, cred)

	err = svc.Remove(ctx, saved.ID())
	assert.ErrorIs(t, err, model.ErrNotFound)
}
