package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/dtroode/custodian/internal/logger"
	"github.com/dtroode/custodian/internal/metrics"
	"github.com/dtroode/custodian/internal/model"
)

const defaultSaveMaxAttempts = 5

// Hasher turns token values into digests.
type Hasher interface {
	// Sum always hashes value.
	Sum(value string) string
	// Resolve hashes raw values and validates already digested ones.
	Resolve(v model.TokenValue) (string, error)
}

// Authorization persists authorization aggregates and looks up credentials
// by their raw value. Raw token values never reach the store.
type Authorization struct {
	store       model.AuthorizationStore
	hasher      Hasher
	metrics     *metrics.Metrics
	logger      *logger.Logger
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	now         func() time.Time
}

type AuthorizationOption func(*Authorization)

func WithSaveMaxAttempts(n uint) AuthorizationOption {
	return func(a *Authorization) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithSaveBackOff sets the delay policy between conflicting save attempts.
func WithSaveBackOff(newBackOff func() backoff.BackOff) AuthorizationOption {
	return func(a *Authorization) { a.newBackOff = newBackOff }
}

func WithAuthorizationMetrics(m *metrics.Metrics) AuthorizationOption {
	return func(a *Authorization) { a.metrics = m }
}

func WithAuthorizationClock(now func() time.Time) AuthorizationOption {
	return func(a *Authorization) { a.now = now }
}

func NewAuthorization(store model.AuthorizationStore, hasher Hasher, logger *logger.Logger, opts ...AuthorizationOption) *Authorization {
	a := &Authorization{
		store:       store,
		hasher:      hasher,
		logger:      logger,
		maxAttempts: defaultSaveMaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Save digests every token value, then under a per-authorization lock
// resolves which digests are already stored, adopts their ids, assigns
// fresh ids to the rest and replaces the stored token set. Conflicting
// concurrent writes are retried up to the configured number of attempts.
//
// Save replaces the whole aggregate. Callers amending a stored
// authorization should use Update so their change is applied to the
// current state.
func (s *Authorization) Save(ctx context.Context, auth model.Authorization) (model.Authorization, error) {
	tokens, digests, err := s.digestTokens(auth.Tokens())
	if err != nil {
		s.metrics.Saved(err)
		return model.Authorization{}, err
	}

	saved, err := s.retry(ctx, auth.ID(), func(ctx context.Context, tx model.AuthorizationTx) (model.Authorization, error) {
		return s.reconcile(ctx, tx, auth, tokens, digests)
	})
	s.metrics.Saved(err)
	if err != nil {
		s.logger.Error("Authorization service: failed to save authorization",
			"authorization_id", auth.ID(), "client_id", auth.ClientID(), "error", err.Error())
		return model.Authorization{}, fmt.Errorf("failed to save authorization: %w", err)
	}

	return saved, nil
}

// UpdateFunc derives the next state of an authorization from the stored one.
type UpdateFunc func(current model.Authorization) (model.Authorization, error)

// ErrNoChange may be returned by an UpdateFunc to leave the stored
// authorization untouched.
var ErrNoChange = errors.New("no change")

// Update reads the authorization, applies fn and saves the result, all
// under the authorization lock. Returns ErrNotFound when id is unknown.
func (s *Authorization) Update(ctx context.Context, id uuid.UUID, fn UpdateFunc) (model.Authorization, error) {
	var unchanged model.Authorization
	saved, err := s.retry(ctx, id, func(ctx context.Context, tx model.AuthorizationTx) (model.Authorization, error) {
		current, err := tx.FindByID(ctx, id)
		if err != nil {
			return model.Authorization{}, err
		}

		next, err := fn(current)
		if err != nil {
			unchanged = current
			return model.Authorization{}, err
		}
		if next.ID() != id {
			return model.Authorization{}, fmt.Errorf("%w: update changed the authorization id", model.ErrInvalidAuthorization)
		}

		tokens, digests, err := s.digestTokens(next.Tokens())
		if err != nil {
			return model.Authorization{}, err
		}
		return s.reconcile(ctx, tx, next, tokens, digests)
	})
	if errors.Is(err, ErrNoChange) {
		return unchanged, nil
	}
	s.metrics.Saved(err)
	if err != nil {
		if !isNotFound(err) {
			s.logger.Error("Authorization service: failed to update authorization", "authorization_id", id, "error", err.Error())
		}
		return model.Authorization{}, fmt.Errorf("failed to update authorization %s: %w", id, err)
	}
	return saved, nil
}

// retry runs op under the lock of id, retrying on ErrConflict.
func (s *Authorization) retry(ctx context.Context, id uuid.UUID, op func(ctx context.Context, tx model.AuthorizationTx) (model.Authorization, error)) (model.Authorization, error) {
	return backoff.Retry(ctx, func() (model.Authorization, error) {
		var out model.Authorization
		err := s.store.WithinLock(ctx, id, func(ctx context.Context, tx model.AuthorizationTx) error {
			var err error
			out, err = op(ctx, tx)
			return err
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, model.ErrConflict) {
			s.metrics.SaveConflict()
			return model.Authorization{}, err
		}
		return model.Authorization{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Warn("Authorization service: save conflict, retrying",
				"authorization_id", id, "retry_in", d, "error", err.Error())
		}),
	)
}

func (s *Authorization) digestTokens(in []model.TokenRecord) ([]model.TokenRecord, []string, error) {
	tokens := make([]model.TokenRecord, 0, len(in))
	digests := make([]string, 0, len(in))
	seen := make(map[string]model.TokenKind, len(in))

	for _, t := range in {
		d, err := s.hasher.Resolve(t.Value())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to digest %s token: %w", t.Kind(), err)
		}
		if kind, ok := seen[d]; ok {
			if kind == t.Kind() {
				continue
			}
			return nil, nil, fmt.Errorf("%w: %s and %s tokens share a value", model.ErrInvalidAuthorization, kind, t.Kind())
		}
		seen[d] = t.Kind()

		digested, err := t.WithDigest(d)
		if err != nil {
			return nil, nil, err
		}
		tokens = append(tokens, digested)
		digests = append(digests, d)
	}
	return tokens, digests, nil
}

// reconcile must run inside WithinLock for auth.ID().
func (s *Authorization) reconcile(ctx context.Context, tx model.AuthorizationTx, auth model.Authorization, tokens []model.TokenRecord, digests []string) (model.Authorization, error) {
	exists, err := tx.Exists(ctx, auth.ID())
	if err != nil {
		return model.Authorization{}, fmt.Errorf("failed to check authorization: %w", err)
	}

	existing, err := tx.ResolveExistingIDsByDigests(ctx, digests)
	if err != nil {
		return model.Authorization{}, fmt.Errorf("failed to resolve token ids: %w", err)
	}

	reconciled := make([]model.TokenRecord, 0, len(tokens))
	for _, t := range tokens {
		if id, ok := existing[t.Digest()]; ok {
			reconciled = append(reconciled, t.AsExisting(id))
			continue
		}
		reconciled = append(reconciled, t.AsNew(uuid.New()))
	}

	b := auth.ToBuilder()
	b.New = !exists
	b.Tokens = reconciled
	next, err := b.Build()
	if err != nil {
		return model.Authorization{}, err
	}

	return tx.Save(ctx, next)
}

// FindByID returns nil when no authorization has the id.
func (s *Authorization) FindByID(ctx context.Context, id uuid.UUID) (*model.Authorization, error) {
	auth, err := s.store.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find authorization: %w", err)
	}
	return &auth, nil
}

// FindByRawValue looks up the credential a raw token value belongs to.
// A hint naming a token kind restricts the digest lookup to that kind; an
// empty hint matches any kind; any other hint is treated as an attribute
// name matched against the raw value. Returns nil on a miss.
func (s *Authorization) FindByRawValue(ctx context.Context, raw, hint string) (*model.Credential, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	hint = strings.TrimSpace(hint)

	kind, isKind := model.TokenKindFromWireName(hint)
	if hint != "" && !isKind {
		auth, err := s.store.FindByAttribute(ctx, hint, raw)
		if err != nil {
			if isNotFound(err) {
				s.metrics.Lookup(false)
				return nil, nil
			}
			return nil, fmt.Errorf("failed to find authorization by attribute: %w", err)
		}
		s.metrics.Lookup(true)
		return &model.Credential{Authorization: auth}, nil
	}

	digest := s.hasher.Sum(raw)
	auth, err := s.store.FindByDigest(ctx, digest, kind)
	if err != nil {
		if isNotFound(err) {
			s.metrics.Lookup(false)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find authorization by token: %w", err)
	}

	tok, ok := auth.FindByDigest(digest)
	if !ok {
		s.metrics.Lookup(false)
		return nil, nil
	}
	s.metrics.Lookup(true)
	return &model.Credential{Authorization: auth, Token: &tok}, nil
}

// ValidateAccessToken resolves a bearer access token to the principal it was
// issued to.
func (s *Authorization) ValidateAccessToken(ctx context.Context, raw string) (string, error) {
	cred, err := s.FindByRawValue(ctx, raw, model.TokenKindAccess.WireName())
	if err != nil {
		return "", err
	}
	if cred == nil || cred.Token == nil {
		return "", model.ErrNotFound
	}
	if cred.Token.IsRevoked() {
		return "", model.ErrTokenRevoked
	}
	if cred.Token.IsExpired(s.now()) {
		return "", model.ErrTokenExpired
	}
	return cred.Authorization.PrincipalName(), nil
}

// RevokeToken marks the token matching raw as revoked. It reports false
// when no token matched. The revocation is applied to the authorization as
// stored under its lock, so concurrent amendments are not lost.
func (s *Authorization) RevokeToken(ctx context.Context, raw, hint string) (bool, error) {
	cred, err := s.FindByRawValue(ctx, raw, hint)
	if err != nil {
		return false, err
	}
	if cred == nil || cred.Token == nil {
		return false, nil
	}
	digest := cred.Token.Digest()

	matched, revoked := false, false
	_, err = s.Update(ctx, cred.Authorization.ID(), func(current model.Authorization) (model.Authorization, error) {
		matched, revoked = false, false
		tok, ok := current.FindByDigest(digest)
		if !ok {
			return current, ErrNoChange
		}
		matched = true
		if tok.IsRevoked() {
			return current, ErrNoChange
		}
		revoked = true
		return current.WithToken(tok.Revoke(s.now().UTC())), nil
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if revoked {
		s.logger.Info("Authorization service: revoked token",
			"authorization_id", cred.Authorization.ID(), "kind", cred.Token.Kind(), "kid", cred.Token.KID())
	}
	return matched, nil
}

// Remove deletes the authorization and every token it owns.
func (s *Authorization) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if !isNotFound(err) {
			s.logger.Error("Authorization service: failed to remove authorization", "authorization_id", id, "error", err.Error())
		}
		return fmt.Errorf("failed to remove authorization %s: %w", id, err)
	}
	return nil
}

func (s *Authorization) ListAll(ctx context.Context) ([]model.Authorization, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	return all, nil
}
