package service

import (
	"context"
	"crypto"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/dtroode/custodian/internal/keys"
	"github.com/dtroode/custodian/internal/logger"
	"github.com/dtroode/custodian/internal/metrics"
	"github.com/dtroode/custodian/internal/model"
)

var verificationStatuses = []model.SigningKeyStatus{model.SigningKeyActive, model.SigningKeyInactive}

// Keys runs the signing key lifecycle: ACTIVE keys sign, INACTIVE keys only
// verify, and INACTIVE keys are purged once no live token references them.
type Keys struct {
	store     model.SigningKeyStore
	archive   model.KeyArchive
	metrics   *metrics.Metrics
	logger    *logger.Logger
	algorithm string
	bits      int
	now       func() time.Time

	// mu serializes state transitions issued by this process.
	mu sync.Mutex
}

type KeysOption func(*Keys)

func WithKeyArchive(archive model.KeyArchive) KeysOption {
	return func(k *Keys) { k.archive = archive }
}

func WithKeysMetrics(m *metrics.Metrics) KeysOption {
	return func(k *Keys) { k.metrics = m }
}

func WithKeyAlgorithm(algorithm string, bits int) KeysOption {
	return func(k *Keys) {
		if algorithm != "" {
			k.algorithm = algorithm
		}
		if bits > 0 {
			k.bits = bits
		}
	}
}

func WithKeysClock(now func() time.Time) KeysOption {
	return func(k *Keys) { k.now = now }
}

func NewKeys(store model.SigningKeyStore, logger *logger.Logger, opts ...KeysOption) *Keys {
	k := &Keys{
		store:     store,
		logger:    logger,
		algorithm: keys.DefaultAlgorithm,
		bits:      keys.DefaultRSABits,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// CheckConfig reports whether keys generated with the configured algorithm
// and size could sign tokens.
func (k *Keys) CheckConfig() error {
	return keys.CheckAlgorithm(k.algorithm)
}

// CreateSigningKey generates a fresh ACTIVE key whose kid is the RFC 7638
// thumbprint of its public half. It is not persisted.
func (k *Keys) CreateSigningKey() (model.SigningKey, error) {
	if err := k.CheckConfig(); err != nil {
		return model.SigningKey{}, err
	}

	priv, err := keys.GenerateRSA(k.bits)
	if err != nil {
		return model.SigningKey{}, err
	}
	kid, err := keys.Thumbprint(priv.Public())
	if err != nil {
		return model.SigningKey{}, err
	}

	b := model.SigningKeyBuilder{
		KID:       kid,
		Algorithm: k.algorithm,
		Status:    model.SigningKeyActive,
		CreatedAt: k.now().UTC(),
	}
	if err := b.GeneratedKeyPair(priv); err != nil {
		return model.SigningKey{}, err
	}

	key, err := b.Build()
	if err != nil {
		return model.SigningKey{}, err
	}

	k.metrics.KeyCreated()
	return key, nil
}

// EnsureActiveKey returns the newest ACTIVE key, generating one when none
// exists.
func (k *Keys) EnsureActiveKey(ctx context.Context) (model.SigningKey, error) {
	if err := k.CheckConfig(); err != nil {
		return model.SigningKey{}, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	active, err := k.store.FindByStatus(ctx, model.SigningKeyActive)
	if err != nil {
		return model.SigningKey{}, fmt.Errorf("failed to find active keys: %w", err)
	}
	if len(active) > 0 {
		return active[0], nil
	}

	key, err := k.CreateSigningKey()
	if err != nil {
		return model.SigningKey{}, fmt.Errorf("failed to create signing key: %w", err)
	}

	// Rotate rather than Save: another replica may have inserted a key
	// concurrently, and only one of them may stay ACTIVE.
	retired, err := k.store.Rotate(ctx, key)
	if err != nil {
		return model.SigningKey{}, fmt.Errorf("failed to persist signing key: %w", err)
	}
	k.metrics.KeysRetired(len(retired))

	k.logger.Info("Keys service: generated initial signing key", "kid", key.KID(), "algorithm", key.Algorithm())
	return key, nil
}

// Rotate promotes a newly generated key to ACTIVE and retires every other
// ACTIVE key. The new key is persisted before any key is retired.
func (k *Keys) Rotate(ctx context.Context) (model.SigningKey, error) {
	key, err := k.CreateSigningKey()
	if err != nil {
		k.logger.Error("Keys service: failed to create signing key", "error", err.Error())
		return model.SigningKey{}, fmt.Errorf("failed to create signing key: %w", err)
	}

	k.mu.Lock()
	retired, err := k.store.Rotate(ctx, key)
	k.mu.Unlock()
	if err != nil {
		k.logger.Error("Keys service: failed to rotate signing key", "kid", key.KID(), "error", err.Error())
		return model.SigningKey{}, fmt.Errorf("failed to rotate signing key: %w", err)
	}

	k.metrics.KeysRetired(len(retired))
	for _, r := range retired {
		k.logger.Info("Keys service: retired signing key", "kid", r.KID())
	}
	k.logger.Info("Keys service: rotated signing key", "kid", key.KID(), "retired", len(retired))

	return key, nil
}

// PurgeInactive removes INACTIVE keys no live token depends on and hands
// them to the archive when one is configured.
func (k *Keys) PurgeInactive(ctx context.Context) ([]model.SigningKey, error) {
	now := k.now()

	purged, err := k.store.PurgeInactive(ctx, now)
	if err != nil {
		k.logger.Error("Keys service: failed to purge inactive keys", "error", err.Error())
		return nil, fmt.Errorf("failed to purge inactive keys: %w", err)
	}
	if len(purged) == 0 {
		return purged, nil
	}

	k.metrics.KeysPurged(len(purged))
	for _, p := range purged {
		k.logger.Info("Keys service: purged signing key", "kid", p.KID(), "created_at", p.CreatedAt())
	}

	if k.archive != nil {
		if err := k.archive.Archive(ctx, purged, now); err != nil {
			k.logger.Error("Keys service: failed to archive purged keys", "count", len(purged), "error", err.Error())
		}
	}

	return purged, nil
}

// CurrentVerificationKeySet returns ACTIVE and INACTIVE keys, newest first.
// Private material is only decoded for ACTIVE keys. A key that fails to
// decode fails the whole call.
func (k *Keys) CurrentVerificationKeySet(ctx context.Context) ([]model.VerificationKey, error) {
	stored, err := k.store.FindByStatusIn(ctx, verificationStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification keys: %w", err)
	}

	out := make([]model.VerificationKey, 0, len(stored))
	for _, sk := range stored {
		vk, err := k.decode(sk)
		if err != nil {
			return nil, err
		}
		out = append(out, vk)
	}
	return out, nil
}

// SelectKey resolves a kid hint to key material. The bool is false when no
// ACTIVE or INACTIVE key carries the kid.
func (k *Keys) SelectKey(ctx context.Context, kid string) (model.VerificationKey, bool, error) {
	if kid == "" {
		return model.VerificationKey{}, false, nil
	}

	sk, err := k.store.FindByKID(ctx, kid)
	if err != nil {
		if isNotFound(err) {
			return model.VerificationKey{}, false, nil
		}
		return model.VerificationKey{}, false, fmt.Errorf("failed to find key %s: %w", kid, err)
	}
	if sk.Status() != model.SigningKeyActive && sk.Status() != model.SigningKeyInactive {
		return model.VerificationKey{}, false, nil
	}

	vk, err := k.decode(sk)
	if err != nil {
		return model.VerificationKey{}, false, err
	}
	return vk, true, nil
}

// SigningKey returns the newest ACTIVE key with its private material.
func (k *Keys) SigningKey(ctx context.Context) (model.VerificationKey, error) {
	active, err := k.store.FindByStatus(ctx, model.SigningKeyActive)
	if err != nil {
		return model.VerificationKey{}, fmt.Errorf("failed to find active keys: %w", err)
	}
	if len(active) == 0 {
		return model.VerificationKey{}, model.ErrNoActiveKey
	}
	return k.decode(active[0])
}

// PublicJWKS publishes the public half of the current verification key set.
func (k *Keys) PublicJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	set, err := k.CurrentVerificationKeySet(ctx)
	if err != nil {
		return nil, err
	}
	return keys.PublicJWKS(set)
}

func (k *Keys) decode(sk model.SigningKey) (model.VerificationKey, error) {
	pub, err := sk.DecodePublicKey()
	if err != nil {
		k.logger.Error("Keys service: failed to decode public key", "kid", sk.KID(), "error", err.Error())
		return model.VerificationKey{}, err
	}

	vk := model.VerificationKey{
		KID:       sk.KID(),
		Algorithm: sk.Algorithm(),
		Status:    sk.Status(),
		CreatedAt: sk.CreatedAt(),
		Public:    pub,
	}
	if sk.Status() != model.SigningKeyActive {
		return vk, nil
	}

	priv, err := sk.DecodePrivateKey()
	if err != nil {
		k.logger.Error("Keys service: failed to decode private key", "kid", sk.KID(), "error", err.Error())
		return model.VerificationKey{}, err
	}
	if !publicKeysEqual(priv.Public(), pub) {
		k.logger.Error("Keys service: key pair mismatch", "kid", sk.KID())
		return model.VerificationKey{}, fmt.Errorf("%w: kid %s: private key does not match public key", model.ErrInvalidSigningKey, sk.KID())
	}
	vk.Private = priv
	return vk, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}
