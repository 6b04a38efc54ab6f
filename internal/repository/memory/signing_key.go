package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/custodian/internal/model"
)

var _ model.SigningKeyStore = (*SigningKeyRepository)(nil)

type SigningKeyRepository struct {
	store *Store
}

func (r *SigningKeyRepository) Save(ctx context.Context, key model.SigningKey) (model.SigningKey, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.save(key), nil
}

// save must be called with mu held.
func (r *SigningKeyRepository) save(key model.SigningKey) model.SigningKey {
	if existing, ok := r.store.keys[key.KID()]; ok {
		key = key.WithID(existing.ID())
	} else if key.ID() == uuid.Nil {
		key = key.WithID(uuid.New())
	}
	r.store.keys[key.KID()] = key
	return key
}

func (r *SigningKeyRepository) FindByStatus(ctx context.Context, status model.SigningKeyStatus) ([]model.SigningKey, error) {
	return r.FindByStatusIn(ctx, []model.SigningKeyStatus{status})
}

func (r *SigningKeyRepository) FindByStatusIn(ctx context.Context, statuses []model.SigningKeyStatus) ([]model.SigningKey, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.byStatus(statuses...), nil
}

// byStatus must be called with mu held.
func (r *SigningKeyRepository) byStatus(statuses ...model.SigningKeyStatus) []model.SigningKey {
	out := make([]model.SigningKey, 0)
	for _, key := range r.store.keys {
		for _, s := range statuses {
			if key.Status() == s {
				out = append(out, key)
				break
			}
		}
	}
	sortKeys(out)
	return out
}

func (r *SigningKeyRepository) FindByKID(ctx context.Context, kid string) (model.SigningKey, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	key, ok := r.store.keys[kid]
	if !ok {
		return model.SigningKey{}, model.ErrNotFound
	}
	return key, nil
}

func (r *SigningKeyRepository) Rotate(ctx context.Context, key model.SigningKey) ([]model.SigningKey, error) {
	if key.Status() != model.SigningKeyActive {
		return nil, fmt.Errorf("%w: rotated key must be ACTIVE, got %s", model.ErrInvalidSigningKey, key.Status())
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.save(key)

	retired := make([]model.SigningKey, 0)
	for _, active := range r.byStatus(model.SigningKeyActive) {
		if active.KID() == key.KID() {
			continue
		}
		retired = append(retired, r.save(active.Retire()))
	}
	return retired, nil
}

func (r *SigningKeyRepository) PurgeInactive(ctx context.Context, now time.Time) ([]model.SigningKey, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	purged := make([]model.SigningKey, 0)
	for _, key := range r.byStatus(model.SigningKeyInactive) {
		if r.store.hasLiveToken(key.KID(), now) {
			continue
		}
		delete(r.store.keys, key.KID())
		purged = append(purged, key)
	}
	return purged, nil
}
