package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/dtroode/custodian/internal/model"
)

var (
	_ model.AuthorizationStore = (*AuthorizationRepository)(nil)
	_ model.AuthorizationTx    = (*AuthorizationRepository)(nil)
)

type AuthorizationRepository struct {
	store *Store
}

func (r *AuthorizationRepository) Save(ctx context.Context, auth model.Authorization) (model.Authorization, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := auth.Tokens()
	persisted := make([]model.TokenRecord, 0, len(tokens))
	for _, t := range tokens {
		if t.Digest() == "" {
			return model.Authorization{}, fmt.Errorf("%w: token value must be digested before save", model.ErrInvalidToken)
		}
		id := t.ID()
		if id == uuid.Nil {
			id = uuid.New()
		}
		if loc, ok := s.digests[t.Digest()]; ok && loc.tokenID != id {
			return model.Authorization{}, fmt.Errorf("%w: digest already stored for another token", model.ErrConflict)
		}
		persisted = append(persisted, t.AsExisting(id))
	}

	// A token id owned by another authorization moves to this one.
	for _, t := range persisted {
		loc, ok := s.digests[t.Digest()]
		if !ok || loc.authorizationID == auth.ID() {
			continue
		}
		if other, ok := s.authorizations[loc.authorizationID]; ok {
			s.authorizations[loc.authorizationID] = withoutToken(other, t.ID())
		}
	}

	if old, ok := s.authorizations[auth.ID()]; ok {
		for _, t := range old.Tokens() {
			delete(s.digests, t.Digest())
		}
	}

	b := auth.ToBuilder()
	b.New = false
	b.Tokens = persisted
	saved, err := b.Build()
	if err != nil {
		return model.Authorization{}, fmt.Errorf("failed to build saved authorization: %w", err)
	}

	if _, ok := s.created[saved.ID()]; !ok {
		s.seq++
		s.created[saved.ID()] = s.seq
	}
	s.authorizations[saved.ID()] = saved
	for _, t := range persisted {
		s.digests[t.Digest()] = tokenLocation{authorizationID: saved.ID(), tokenID: t.ID()}
	}
	return saved, nil
}

func withoutToken(auth model.Authorization, tokenID uuid.UUID) model.Authorization {
	b := auth.ToBuilder()
	kept := make([]model.TokenRecord, 0, len(b.Tokens))
	for _, t := range b.Tokens {
		if t.ID() != tokenID {
			kept = append(kept, t)
		}
	}
	b.Tokens = kept
	out, err := b.Build()
	if err != nil {
		return auth
	}
	return out
}

func (r *AuthorizationRepository) FindByID(ctx context.Context, id uuid.UUID) (model.Authorization, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	auth, ok := r.store.authorizations[id]
	if !ok {
		return model.Authorization{}, model.ErrNotFound
	}
	return auth, nil
}

func (r *AuthorizationRepository) FindByDigest(ctx context.Context, digest string, kind model.TokenKind) (model.Authorization, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	loc, ok := r.store.digests[digest]
	if !ok {
		return model.Authorization{}, model.ErrNotFound
	}
	auth, ok := r.store.authorizations[loc.authorizationID]
	if !ok {
		return model.Authorization{}, model.ErrNotFound
	}
	if kind != "" {
		t, ok := auth.FindByDigest(digest)
		if !ok || t.Kind() != kind {
			return model.Authorization{}, model.ErrNotFound
		}
	}
	return auth, nil
}

func (r *AuthorizationRepository) FindByAttribute(ctx context.Context, key string, value any) (model.Authorization, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, auth := range r.sorted() {
		if auth.HasAttribute(key, value) {
			return auth, nil
		}
	}
	return model.Authorization{}, model.ErrNotFound
}

func (r *AuthorizationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.authorizations[id]
	if !ok {
		return model.ErrNotFound
	}
	for _, t := range auth.Tokens() {
		delete(s.digests, t.Digest())
	}
	delete(s.authorizations, id)
	delete(s.created, id)
	return nil
}

func (r *AuthorizationRepository) ListAll(ctx context.Context) ([]model.Authorization, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.sorted(), nil
}

// sorted returns authorizations oldest first, ties broken by id. It must
// be called with mu held.
func (r *AuthorizationRepository) sorted() []model.Authorization {
	out := make([]model.Authorization, 0, len(r.store.authorizations))
	for _, auth := range r.store.authorizations {
		out = append(out, auth)
	}
	created := r.store.created
	sort.Slice(out, func(i, j int) bool {
		ci, cj := created[out[i].ID()], created[out[j].ID()]
		if ci != cj {
			return ci < cj
		}
		return out[i].ID().String() < out[j].ID().String()
	})
	return out
}

func (r *AuthorizationRepository) ResolveExistingIDsByDigests(ctx context.Context, digests []string) (map[string]uuid.UUID, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make(map[string]uuid.UUID, len(digests))
	for _, d := range digests {
		if loc, ok := r.store.digests[d]; ok {
			out[d] = loc.tokenID
		}
	}
	return out, nil
}

func (r *AuthorizationRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	_, ok := r.store.authorizations[id]
	return ok, nil
}

func (r *AuthorizationRepository) WithinLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx model.AuthorizationTx) error) error {
	unlock := r.store.lockAggregate(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, r)
}
