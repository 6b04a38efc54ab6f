// Package memory keeps authorizations and signing keys in process memory.
// It backs tests and single-instance deployments without a database.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/custodian/internal/model"
)

type tokenLocation struct {
	authorizationID uuid.UUID
	tokenID         uuid.UUID
}

// Store holds the shared state of both repositories so that key purges can
// see token liveness under the same lock that guards token writes.
type Store struct {
	mu             sync.RWMutex
	authorizations map[uuid.UUID]model.Authorization
	// created records insertion order, mirroring created_at in Postgres.
	created map[uuid.UUID]uint64
	seq     uint64
	digests map[string]tokenLocation
	keys    map[string]model.SigningKey

	lockMu sync.Mutex
	// locks only holds entries for ids somebody is holding or waiting on.
	locks map[uuid.UUID]*aggregateLock
}

type aggregateLock struct {
	mu   sync.Mutex
	refs int
}

func NewStore() *Store {
	return &Store{
		authorizations: make(map[uuid.UUID]model.Authorization),
		created:        make(map[uuid.UUID]uint64),
		digests:        make(map[string]tokenLocation),
		keys:           make(map[string]model.SigningKey),
		locks:          make(map[uuid.UUID]*aggregateLock),
	}
}

func (s *Store) Authorizations() *AuthorizationRepository {
	return &AuthorizationRepository{store: s}
}

func (s *Store) SigningKeys() *SigningKeyRepository {
	return &SigningKeyRepository{store: s}
}

// lockAggregate blocks until the caller owns the lock of id. The returned
// func releases it.
func (s *Store) lockAggregate(id uuid.UUID) func() {
	s.lockMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &aggregateLock{}
		s.locks[id] = l
	}
	l.refs++
	s.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.lockMu.Unlock()
	}
}

// hasLiveToken must be called with mu held.
func (s *Store) hasLiveToken(kid string, now time.Time) bool {
	for _, auth := range s.authorizations {
		for _, t := range auth.Tokens() {
			if t.KID() == kid && t.IsLive(now) {
				return true
			}
		}
	}
	return false
}

func sortKeys(keys []model.SigningKey) {
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].CreatedAt().Equal(keys[j].CreatedAt()) {
			return keys[i].KID() > keys[j].KID()
		}
		return keys[i].CreatedAt().After(keys[j].CreatedAt())
	})
}
