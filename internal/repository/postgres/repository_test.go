package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/dtroode/custodian/internal/model"
)

func TestNewAuthorizationRepository(t *testing.T) {
	db := &Connection{}
	repo := NewAuthorizationRepository(db)

	assert.NotNil(t, repo)
	assert.Equal(t, db, repo.db)
}

func TestNewSigningKeyRepository(t *testing.T) {
	db := &Connection{}
	repo := NewSigningKeyRepository(db)

	assert.NotNil(t, repo)
	assert.Equal(t, db, repo.db)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{name: "nil", err: nil},
		{name: "unique violation", err: &pgconn.PgError{Code: codeUniqueViolation}, conflict: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: codeSerializationFailure}, conflict: true},
		{name: "deadlock", err: &pgconn.PgError{Code: codeDeadlockDetected}, conflict: true},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation}), conflict: true},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}},
		{name: "plain error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.err)
			assert.Equal(t, tt.conflict, errors.Is(got, model.ErrConflict))
		})
	}
}

func TestAdvisoryKey(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0001-ffff-ffffffffffff")
	assert.Equal(t, int64(1), advisoryKey(id))

	other := uuid.MustParse("00000000-0000-0001-0000-000000000000")
	assert.Equal(t, advisoryKey(id), advisoryKey(other))
}
