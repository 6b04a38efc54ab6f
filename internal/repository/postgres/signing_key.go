package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/custodian/internal/model"
)

var _ model.SigningKeyStore = (*SigningKeyRepository)(nil)

// signingKeysLock is the advisory lock key serializing rotation and purge.
const signingKeysLock int64 = 0x7369676e6b657973

type SigningKeyRepository struct {
	db *Connection
}

func NewSigningKeyRepository(db *Connection) *SigningKeyRepository {
	return &SigningKeyRepository{
		db: db,
	}
}

const signingKeyColumns = `id, kid, algorithm, public_key, private_key, status, created_at`

const upsertSigningKey = `
	INSERT INTO signing_keys (id, kid, algorithm, public_key, private_key, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (kid) DO UPDATE SET
		algorithm = EXCLUDED.algorithm,
		public_key = EXCLUDED.public_key,
		private_key = EXCLUDED.private_key,
		status = EXCLUDED.status
	RETURNING ` + signingKeyColumns

func (r *SigningKeyRepository) Save(ctx context.Context, key model.SigningKey) (model.SigningKey, error) {
	saved, err := scanSigningKey(r.db.QueryRow(ctx, upsertSigningKey, signingKeyArgs(key)...))
	if err != nil {
		return model.SigningKey{}, fmt.Errorf("failed to save signing key: %w", mapError(err))
	}
	return saved, nil
}

func (r *SigningKeyRepository) FindByStatus(ctx context.Context, status model.SigningKeyStatus) ([]model.SigningKey, error) {
	return r.FindByStatusIn(ctx, []model.SigningKeyStatus{status})
}

func (r *SigningKeyRepository) FindByStatusIn(ctx context.Context, statuses []model.SigningKeyStatus) ([]model.SigningKey, error) {
	const query = `
		SELECT ` + signingKeyColumns + `
		FROM signing_keys
		WHERE status = ANY($1)
		ORDER BY created_at DESC, kid DESC`

	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	rows, err := r.db.Query(ctx, query, names)
	if err != nil {
		return nil, fmt.Errorf("failed to find signing keys: %w", err)
	}
	keys, err := collectSigningKeys(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to find signing keys: %w", err)
	}
	return keys, nil
}

func (r *SigningKeyRepository) FindByKID(ctx context.Context, kid string) (model.SigningKey, error) {
	const query = `SELECT ` + signingKeyColumns + ` FROM signing_keys WHERE kid = $1`

	key, err := scanSigningKey(r.db.QueryRow(ctx, query, kid))
	if isNoRows(err) {
		return model.SigningKey{}, model.ErrNotFound
	}
	if err != nil {
		return model.SigningKey{}, fmt.Errorf("failed to find signing key: %w", err)
	}
	return key, nil
}

// Rotate stores key as the single ACTIVE key and retires every other ACTIVE
// key in the same transaction.
func (r *SigningKeyRepository) Rotate(ctx context.Context, key model.SigningKey) ([]model.SigningKey, error) {
	const retireOthers = `
		UPDATE signing_keys SET status = 'INACTIVE'
		WHERE status = 'ACTIVE' AND kid <> $1
		RETURNING ` + signingKeyColumns

	if key.Status() != model.SigningKeyActive {
		return nil, fmt.Errorf("%w: rotated key must be ACTIVE, got %s", model.ErrInvalidSigningKey, key.Status())
	}

	var retired []model.SigningKey
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, signingKeysLock); err != nil {
			return fmt.Errorf("failed to lock signing keys: %w", err)
		}
		if _, err := scanSigningKey(tx.QueryRow(ctx, upsertSigningKey, signingKeyArgs(key)...)); err != nil {
			return fmt.Errorf("failed to save signing key: %w", err)
		}

		rows, err := tx.Query(ctx, retireOthers, key.KID())
		if err != nil {
			return fmt.Errorf("failed to retire signing keys: %w", err)
		}
		retired, err = collectSigningKeys(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rotate signing keys: %w", err)
	}
	return retired, nil
}

// PurgeInactive deletes INACTIVE keys that no live token references. The
// liveness check and the delete run as one statement, so a token saved
// concurrently either keeps its key or was never signed with it.
func (r *SigningKeyRepository) PurgeInactive(ctx context.Context, now time.Time) ([]model.SigningKey, error) {
	const purge = `
		DELETE FROM signing_keys k
		WHERE k.status = 'INACTIVE'
		  AND NOT EXISTS (
			SELECT 1 FROM auth_tokens t
			WHERE t.kid = k.kid AND t.revoked_at IS NULL AND t.expires_at > $1
		  )
		RETURNING ` + signingKeyColumns

	var purged []model.SigningKey
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, signingKeysLock); err != nil {
			return fmt.Errorf("failed to lock signing keys: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT id FROM signing_keys WHERE status = 'INACTIVE' FOR UPDATE`); err != nil {
			return fmt.Errorf("failed to lock inactive keys: %w", err)
		}

		rows, err := tx.Query(ctx, purge, now)
		if err != nil {
			return fmt.Errorf("failed to delete inactive keys: %w", err)
		}
		purged, err = collectSigningKeys(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to purge signing keys: %w", err)
	}
	return purged, nil
}

func signingKeyArgs(key model.SigningKey) []any {
	id := key.ID()
	if id == uuid.Nil {
		id = uuid.New()
	}
	return []any{
		id, key.KID(), key.Algorithm(), key.PublicKey(), key.PrivateKey(), string(key.Status()), key.CreatedAt(),
	}
}

func scanSigningKey(row pgx.Row) (model.SigningKey, error) {
	var (
		b               model.SigningKeyBuilder
		status          string
		private, public string
	)
	if err := row.Scan(&b.ID, &b.KID, &b.Algorithm, &public, &private, &status, &b.CreatedAt); err != nil {
		return model.SigningKey{}, err
	}
	b.Status = model.SigningKeyStatus(status)
	b.StoredKeyPair(private, public)

	key, err := b.Build()
	if err != nil {
		return model.SigningKey{}, fmt.Errorf("stored signing key %s is invalid: %w", b.KID, err)
	}
	return key, nil
}

func collectSigningKeys(rows pgx.Rows) ([]model.SigningKey, error) {
	defer rows.Close()

	out := make([]model.SigningKey, 0)
	for rows.Next() {
		key, err := scanSigningKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
