package postgres

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/custodian/internal/model"
)

var _ model.AuthorizationStore = (*AuthorizationRepository)(nil)

type AuthorizationRepository struct {
	db *Connection
}

func NewAuthorizationRepository(db *Connection) *AuthorizationRepository {
	return &AuthorizationRepository{
		db: db,
	}
}

const findAuthorizationByID = `SELECT ` + authorizationColumns + ` FROM authorizations a WHERE a.id = $1`

const authorizationColumns = `a.id, a.client_id, a.principal_name, a.grant_type, a.authorized_scopes, a.attributes`

const tokenColumns = `t.id, t.authorization_id, t.kind, t.token_digest, t.kid, t.subject, t.scopes,
       t.claims, t.metadata, t.issued_at, t.expires_at, t.revoked_at`

func (r *AuthorizationRepository) Save(ctx context.Context, auth model.Authorization) (model.Authorization, error) {
	var saved model.Authorization
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		saved, err = saveAuthorization(ctx, tx, auth)
		return err
	})
	if err != nil {
		return model.Authorization{}, fmt.Errorf("failed to save authorization: %w", err)
	}
	return saved, nil
}

// WithinLock takes a transaction-scoped advisory lock derived from id, so
// concurrent saves of one authorization serialize while others proceed.
func (r *AuthorizationRepository) WithinLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx model.AuthorizationTx) error) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(id)); err != nil {
			return fmt.Errorf("failed to lock authorization: %w", err)
		}
		return fn(ctx, &authorizationTx{q: tx})
	})
}

func advisoryKey(id uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]))
}

func (r *AuthorizationRepository) FindByID(ctx context.Context, id uuid.UUID) (model.Authorization, error) {
	auth, err := findOne(ctx, r.db, findAuthorizationByID, id)
	if err != nil {
		return model.Authorization{}, fmt.Errorf("failed to find authorization by id: %w", err)
	}
	return auth, nil
}

func (r *AuthorizationRepository) FindByDigest(ctx context.Context, digest string, kind model.TokenKind) (model.Authorization, error) {
	const query = `
		SELECT ` + authorizationColumns + `
		FROM authorizations a
		JOIN auth_tokens t ON t.authorization_id = a.id
		WHERE t.token_digest = $1 AND ($2::text = '' OR t.kind = $2::text)`

	auth, err := findOne(ctx, r.db, query, digest, string(kind))
	if err != nil {
		return model.Authorization{}, fmt.Errorf("failed to find authorization by digest: %w", err)
	}
	return auth, nil
}

func (r *AuthorizationRepository) FindByAttribute(ctx context.Context, key string, value any) (model.Authorization, error) {
	const query = `
		SELECT ` + authorizationColumns + `
		FROM authorizations a
		WHERE a.attributes @> $1::jsonb
		ORDER BY a.created_at
		LIMIT 1`

	auth, err := findOne(ctx, r.db, query, map[string]any{key: value})
	if err != nil {
		return model.Authorization{}, fmt.Errorf("failed to find authorization by attribute: %w", err)
	}
	return auth, nil
}

func findOne(ctx context.Context, q querier, query string, args ...any) (model.Authorization, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return model.Authorization{}, err
	}
	auths, err := collectAuthorizations(rows)
	if err != nil {
		return model.Authorization{}, err
	}
	if len(auths) == 0 {
		return model.Authorization{}, model.ErrNotFound
	}

	withTokens, err := attachTokens(ctx, q, auths[:1])
	if err != nil {
		return model.Authorization{}, err
	}
	return withTokens[0], nil
}

func (r *AuthorizationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	const query = `DELETE FROM authorizations WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *AuthorizationRepository) ListAll(ctx context.Context) ([]model.Authorization, error) {
	const query = `SELECT ` + authorizationColumns + ` FROM authorizations a ORDER BY a.created_at, a.id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	auths, err := collectAuthorizations(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	out, err := attachTokens(ctx, r.db, auths)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	return out, nil
}

func (r *AuthorizationRepository) ResolveExistingIDsByDigests(ctx context.Context, digests []string) (map[string]uuid.UUID, error) {
	return resolveIDs(ctx, r.db, digests)
}

// authorizationTx is the view of the repository bound to a WithinLock
// transaction.
type authorizationTx struct {
	q querier
}

func (t *authorizationTx) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM authorizations WHERE id = $1)`

	var exists bool
	if err := t.q.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check authorization: %w", err)
	}
	return exists, nil
}

// FindByID reads the authorization as seen by the locking transaction.
func (t *authorizationTx) FindByID(ctx context.Context, id uuid.UUID) (model.Authorization, error) {
	auth, err := findOne(ctx, t.q, findAuthorizationByID, id)
	if err != nil {
		return model.Authorization{}, fmt.Errorf("failed to find authorization by id: %w", err)
	}
	return auth, nil
}

func (t *authorizationTx) ResolveExistingIDsByDigests(ctx context.Context, digests []string) (map[string]uuid.UUID, error) {
	return resolveIDs(ctx, t.q, digests)
}

func (t *authorizationTx) Save(ctx context.Context, auth model.Authorization) (model.Authorization, error) {
	saved, err := saveAuthorization(ctx, t.q, auth)
	if err != nil {
		return model.Authorization{}, mapError(err)
	}
	return saved, nil
}

func resolveIDs(ctx context.Context, q querier, digests []string) (map[string]uuid.UUID, error) {
	const query = `SELECT token_digest, id FROM auth_tokens WHERE token_digest = ANY($1)`

	out := make(map[string]uuid.UUID, len(digests))
	if len(digests) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx, query, digests)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			digest string
			id     uuid.UUID
		)
		if err := rows.Scan(&digest, &id); err != nil {
			return nil, fmt.Errorf("failed to scan token id: %w", err)
		}
		out[digest] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to resolve token ids: %w", err)
	}
	return out, nil
}

func saveAuthorization(ctx context.Context, q querier, auth model.Authorization) (model.Authorization, error) {
	const upsertAuthorization = `
		INSERT INTO authorizations (id, client_id, principal_name, grant_type, authorized_scopes, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			authorized_scopes = EXCLUDED.authorized_scopes,
			attributes = EXCLUDED.attributes,
			updated_at = NOW()`

	const deleteDropped = `
		DELETE FROM auth_tokens
		WHERE authorization_id = $1 AND NOT (id = ANY($2::uuid[]))`

	const upsertToken = `
		INSERT INTO auth_tokens (
			id, authorization_id, kind, token_digest, kid, subject, scopes,
			claims, metadata, issued_at, expires_at, revoked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			authorization_id = EXCLUDED.authorization_id,
			kid = EXCLUDED.kid,
			subject = EXCLUDED.subject,
			scopes = EXCLUDED.scopes,
			claims = EXCLUDED.claims,
			metadata = EXCLUDED.metadata,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			revoked_at = EXCLUDED.revoked_at`

	tokens := auth.Tokens()
	persisted := make([]model.TokenRecord, 0, len(tokens))
	keep := make([]uuid.UUID, 0, len(tokens))
	for _, t := range tokens {
		if t.Digest() == "" {
			return model.Authorization{}, fmt.Errorf("%w: token value must be digested before save", model.ErrInvalidToken)
		}
		id := t.ID()
		if id == uuid.Nil {
			id = uuid.New()
		}
		persisted = append(persisted, t.AsExisting(id))
		keep = append(keep, id)
	}

	if _, err := q.Exec(ctx, upsertAuthorization,
		auth.ID(), auth.ClientID(), auth.PrincipalName(), string(auth.GrantType()),
		auth.AuthorizedScopes(), auth.Attributes(),
	); err != nil {
		return model.Authorization{}, fmt.Errorf("failed to upsert authorization: %w", err)
	}

	if _, err := q.Exec(ctx, deleteDropped, auth.ID(), keep); err != nil {
		return model.Authorization{}, fmt.Errorf("failed to delete dropped tokens: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range persisted {
		var revokedAt *time.Time
		if at, ok := t.RevokedAt(); ok {
			revokedAt = &at
		}
		batch.Queue(upsertToken,
			t.ID(), auth.ID(), string(t.Kind()), t.Digest(), t.KID(), t.Subject(), t.Scopes(),
			t.Claims(), t.Metadata(), t.IssuedAt(), t.ExpiresAt(), revokedAt,
		)
	}
	if batch.Len() > 0 {
		if err := q.SendBatch(ctx, batch).Close(); err != nil {
			return model.Authorization{}, fmt.Errorf("failed to upsert tokens: %w", err)
		}
	}

	b := auth.ToBuilder()
	b.New = false
	b.Tokens = persisted
	saved, err := b.Build()
	if err != nil {
		return model.Authorization{}, err
	}
	return saved, nil
}

func collectAuthorizations(rows pgx.Rows) ([]model.Authorization, error) {
	defer rows.Close()

	out := make([]model.Authorization, 0)
	for rows.Next() {
		var (
			b         model.AuthorizationBuilder
			grantType string
		)
		if err := rows.Scan(&b.ID, &b.ClientID, &b.PrincipalName, &grantType, &b.Scopes, &b.Attributes); err != nil {
			return nil, fmt.Errorf("failed to scan authorization: %w", err)
		}
		b.GrantType = model.GrantType(grantType)
		auth, err := b.Build()
		if err != nil {
			return nil, fmt.Errorf("stored authorization %s is invalid: %w", b.ID, err)
		}
		out = append(out, auth)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// attachTokens loads the tokens of every authorization in one query.
func attachTokens(ctx context.Context, q querier, auths []model.Authorization) ([]model.Authorization, error) {
	const query = `
		SELECT ` + tokenColumns + `
		FROM auth_tokens t
		WHERE t.authorization_id = ANY($1::uuid[])
		ORDER BY t.issued_at, t.id`

	if len(auths) == 0 {
		return auths, nil
	}

	ids := make([]uuid.UUID, 0, len(auths))
	for _, a := range auths {
		ids = append(ids, a.ID())
	}

	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	defer rows.Close()

	byAuthorization := make(map[uuid.UUID][]model.TokenRecord, len(auths))
	for rows.Next() {
		var (
			b               model.TokenRecordBuilder
			authorizationID uuid.UUID
			kind, digest    string
		)
		if err := rows.Scan(
			&b.ID, &authorizationID, &kind, &digest, &b.KID, &b.Subject, &b.Scopes,
			&b.Claims, &b.Metadata, &b.IssuedAt, &b.ExpiresAt, &b.RevokedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		b.Kind = model.TokenKind(kind)
		b.Value = model.DigestedValue(digest)

		rec, err := b.Build()
		if err != nil {
			return nil, fmt.Errorf("stored token %s is invalid: %w", b.ID, err)
		}
		byAuthorization[authorizationID] = append(byAuthorization[authorizationID], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}

	out := make([]model.Authorization, 0, len(auths))
	for _, a := range auths {
		b := a.ToBuilder()
		b.New = false
		b.Tokens = byAuthorization[a.ID()]
		withTokens, err := b.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, withTokens)
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
