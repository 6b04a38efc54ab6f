package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/custodian/internal/logger"
	"github.com/dtroode/custodian/internal/model"
	"github.com/dtroode/custodian/internal/token"
)

const scopeOpenID = "openid"

type TokenSigner interface {
	GenerateAccessToken(ctx context.Context, subject, audience string, scopes []string) (token.Issued, error)
	GenerateIDToken(ctx context.Context, subject, audience string, extra map[string]any) (token.Issued, error)
}

type AuthorizationSaver interface {
	Save(ctx context.Context, auth model.Authorization) (model.Authorization, error)
}

type IssueRequest struct {
	ClientID string
	// Principal defaults to ClientID.
	Principal string
	// GrantType defaults to client_credentials.
	GrantType model.GrantType
	Scopes    []string
	// IDClaims are added to the ID token, issued only for the openid scope.
	IDClaims map[string]any
}

// IssuedTokens carries raw token values. They are never stored.
type IssuedTokens struct {
	AuthorizationID uuid.UUID
	AccessToken     string
	IDToken         string
	ExpiresAt       time.Time
}

// Issuer signs tokens and stores their records in a new authorization.
type Issuer struct {
	signer TokenSigner
	saver  AuthorizationSaver
	logger *logger.Logger
}

func NewIssuer(signer TokenSigner, saver AuthorizationSaver, logger *logger.Logger) *Issuer {
	return &Issuer{signer: signer, saver: saver, logger: logger}
}

func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (IssuedTokens, error) {
	principal := req.Principal
	if principal == "" {
		principal = req.ClientID
	}
	grant := req.GrantType
	if grant == "" {
		grant = model.GrantTypeClientCredentials
	}

	access, err := i.signer.GenerateAccessToken(ctx, principal, req.ClientID, req.Scopes)
	if err != nil {
		return IssuedTokens{}, err
	}
	accessRecord, err := access.Record()
	if err != nil {
		return IssuedTokens{}, fmt.Errorf("failed to build access token record: %w", err)
	}
	records := []model.TokenRecord{accessRecord}

	var idToken token.Issued
	if slices.Contains(req.Scopes, scopeOpenID) {
		idToken, err = i.signer.GenerateIDToken(ctx, principal, req.ClientID, req.IDClaims)
		if err != nil {
			return IssuedTokens{}, err
		}
		idRecord, err := idToken.Record()
		if err != nil {
			return IssuedTokens{}, fmt.Errorf("failed to build id token record: %w", err)
		}
		records = append(records, idRecord)
	}

	auth, err := model.AuthorizationBuilder{
		ClientID:      req.ClientID,
		PrincipalName: principal,
		GrantType:     grant,
		Scopes:        req.Scopes,
		Tokens:        records,
	}.Build()
	if err != nil {
		return IssuedTokens{}, err
	}

	saved, err := i.saver.Save(ctx, auth)
	if err != nil {
		return IssuedTokens{}, err
	}

	i.logger.Info("Issuer: issued tokens",
		"authorization_id", saved.ID(), "client_id", req.ClientID, "kid", access.KID, "id_token", idToken.Value != "")

	return IssuedTokens{
		AuthorizationID: saved.ID(),
		AccessToken:     access.Value,
		IDToken:         idToken.Value,
		ExpiresAt:       access.ExpiresAt,
	}, nil
}
