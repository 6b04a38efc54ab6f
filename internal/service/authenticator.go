package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/dtroode/custodian/internal/logger"
	"github.com/dtroode/custodian/internal/model"
	"github.com/dtroode/custodian/internal/token"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type AccessTokenParser interface {
	ParseAccessToken(ctx context.Context, tokenString string) (*token.Claims, error)
}

type AccessTokenValidator interface {
	ValidateAccessToken(ctx context.Context, raw string) (string, error)
}

// Authenticator accepts a bearer token only when its signature verifies
// against the current key set and the stored record is live.
type Authenticator struct {
	parser    AccessTokenParser
	validator AccessTokenValidator
	logger    *logger.Logger
}

func NewAuthenticator(parser AccessTokenParser, validator AccessTokenValidator, logger *logger.Logger) *Authenticator {
	return &Authenticator{parser: parser, validator: validator, logger: logger}
}

// Authenticate returns the principal the bearer token was issued to.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (string, error) {
	claims, err := a.parser.ParseAccessToken(ctx, bearer)
	if err != nil {
		a.logger.Debug("Authenticator: rejected token signature", "error", err.Error())
		return "", fmt.Errorf("%w: %s", ErrUnauthenticated, err.Error())
	}

	principal, err := a.validator.ValidateAccessToken(ctx, bearer)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrTokenRevoked), errors.Is(err, model.ErrTokenExpired):
			a.logger.Debug("Authenticator: rejected token record", "jti", claims.ID, "error", err.Error())
			return "", fmt.Errorf("%w: %s", ErrUnauthenticated, err.Error())
		default:
			a.logger.Error("Authenticator: failed to validate token", "jti", claims.ID, "error", err.Error())
			return "", err
		}
	}

	if principal != claims.Subject {
		a.logger.Warn("Authenticator: subject mismatch", "jti", claims.ID)
		return "", fmt.Errorf("%w: subject mismatch", ErrUnauthenticated)
	}
	return principal, nil
}
