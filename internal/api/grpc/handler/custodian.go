package handler

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dtroode/custodian/internal/logger"
	"github.com/dtroode/custodian/internal/model"
)

// Request fields understood by Introspect and Revoke.
const (
	fieldToken     = "token"
	fieldTokenHint = "token_type_hint"
)

// AuthorizationService defines the token custody operations exposed over gRPC.
type AuthorizationService interface {
	FindByRawValue(ctx context.Context, raw, hint string) (*model.Credential, error)
	RevokeToken(ctx context.Context, raw, hint string) (bool, error)
}

var _ CustodianServer = (*Custodian)(nil)

// Custodian handles gRPC endpoints for token introspection and revocation.
type Custodian struct {
	authorizationService AuthorizationService
	contextManager       model.ContextManager
	logger               *logger.Logger
	now                  func() time.Time
}

// NewCustodian creates a new Custodian handler.
func NewCustodian(authorizationService AuthorizationService, contextManager model.ContextManager, logger *logger.Logger) *Custodian {
	return &Custodian{
		authorizationService: authorizationService,
		contextManager:       contextManager,
		logger:               logger,
		now:                  time.Now,
	}
}

// Introspect returns {"active": false} for unknown, revoked or expired
// tokens and the token's attributes otherwise.
func (h *Custodian) Introspect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, hint, err := tokenRequest(req)
	if err != nil {
		return nil, err
	}

	cred, err := h.authorizationService.FindByRawValue(ctx, raw, hint)
	if err != nil {
		h.logger.Error("Custodian handler: introspection failed", "hint", hint, "error", err.Error())
		return nil, handleError(err)
	}

	if cred == nil || cred.Token == nil || !cred.Token.IsLive(h.now()) {
		return structpb.NewStruct(map[string]any{"active": false})
	}

	tok := cred.Token
	fields := map[string]any{
		"active":     true,
		"token_type": tok.Kind().WireName(),
		"client_id":  cred.Authorization.ClientID(),
		"username":   cred.Authorization.PrincipalName(),
		"iat":        tok.IssuedAt().Unix(),
		"exp":        tok.ExpiresAt().Unix(),
		"kid":        tok.KID(),
	}
	if sub := tok.Subject(); sub != "" {
		fields["sub"] = sub
	}
	scopes := tok.Scopes()
	if len(scopes) == 0 {
		scopes = cred.Authorization.AuthorizedScopes()
	}
	if len(scopes) > 0 {
		fields["scope"] = strings.Join(scopes, " ")
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}

// Revoke reports whether a token matched. Revoking an already revoked token
// succeeds.
func (h *Custodian) Revoke(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	raw, hint, err := tokenRequest(req)
	if err != nil {
		return nil, err
	}

	revoked, err := h.authorizationService.RevokeToken(ctx, raw, hint)
	if err != nil {
		h.logger.Error("Custodian handler: revocation failed", "hint", hint, "error", err.Error())
		return nil, handleError(err)
	}

	principal, _ := h.contextManager.GetPrincipalFromContext(ctx)
	h.logger.Info("Custodian handler: revocation processed", "caller", principal, "hint", hint, "matched", revoked)

	return wrapperspb.Bool(revoked), nil
}

func (h *Custodian) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	principal, ok := h.contextManager.GetPrincipalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no principal in context")
	}
	return wrapperspb.String(principal), nil
}

func tokenRequest(req *structpb.Struct) (raw, hint string, err error) {
	fields := req.GetFields()
	raw = strings.TrimSpace(fields[fieldToken].GetStringValue())
	if raw == "" {
		return "", "", status.Error(codes.InvalidArgument, "token is required")
	}
	return raw, strings.TrimSpace(fields[fieldTokenHint].GetStringValue()), nil
}
