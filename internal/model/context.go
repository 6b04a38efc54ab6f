package model

import (
	"context"
)

type ContextManager interface {
	SetPrincipalToContext(ctx context.Context, principal string) context.Context
	GetPrincipalFromContext(ctx context.Context) (string, bool)
}
