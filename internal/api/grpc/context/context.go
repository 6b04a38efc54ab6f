package context

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// principalKey is the metadata key used to store the authenticated principal.
const (
	principalKey string = "x-custodian-principal"
)

// Manager represents a gRPC context manager for principal operations.
// It stores the authenticated principal in incoming gRPC metadata.
type Manager struct{}

// NewManager creates a new gRPC context manager instance.
//
// Returns a pointer to the newly created Manager instance.
func NewManager() *Manager {
	return &Manager{}
}

// SetPrincipalToContext sets the principal in the gRPC context metadata.
// Any principal already present, including one sent by the client, is
// replaced.
//
// Parameters:
//   - ctx: The gRPC context
//   - principal: The authenticated principal name
//
// Returns a new context with the principal in incoming metadata.
func (m *Manager) SetPrincipalToContext(ctx context.Context, principal string) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		md = metadata.New(map[string]string{principalKey: principal})
	} else {
		md = md.Copy()
		md.Set(principalKey, principal)
	}

	return metadata.NewIncomingContext(ctx, md)
}

// GetPrincipalFromContext retrieves the principal from gRPC context metadata.
//
// Parameters:
//   - ctx: The gRPC context
//
// Returns the principal and a boolean indicating if a non-empty principal was found.
func (m *Manager) GetPrincipalFromContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}

	principals := md.Get(principalKey)
	if len(principals) == 0 || principals[0] == "" {
		return "", false
	}

	return principals[0], true
}
