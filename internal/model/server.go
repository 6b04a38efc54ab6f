package model

import (
	"context"
	"net"
)

// SecurityLayer opens the listener a Server accepts connections on.
// Implementations decide whether the transport is wrapped in TLS.
type SecurityLayer interface {
	Listen(protocol, addr string) (net.Listener, error)
}

// Server is a long running network endpoint (gRPC or HTTP). Start blocks
// until the server stops; Stop drains in-flight requests until ctx is done.
type Server interface {
	Start(securityLayer SecurityLayer) error
	Stop(ctx context.Context) error
	Address() string
}
