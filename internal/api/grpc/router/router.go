package router

import (
	"context"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/selector"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dtroode/custodian/internal/api/grpc/handler"
	"github.com/dtroode/custodian/internal/api/grpc/middleware"
	"github.com/dtroode/custodian/internal/logger"
	"github.com/dtroode/custodian/internal/model"
)

// Methods under these prefixes are served without a bearer token.
var publicPrefixes = []string{
	"/grpc.health.v1.Health/",
	"/grpc.reflection.",
}

// KeyChecker reports whether a signing key is available.
type KeyChecker interface {
	SigningKey(ctx context.Context) (model.VerificationKey, error)
}

// Router represents a gRPC router for custodian operations.
// It manages gRPC service registration and middleware configuration.
type Router struct {
	authorizationService handler.AuthorizationService
	authenticator        middleware.Authenticator
	keys                 KeyChecker
	contextManager       model.ContextManager
	logger               *logger.Logger

	health *health.Server
}

// New creates new gRPC Router instance.
//
// Parameters:
//   - authorizationService: Token custody operations behind the custodian service
//   - authenticator: Resolves bearer tokens of callers
//   - keys: Source of the current signing key, used for health
//   - contextManager: Stores the authenticated principal in request context
//   - logger: The logger for request logging
//
// Returns a pointer to the newly created Router instance.
func New(
	authorizationService handler.AuthorizationService,
	authenticator middleware.Authenticator,
	keys KeyChecker,
	contextManager model.ContextManager,
	logger *logger.Logger,
) *Router {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Router{
		authorizationService: authorizationService,
		authenticator:        authenticator,
		keys:                 keys,
		contextManager:       contextManager,
		logger:               logger,
		health:               h,
	}
}

// authRequired selects every method except health probes and reflection.
func authRequired(_ context.Context, c interceptors.CallMeta) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(c.FullMethod(), prefix) {
			return false
		}
	}
	return true
}

// Register registers all gRPC services and middleware.
// It sets up the gRPC server with request logging and authentication interceptors.
//
// Returns the configured gRPC server instance.
func (r *Router) Register() *grpc.Server {
	logging := middleware.NewLogging(r.logger)
	authenticate := middleware.NewAuthenticate(r.authenticator, r.contextManager, r.logger)

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.HandleGRPC,
			selector.UnaryServerInterceptor(
				auth.UnaryServerInterceptor(authenticate.AuthFunc),
				selector.MatchFunc(authRequired),
			),
		),
		grpc.ChainStreamInterceptor(
			logging.HandleGRPCStream,
			selector.StreamServerInterceptor(
				auth.StreamServerInterceptor(authenticate.AuthFunc),
				selector.MatchFunc(authRequired),
			),
		),
	)
	r.registerHealth(s)
	r.registerCustodianRoutes(s)

	return s
}

func (r *Router) registerHealth(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, r.health)
}

func (r *Router) registerCustodianRoutes(server *grpc.Server) {
	custodianHandler := handler.NewCustodian(r.authorizationService, r.contextManager, r.logger)
	handler.RegisterCustodianServer(server, custodianHandler)
}

// CheckHealth marks the server SERVING while an ACTIVE signing key can be
// loaded and NOT_SERVING otherwise.
func (r *Router) CheckHealth(ctx context.Context) error {
	_, err := r.keys.SigningKey(ctx)

	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		r.logger.Warn("Router: no usable signing key, reporting not serving", "error", err.Error())
	}
	r.health.SetServingStatus("", st)
	r.health.SetServingStatus(handler.ServiceName, st)

	return err
}

// Shutdown moves every service to NOT_SERVING ahead of a graceful stop.
func (r *Router) Shutdown() {
	r.health.Shutdown()
}
