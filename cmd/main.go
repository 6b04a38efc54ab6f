package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/reflection"

	grpcctx "github.com/dtroode/custodian/internal/api/grpc/context"
	"github.com/dtroode/custodian/internal/api/grpc/router"
	grpcServer "github.com/dtroode/custodian/internal/api/grpc/server"
	httpapi "github.com/dtroode/custodian/internal/api/http"
	"github.com/dtroode/custodian/internal/config"
	"github.com/dtroode/custodian/internal/digest"
	"github.com/dtroode/custodian/internal/lock"
	"github.com/dtroode/custodian/internal/logger"
	"github.com/dtroode/custodian/internal/metrics"
	"github.com/dtroode/custodian/internal/model"
	"github.com/dtroode/custodian/internal/repository/postgres"
	"github.com/dtroode/custodian/internal/scheduler"
	"github.com/dtroode/custodian/internal/server"
	"github.com/dtroode/custodian/internal/service"
	storage "github.com/dtroode/custodian/internal/storage/minio"
	"github.com/dtroode/custodian/internal/token"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

const (
	healthInterval  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// app holds the components shared by the server and the issue command.
type app struct {
	cfg      *config.Config
	logger   *logger.Logger
	db       *postgres.Connection
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	keys     *service.Keys
	auth     *service.Authorization
	signer   *token.JWT
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)

	a := bootstrap(ctx, cfg, logger)
	defer a.db.Close()

	if len(os.Args) > 1 && os.Args[1] == "issue" {
		if err := runIssue(ctx, a, os.Args[2:]); err != nil {
			logger.Fatal("failed to issue token", "error", err)
		}
		return
	}

	logAppVersion()

	if err := runServer(ctx, a); err != nil {
		logger.Fatal("server stopped with error", "error", err)
	}
	logger.Info("shutdown complete")
}

func bootstrap(ctx context.Context, cfg *config.Config, logger *logger.Logger) *app {
	digester, err := digest.New(cfg.Token.Pepper)
	if err != nil {
		logger.Fatal("invalid token pepper", "error", err)
	}

	db, err := postgres.NewConection(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		logger.Fatal("failed to register metrics", "error", err)
	}

	keyOpts := []service.KeysOption{
		service.WithKeysMetrics(m),
		service.WithKeyAlgorithm(cfg.Keys.Algorithm, cfg.Keys.RSABits),
	}
	if cfg.Storage.Enabled {
		archive, err := newKeyArchive(ctx, cfg.Storage)
		if err != nil {
			logger.Fatal("failed to initialize key archive", "error", err)
		}
		keyOpts = append(keyOpts, service.WithKeyArchive(archive))
	}

	keys := service.NewKeys(postgres.NewSigningKeyRepository(db), logger, keyOpts...)
	if err := keys.CheckConfig(); err != nil {
		logger.Fatal("invalid signing key configuration", "error", err)
	}
	if _, err := keys.EnsureActiveKey(ctx); err != nil {
		logger.Fatal("failed to ensure active signing key", "error", err)
	}

	auth := service.NewAuthorization(postgres.NewAuthorizationRepository(db), digester, logger,
		service.WithSaveMaxAttempts(cfg.Save.MaxAttempts),
		service.WithAuthorizationMetrics(m),
	)

	signer := token.NewJWT(keys, cfg.Token.Issuer, token.WithTTLs(cfg.Token.AccessTTL, cfg.Token.IDTokenTTL))

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		metrics:  m,
		keys:     keys,
		auth:     auth,
		signer:   signer,
	}
}

func newKeyArchive(ctx context.Context, cfg config.Storage) (*storage.Archive, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return storage.NewArchive(ctx, minioClient, cfg.Bucket)
}

func runServer(ctx context.Context, a *app) error {
	ctxMgr := grpcctx.NewManager()
	authenticator := service.NewAuthenticator(a.signer, a.auth, a.logger)

	r := router.New(a.auth, authenticator, a.keys, ctxMgr, a.logger)
	gs := r.Register()
	reflection.Register(gs)
	grpcSrv := grpcServer.NewGRPCServer(gs, fmt.Sprintf(":%s", a.cfg.GRPC.Port))

	ready := func(ctx context.Context) error {
		_, err := a.keys.SigningKey(ctx)
		return err
	}
	httpSrv := httpapi.NewServer(
		httpapi.NewHandler(a.keys, a.registry, ready, a.logger).Routes(),
		fmt.Sprintf(":%s", a.cfg.HTTP.Port),
	)

	sched, closeLocker, err := newScheduler(ctx, a)
	if err != nil {
		return err
	}
	defer closeLocker()

	sched.Register("rotate-signing-key", a.cfg.Keys.RotationInterval, func(ctx context.Context) error {
		_, err := a.keys.Rotate(ctx)
		return err
	})
	sched.Register("purge-signing-keys", a.cfg.Keys.PurgeInterval, func(ctx context.Context) error {
		_, err := a.keys.PurgeInactive(ctx)
		return err
	})
	sched.Register("health", healthInterval, r.CheckHealth, scheduler.Local())

	if err := sched.Trigger(ctx, "health"); err != nil {
		a.logger.Warn("initial health check failed", "error", err)
	}

	var sl model.SecurityLayer
	if a.cfg.GRPC.EnableHTTPS {
		sl = server.NewTLSListener(a.cfg.GRPC.CertFileName, a.cfg.GRPC.PrivateKeyFileName)
	} else {
		sl = server.NewPlainListener()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return start(a.logger, grpcSrv, sl) })
	g.Go(func() error { return start(a.logger, httpSrv, server.NewPlainListener()) })
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		r.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, s := range []model.Server{grpcSrv, httpSrv} {
			if err := s.Stop(shutdownCtx); err != nil {
				a.logger.Error("error during server shutdown", "error", err, "address", s.Address())
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func start(logger *logger.Logger, s model.Server, sl model.SecurityLayer) error {
	logger.Info("Starting server on", "address", s.Address())
	if err := s.Start(sl); err != nil {
		return fmt.Errorf("server %s: %w", s.Address(), err)
	}
	return nil
}

// newScheduler wires the Redis job lock when configured. The returned close
// function is always safe to call.
func newScheduler(ctx context.Context, a *app) (*scheduler.Manager, func(), error) {
	opts := []scheduler.Option{scheduler.WithMetrics(a.metrics)}
	closeLocker := func() {}

	if a.cfg.Redis.Addr != "" {
		locker, err := lock.NewRedisLocker(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB, a.cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, closeLocker, fmt.Errorf("failed to initialize job lock: %w", err)
		}
		opts = append(opts, scheduler.WithLocker(locker))
		closeLocker = func() { _ = locker.Close() }
	}

	return scheduler.NewManager(a.logger, opts...), closeLocker, nil
}

// runIssue mints a token for a client, e.g. to bootstrap a resource server
// calling the gRPC API.
func runIssue(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	clientID := fs.String("client", "", "client id (required)")
	principal := fs.String("principal", "", "principal name, defaults to the client id")
	scopes := fs.String("scope", "", "space separated scopes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return errors.New("-client is required")
	}

	issuer := service.NewIssuer(a.signer, a.auth, a.logger)
	out, err := issuer.Issue(ctx, service.IssueRequest{
		ClientID:  *clientID,
		Principal: *principal,
		Scopes:    strings.Fields(*scopes),
	})
	if err != nil {
		return err
	}

	fmt.Printf("access_token: %s\nexpires_at: %s\n", out.AccessToken, out.ExpiresAt.Format(time.RFC3339))
	if out.IDToken != "" {
		fmt.Printf("id_token: %s\n", out.IDToken)
	}
	return nil
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	fmt.Printf(tmpl, buildVersion, buildDate, buildCommit)
}
