package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ionsec/maes-platform-sub001/internal/access"
	"github.com/ionsec/maes-platform-sub001/internal/audit"
	"github.com/ionsec/maes-platform-sub001/internal/config"
	"github.com/ionsec/maes-platform-sub001/internal/events"
	"github.com/ionsec/maes-platform-sub001/internal/httpapi"
	"github.com/ionsec/maes-platform-sub001/internal/jobs"
	"github.com/ionsec/maes-platform-sub001/internal/obs"
	"github.com/ionsec/maes-platform-sub001/internal/orgs"
	"github.com/ionsec/maes-platform-sub001/internal/queue"
	"github.com/ionsec/maes-platform-sub001/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type dispatcher interface {
	jobs.Dispatcher
	httpapi.Pinger
}

// backends holds the stores and queue picked from configuration.
type backends struct {
	orgs       orgs.Store
	principals access.PrincipalStore
	jobs       jobs.Store
	audit      audit.Store
	queue      dispatcher
	db         *sql.DB
	closers    []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
		b.closers = append(b.closers, store.Close)
		b.orgs, b.principals, b.jobs, b.audit = store.Organizations(), store.Principals(), store.Jobs(), store.Audit()
		b.db = store.DB()
	} else {
		logger.Warn("no postgres dsn configured, using in-memory stores")
		b.orgs, b.principals, b.jobs, b.audit = orgs.NewMemoryStore(), access.NewMemoryStore(), jobs.NewMemoryStore(), audit.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		q, err := queue.DialRedis(ctx, cfg.RedisURL,
			queue.WithPrefix(cfg.RedisPrefix),
			queue.WithRedisLogger(logger.Named("queue")))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, q.Close)
		b.queue = q
	} else {
		logger.Warn("no redis url configured, using in-memory queue")
		b.queue = queue.NewMemory(time.Now)
	}
	return b, nil
}

func bootstrapAdmin(ctx context.Context, engine *access.Engine, cfg config.Config, logger *zap.Logger) error {
	if cfg.BootstrapEmail == "" {
		return nil
	}
	p, err := engine.Bootstrap(ctx, access.NewPrincipal{
		Email:       cfg.BootstrapEmail,
		DisplayName: "Bootstrap administrator",
		Password:    cfg.BootstrapPassword,
		Role:        access.RoleSuperAdmin,
	})
	if errors.Is(err, access.ErrConflict) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "bootstrap admin")
	}
	logger.Info("bootstrap admin created", zap.String("principal_id", p.ID))
	return nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := obs.InitLogger(obs.LogConfig{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	defer func() { _ = logger.Sync() }()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	roles, err := access.LoadRoleTable(cfg.RolesFile)
	if err != nil {
		return err
	}
	tokens, err := access.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL, nil)
	if err != nil {
		return err
	}
	trail := audit.NewTrail(b.audit, audit.WithLogger(logger.Named("audit")))
	engine, err := access.NewEngine(b.principals, orgs.NewTenancy(b.orgs, time.Now),
		access.WithRoleTable(roles),
		access.WithTokenIssuer(tokens),
		access.WithServiceSecret(cfg.ServiceSecret),
		access.WithLockout(access.LockoutPolicy{Threshold: cfg.LockoutThreshold, Duration: cfg.LockoutDuration}),
		access.WithAudit(trail),
		access.WithLogger(logger.Named("access")))
	if err != nil {
		return err
	}
	if err := bootstrapAdmin(ctx, engine, cfg, logger); err != nil {
		return err
	}

	directory := orgs.NewDirectory(b.orgs, engine, trail, orgs.WithLogger(logger.Named("orgs")))
	bus := events.New(events.WithLogger(logger.Named("events")))
	orchestrator := jobs.New(b.jobs, engine, directory, b.queue,
		jobs.WithPublisher(bus),
		jobs.WithAudit(trail),
		jobs.WithLogger(logger.Named("jobs")),
		jobs.WithConnectivity(cfg.ConnectivityTimeout, cfg.ConnectivityPoll))

	ready := httpapi.ReadyProbe{DB: b.db, Queue: b.queue}
	api := httpapi.New(httpapi.Deps{
		Access: engine,
		Orgs:   directory,
		Jobs:   orchestrator,
		Audit:  trail,
		Events: bus,
		Ready:  ready,
	},
		httpapi.WithVersion(version),
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitRPS),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCServer(ready, logger.Named("grpc"))
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.GRPCAddr)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go health.Run(ctx, 5*time.Second)
	go orchestrator.RunReaper(ctx, time.Minute)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- errors.Wrap(err, "grpc serve")
		}
	}()
	go func() {
		logger.Info("maes-api starting", zap.String("version", version), zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "http serve")
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}
	logger.Info("shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
	return err
}

func newRootCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:           "maes-api",
		Short:         "MAES job orchestration and access control API",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "optional config file (yaml, toml or json)")
	f.String("http-addr", ":8080", "HTTP listen address")
	f.String("grpc-addr", ":9090", "gRPC health listen address")
	f.String("pg-dsn", "", "PostgreSQL DSN; in-memory stores when empty")
	f.String("redis-url", "", "Redis URL; in-memory queue when empty")
	f.String("roles-file", "", "role table override (TOML)")
	f.String("log-level", "info", "debug, info, warn or error")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "maes-api:", err)
		os.Exit(1)
	}
}
