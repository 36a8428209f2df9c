package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/relaychat/internal/api"
	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/groups"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		os.Exit(logging.Fail(logger, "relay exited with error", err, stop))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, b.Close()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []server.Option{
		server.WithLogger(logger.Named("relay")),
		server.WithMetrics(reg),
	}
	if cfg.Auth.JWTSecret != "" {
		auth, err := server.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTAlg)
		if err != nil {
			return fmt.Errorf("configure auth: %w", err)
		}
		opts = append(opts, server.WithAuthenticator(auth))
		logger.Info("handshake token verification enabled", zap.String("alg", cfg.Auth.JWTAlg))
	}

	relay := server.NewRelay(relayConfig(cfg), b.resolver, opts...)
	mux := server.SetupRoutes(relay,
		api.NewHandler(b.store, relay, logger.Named("api")),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	httpServer := server.CreateServer(cfg.Address, mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		return multierr.Combine(
			server.ShutdownServer(httpServer, cfg.ShutdownGracePeriod, logger),
			relay.Shutdown(cfg.ShutdownGracePeriod),
		)
	})
	return g.Wait()
}

func relayConfig(cfg config.Config) server.Config {
	return server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit: server.RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
		IdleTimeout:          cfg.IdleTimeout,
		PingInterval:         cfg.PingInterval,
		WriteTimeout:         cfg.WriteTimeout,
		SendBuffer:           cfg.SendBuffer,
		CloseUnauthenticated: cfg.CloseUnauthenticated,
		CloseReplaced:        cfg.CloseReplaced,
	}
}

// backends holds the optional Redis and Postgres connections together with
// the resolver and store built on them.
type backends struct {
	resolver groups.Resolver
	store    store.Store
	redis    *redis.Client
	pool     *pgxpool.Pool
}

func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{store: store.NewMemory()}
	chain := groups.Chain{groups.NewStatic(cfg.Groups)}
	var remote groups.Chain

	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return nil, multierr.Append(fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err), b.Close())
		}
		remote = append(remote, groups.NewRedis(b.redis, cfg.Redis.GroupPrefix))
		logger.Info("redis group membership enabled", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("connect postgres: %w", err), b.Close())
		}
		b.pool = pool
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, multierr.Append(err, b.Close())
		}
		b.store = pg
		remote = append(remote, groups.NewPostgres(pool))
		logger.Info("postgres message store enabled")
	} else {
		logger.Warn("no postgres dsn configured; messages are kept in memory")
	}

	if len(remote) > 0 {
		chain = append(chain, groups.NewCached(remote, cfg.GroupCache.Size, cfg.GroupCache.TTL))
	}
	b.resolver = chain
	return b, nil
}

// Close releases the backend connections.
func (b *backends) Close() error {
	var err error
	if b.redis != nil {
		err = multierr.Append(err, b.redis.Close())
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return err
}
