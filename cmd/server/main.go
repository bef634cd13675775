// Command server runs the StreamGlass service: the Twitch EventSub ingest
// loop, the overlay/dashboard HTTP surface, and the persistence workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamglass/internal/api"
	"streamglass/internal/auth/oauth"
	"streamglass/internal/eventsub"
	"streamglass/internal/helix"
	"streamglass/internal/live"
	"streamglass/internal/observability/logging"
	"streamglass/internal/observability/metrics"
	"streamglass/internal/server"
	"streamglass/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	recentCapacity := flag.Int("recent-capacity", 0, "number of recent events kept in the live snapshot")
	queueDriver := flag.String("queue-driver", "", "update queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the update queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the update queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for live updates")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for live updates")
	eventsubURL := flag.String("eventsub-url", "", "EventSub WebSocket endpoint override")
	broadcaster := flag.String("broadcaster", "", "broadcaster login of the channel to watch")
	moderator := flag.String("moderator", "", "moderator login for the follow subscription (defaults to broadcaster)")
	clientID := flag.String("twitch-client-id", "", "Twitch application client ID")
	clientSecret := flag.String("twitch-client-secret", "", "Twitch application client secret")
	redirectURL := flag.String("twitch-redirect-url", "", "OAuth redirect URL registered with the application")
	adminKeyHash := flag.String("admin-key-hash", "", "PBKDF2 hash guarding the restart endpoint")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	adminLimit := flag.Int("rate-admin-limit", 0, "maximum operator endpoint attempts per window for a single IP")
	adminWindow := flag.Duration("rate-admin-window", 0, "window for counting operator endpoint attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed attempt counting")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed attempt counting")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	cleanupInterval := flag.Duration("cleanup-interval", 0, "interval between stale subscription cleanup passes")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMGLASS_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMGLASS_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	broadcasterLogin := firstNonEmpty(*broadcaster, os.Getenv("STREAMGLASS_BROADCASTER"))
	if broadcasterLogin == "" {
		logger.Error("broadcaster login is required (set -broadcaster or STREAMGLASS_BROADCASTER)")
		os.Exit(1)
	}

	repo, err := openRepository(repositoryOptions{
		driver:          firstNonEmpty(*storageDriver, os.Getenv("STREAMGLASS_STORAGE_DRIVER")),
		dataPath:        firstNonEmpty(*dataPath, os.Getenv("STREAMGLASS_DATA")),
		postgresDSN:     firstNonEmpty(*postgresDSN, os.Getenv("STREAMGLASS_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		maxConns:        resolveInt(*postgresMaxConns, "STREAMGLASS_POSTGRES_MAX_CONNS"),
		minConns:        resolveInt(*postgresMinConns, "STREAMGLASS_POSTGRES_MIN_CONNS"),
		maxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "STREAMGLASS_POSTGRES_MAX_CONN_LIFETIME", 0),
		maxConnIdle:     resolveDuration(*postgresMaxConnIdle, "STREAMGLASS_POSTGRES_MAX_CONN_IDLE", 0),
		acquireTimeout:  resolveDuration(*postgresAcquireTimeout, "STREAMGLASS_POSTGRES_ACQUIRE_TIMEOUT", 0),
		logger:          logger,
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	capacity := resolveInt(*recentCapacity, "STREAMGLASS_RECENT_CAPACITY")
	state := live.NewStore(capacity)
	primeState(state, repo, logger)

	queue, err := configureQueue(queueOptions{
		driver:   firstNonEmpty(*queueDriver, os.Getenv("STREAMGLASS_QUEUE_DRIVER")),
		addr:     firstNonEmpty(*queueRedisAddr, os.Getenv("STREAMGLASS_QUEUE_REDIS_ADDR")),
		password: firstNonEmpty(*queueRedisPassword, os.Getenv("STREAMGLASS_QUEUE_REDIS_PASSWORD")),
		stream:   firstNonEmpty(*queueRedisStream, os.Getenv("STREAMGLASS_QUEUE_REDIS_STREAM")),
		group:    firstNonEmpty(*queueRedisGroup, os.Getenv("STREAMGLASS_QUEUE_REDIS_GROUP")),
		logger:   logger,
	})
	if err != nil {
		logger.Error("failed to configure update queue", "error", err)
		os.Exit(1)
	}

	oauthManager, err := configureOAuth(oauthOptions{
		clientID:     firstNonEmpty(*clientID, os.Getenv("STREAMGLASS_TWITCH_CLIENT_ID")),
		clientSecret: firstNonEmpty(*clientSecret, os.Getenv("STREAMGLASS_TWITCH_CLIENT_SECRET")),
		redirectURL:  firstNonEmpty(*redirectURL, os.Getenv("STREAMGLASS_TWITCH_REDIRECT_URL")),
		repo:         repo,
		logger:       logger,
	})
	if err != nil {
		logger.Error("failed to configure oauth", "error", err)
		os.Exit(1)
	}

	helixClient, err := configureHelix(oauthManager, repo, broadcasterLogin,
		firstNonEmpty(*moderator, os.Getenv("STREAMGLASS_MODERATOR")), logger, recorder)
	if err != nil {
		logger.Error("failed to configure helix client", "error", err)
		os.Exit(1)
	}

	manager, err := eventsub.NewManager(eventsub.ManagerConfig{
		URL:        firstNonEmpty(*eventsubURL, os.Getenv("STREAMGLASS_EVENTSUB_URL")),
		Store:      state,
		Queue:      queue,
		Reconciler: helixClient,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		logger.Error("failed to configure eventsub manager", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Config{
		State:        state,
		Queue:        queue,
		Store:        repo,
		OAuth:        oauthManager,
		Ingest:       manager,
		Logger:       logging.WithComponent(logger, "api"),
		Metrics:      recorder,
		AdminKeyHash: firstNonEmpty(*adminKeyHash, os.Getenv("STREAMGLASS_ADMIN_KEY_HASH")),
	})

	srv, err := server.New(handler, server.Config{
		Addr: resolveListenAddr(*addr, os.Getenv("STREAMGLASS_ADDR")),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMGLASS_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMGLASS_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STREAMGLASS_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "STREAMGLASS_RATE_GLOBAL_BURST"),
			AdminLimit:    resolveInt(*adminLimit, "STREAMGLASS_RATE_ADMIN_LIMIT"),
			AdminWindow:   resolveDuration(*adminWindow, "STREAMGLASS_RATE_ADMIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("STREAMGLASS_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("STREAMGLASS_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "STREAMGLASS_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	stopCleanup := startSubscriptionCleanupWorker(groupCtx, logging.WithComponent(logger, "cleanup"),
		helixClient, func() string { return state.Snapshot().SessionID },
		resolveDuration(*cleanupInterval, "STREAMGLASS_CLEANUP_INTERVAL", time.Hour))
	defer stopCleanup()
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		err := manager.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		storage.NewEventWorker(repo, queue, logging.WithComponent(logger, "event-worker")).Run(groupCtx)
		return nil
	})

	logger.Info("streamglass started", "broadcaster", broadcasterLogin)
	if err := group.Wait(); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveListenAddr(flagValue, envValue string) string {
	if addr := firstNonEmpty(flagValue, envValue); addr != "" {
		return addr
	}
	return ":8080"
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseFloat(env, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

type repositoryOptions struct {
	driver          string
	dataPath        string
	postgresDSN     string
	maxConns        int
	minConns        int
	maxConnLifetime time.Duration
	maxConnIdle     time.Duration
	acquireTimeout  time.Duration
	logger          *slog.Logger
}

func openRepository(opts repositoryOptions) (storage.Repository, error) {
	driver := strings.ToLower(opts.driver)
	if driver == "" {
		if opts.postgresDSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		path := opts.dataPath
		if path == "" {
			path = "data/streamglass.json"
		}
		return storage.NewJSONRepository(path, storage.WithLogger(opts.logger))
	case "postgres":
		if opts.postgresDSN == "" {
			return nil, errors.New("postgres storage selected without DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             opts.postgresDSN,
			MaxConnections:  int32(opts.maxConns),
			MinConnections:  int32(opts.minConns),
			MaxConnLifetime: opts.maxConnLifetime,
			MaxConnIdleTime: opts.maxConnIdle,
			AcquireTimeout:  opts.acquireTimeout,
			ApplicationName: "streamglass",
		}, storage.WithLogger(opts.logger))
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

type queueOptions struct {
	driver   string
	addr     string
	password string
	stream   string
	group    string
	logger   *slog.Logger
}

func configureQueue(opts queueOptions) (live.Queue, error) {
	driver := strings.ToLower(opts.driver)
	if driver == "" {
		if opts.addr != "" {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return live.NewMemoryQueue(64), nil
	case "redis":
		return live.NewRedisQueue(live.RedisQueueConfig{
			Addr:     opts.addr,
			Password: opts.password,
			Stream:   opts.stream,
			Group:    opts.group,
			Logger:   opts.logger,
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

type oauthOptions struct {
	clientID     string
	clientSecret string
	redirectURL  string
	repo         storage.Repository
	logger       *slog.Logger
}

func configureOAuth(opts oauthOptions) (*oauth.Manager, error) {
	managerOpts := []oauth.Option{
		oauth.WithLogger(opts.logger),
		oauth.WithPersist(func(ctx context.Context, tokens oauth.Tokens) error {
			return opts.repo.SaveTokens(ctx, tokens)
		}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tokens, err := opts.repo.Tokens(ctx)
	switch {
	case err == nil:
		managerOpts = append(managerOpts, oauth.WithTokens(tokens))
	case errors.Is(err, storage.ErrNotFound):
	default:
		opts.logger.Warn("failed to load stored tokens", "error", err)
	}
	return oauth.NewManager(oauth.Config{
		ClientID:     opts.clientID,
		ClientSecret: opts.clientSecret,
		RedirectURL:  opts.redirectURL,
	}, managerOpts...)
}

func configureHelix(tokens *oauth.Manager, repo storage.Repository, broadcasterLogin, moderatorLogin string, logger *slog.Logger, recorder *metrics.Recorder) (*helix.Client, error) {
	cfg := helix.Config{
		Tokens:           tokens,
		Logger:           logger,
		Metrics:          recorder,
		BroadcasterLogin: broadcasterLogin,
		ModeratorLogin:   moderatorLogin,
		OnIdentityResolved: func(ctx context.Context, identity helix.Identity) error {
			return repo.SaveIdentity(ctx, storage.Identity{
				BroadcasterID: identity.BroadcasterID,
				ModeratorID:   identity.ModeratorID,
			})
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	saved, err := repo.Identity(ctx)
	switch {
	case err == nil:
		cfg.Identity = helix.Identity{
			BroadcasterID:    saved.BroadcasterID,
			BroadcasterLogin: broadcasterLogin,
			ModeratorID:      saved.ModeratorID,
			ModeratorLogin:   moderatorLogin,
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		logger.Warn("failed to load stored identity", "error", err)
	}
	return helix.NewClient(cfg)
}

func primeState(state *live.Store, repo storage.Repository, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, bits, err := repo.RecentEvents(ctx)
	if err != nil {
		logger.Warn("failed to load recent events", "error", err)
		return
	}
	state.Prime(events, bits)
}
