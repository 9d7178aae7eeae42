// Command server starts the CloudLocker gateway: account and billing API,
// authenticated pass-through to the file storage upstream, and the tester UI.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"cloudlocker/internal/api"
	"cloudlocker/internal/auth"
	"cloudlocker/internal/events"
	"cloudlocker/internal/mail"
	"cloudlocker/internal/observability/logging"
	"cloudlocker/internal/observability/metrics"
	"cloudlocker/internal/observability/tracing"
	"cloudlocker/internal/proxy"
	"cloudlocker/internal/server"
	"cloudlocker/internal/serverutil"
	"cloudlocker/internal/storage"
)

const (
	defaultTokenTTL          = 24 * time.Hour
	defaultTokenPurgeEvery   = 15 * time.Minute
	defaultShutdownTimeout   = 15 * time.Second
	defaultMailerSendTimeout = 10 * time.Second
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "grace period for in-flight requests on shutdown")

	storageDriver := flag.String("storage-driver", "", "datastore driver (json or mongo)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	mongoURI := flag.String("mongo-uri", "", "MongoDB connection string")
	mongoDatabase := flag.String("mongo-db", "", "MongoDB database name")
	mongoMaxPool := flag.Int("mongo-max-pool", 0, "maximum connections in the MongoDB pool")
	mongoMinPool := flag.Int("mongo-min-pool", 0, "minimum idle connections kept by the MongoDB pool")
	mongoConnectTimeout := flag.Duration("mongo-connect-timeout", 0, "timeout for establishing MongoDB connections")
	mongoSelectionTimeout := flag.Duration("mongo-server-selection-timeout", 0, "timeout for selecting a MongoDB server")
	mongoAppName := flag.String("mongo-app-name", "", "application name reported to MongoDB")
	defaultQuota := flag.Int64("default-quota", 0, "storage quota in bytes granted to new accounts")

	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for access tokens (at least 32 bytes)")
	tokenTTL := flag.Duration("token-ttl", 0, "lifetime of issued access tokens")
	tokenIssuer := flag.String("token-issuer", "", "issuer claim stamped on access tokens")
	revocationDriver := flag.String("revocation-store", "", "token revocation store (memory, redis, or postgres)")
	revocationRedisAddr := flag.String("revocation-redis-addr", "", "Redis address for the revocation store")
	revocationRedisUsername := flag.String("revocation-redis-username", "", "Redis username for the revocation store")
	revocationRedisPassword := flag.String("revocation-redis-password", "", "Redis password for the revocation store")
	revocationRedisDB := flag.Int("revocation-redis-db", 0, "Redis database for the revocation store")
	revocationPostgresDSN := flag.String("revocation-postgres-dsn", "", "Postgres DSN for the revocation store")
	tokenPurgeInterval := flag.Duration("token-purge-interval", 0, "interval between purges of expired revocations and link tokens")

	mailerDriver := flag.String("mailer", "", "mail delivery driver (log or mailersend)")
	mailerSendKey := flag.String("mailersend-api-key", "", "MailerSend API key")
	mailerSendEndpoint := flag.String("mailersend-endpoint", "", "override the MailerSend API endpoint")
	mailFrom := flag.String("mail-from", "", "sender address for outgoing mail")
	mailFromName := flag.String("mail-from-name", "", "sender display name for outgoing mail")
	publicBaseURL := flag.String("public-base-url", "", "public URL used to build links in emails")
	verificationTTL := flag.Duration("verification-ttl", 0, "lifetime of email verification links")
	resetTTL := flag.Duration("reset-ttl", 0, "lifetime of password reset links")

	kafkaBrokers := flag.String("kafka-brokers", "", "comma separated Kafka brokers for billing events")
	kafkaTopic := flag.String("kafka-topic", "", "Kafka topic for billing events")

	routesPath := flag.String("routes", "", "path to a YAML or TOML routing table")
	upstreamURL := flag.String("upstream-url", "", "base URL of the file storage API when no routing table is given")
	upstreamToken := flag.String("upstream-token", "", "bearer token injected for requests without client credentials")
	proxyPrefix := flag.String("proxy-prefix", "", "path prefix for relayed routes")
	proxyTimeout := flag.Duration("proxy-timeout", 0, "default upstream round trip timeout")
	upstreamHealthPath := flag.String("upstream-health-path", "", "upstream path probed by /healthz")
	proxyMaxIdle := flag.Int("proxy-max-idle-conns", 0, "maximum idle upstream connections")
	proxyMaxIdlePerHost := flag.Int("proxy-max-idle-conns-per-host", 0, "maximum idle upstream connections per host")
	proxyHeaderTimeout := flag.Duration("proxy-response-header-timeout", 0, "time to wait for upstream response headers")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum credential attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting credential attempts")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	redisUsername := flag.String("rate-redis-username", "", "Redis username for distributed login throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")

	corsOrigins := flag.String("cors-allowed-origins", "", "comma separated origins allowed to call the API from a browser")
	jaegerEndpoint := flag.String("jaeger-endpoint", "", "Jaeger collector endpoint; tracing is disabled when empty")
	traceRatio := flag.Float64("trace-sample-ratio", 0, "fraction of traces to sample")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLOUDLOCKER_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLOUDLOCKER_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("CLOUDLOCKER_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("CLOUDLOCKER_ADDR"))

	tracer, err := tracing.Init(tracing.Config{
		ServiceName:    firstNonEmpty(os.Getenv("CLOUDLOCKER_SERVICE_NAME"), tracing.DefaultServiceName),
		JaegerEndpoint: firstNonEmpty(*jaegerEndpoint, os.Getenv("CLOUDLOCKER_JAEGER_ENDPOINT")),
		SampleRatio:    resolveFloat(*traceRatio, "CLOUDLOCKER_TRACE_SAMPLE_RATIO"),
		Logger:         logging.WithComponent(logger, "tracing"),
	})
	if err != nil {
		fatal(logger, "failed to initialise tracing", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoURIValue := firstNonEmpty(*mongoURI, os.Getenv("CLOUDLOCKER_MONGO_URI"))
	driver, explicitDriver, err := resolveStorageDriver(*storageDriver, os.Getenv("CLOUDLOCKER_STORAGE_DRIVER"), mongoURIValue)
	if err != nil {
		fatal(logger, "invalid datastore configuration", err)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, mongoURIValue); err != nil {
			fatal(logger, "invalid production datastore configuration", err)
		}
	}
	if !explicitDriver {
		logger.Info("datastore driver selected implicitly", "driver", driver)
	}

	quota := resolveInt64(*defaultQuota, "CLOUDLOCKER_DEFAULT_QUOTA")
	storeOpts := []storage.Option{}
	if quota > 0 {
		storeOpts = append(storeOpts, storage.WithDefaultStorageQuota(quota))
	}
	resolvedDataPath := resolveDataPath(*dataPath, os.Getenv("CLOUDLOCKER_DATA"))
	mongoDB := firstNonEmpty(*mongoDatabase, os.Getenv("CLOUDLOCKER_MONGO_DB"), "cloudlocker")

	var store storage.Repository
	switch driver {
	case "json":
		store, err = storage.NewJSONRepository(resolvedDataPath, storeOpts...)
	case "mongo":
		maxPool := resolveInt(*mongoMaxPool, "CLOUDLOCKER_MONGO_MAX_POOL")
		minPool := resolveInt(*mongoMinPool, "CLOUDLOCKER_MONGO_MIN_POOL")
		if maxPool > 0 || minPool > 0 {
			storeOpts = append(storeOpts, storage.WithMongoPoolLimits(uint64(maxPool), uint64(minPool)))
		}
		connectTimeout := resolveDuration(*mongoConnectTimeout, "CLOUDLOCKER_MONGO_CONNECT_TIMEOUT", 0)
		selectionTimeout := resolveDuration(*mongoSelectionTimeout, "CLOUDLOCKER_MONGO_SERVER_SELECTION_TIMEOUT", 0)
		if connectTimeout > 0 || selectionTimeout > 0 {
			storeOpts = append(storeOpts, storage.WithMongoTimeouts(connectTimeout, selectionTimeout))
		}
		storeOpts = append(storeOpts, storage.WithMongoApplicationName(firstNonEmpty(*mongoAppName, os.Getenv("CLOUDLOCKER_MONGO_APP_NAME"), "cloudlocker-gateway")))
		store, err = storage.NewMongoRepository(ctx, mongoURIValue, mongoDB, storeOpts...)
	default:
		err = fmt.Errorf("unsupported storage driver %q", driver)
	}
	if err != nil {
		fatal(logger, "failed to open datastore", err)
	}

	secret, generated, err := resolveJWTSecret(*jwtSecret, os.Getenv("CLOUDLOCKER_JWT_SECRET"), serverMode)
	if err != nil {
		fatal(logger, "invalid token configuration", err)
	}
	if generated {
		logger.Warn("no JWT secret configured; generated an ephemeral secret, tokens will not survive a restart")
	}

	revocationCfg, err := resolveRevocationStoreConfig(
		*revocationDriver, os.Getenv("CLOUDLOCKER_REVOCATION_STORE"),
		firstNonEmpty(*revocationRedisAddr, os.Getenv("CLOUDLOCKER_REVOCATION_REDIS_ADDR")),
		firstNonEmpty(*revocationPostgresDSN, os.Getenv("CLOUDLOCKER_REVOCATION_POSTGRES_DSN")),
	)
	if err != nil {
		fatal(logger, "invalid revocation store configuration", err)
	}
	if serverMode == "production" && revocationCfg.Driver == "memory" {
		logger.Warn("in-memory revocation store active in production; logouts are not shared between replicas")
	}
	revocations, err := openRevocationStore(ctx, revocationCfg, auth.RedisRevocationStoreConfig{
		Addr:     revocationCfg.Addr,
		Username: firstNonEmpty(*revocationRedisUsername, os.Getenv("CLOUDLOCKER_REVOCATION_REDIS_USERNAME")),
		Password: firstNonEmpty(*revocationRedisPassword, os.Getenv("CLOUDLOCKER_REVOCATION_REDIS_PASSWORD")),
		DB:       resolveInt(*revocationRedisDB, "CLOUDLOCKER_REVOCATION_REDIS_DB"),
	})
	if err != nil {
		fatal(logger, "failed to open revocation store", err)
	}
	tokenOpts := []auth.TokenOption{auth.WithRevocationStore(revocations)}
	if issuer := firstNonEmpty(*tokenIssuer, os.Getenv("CLOUDLOCKER_TOKEN_ISSUER")); issuer != "" {
		tokenOpts = append(tokenOpts, auth.WithIssuer(issuer))
	}
	tokens, err := auth.NewTokenManager(secret, resolveDuration(*tokenTTL, "CLOUDLOCKER_TOKEN_TTL", defaultTokenTTL), tokenOpts...)
	if err != nil {
		fatal(logger, "failed to configure tokens", err)
	}

	baseURL := firstNonEmpty(*publicBaseURL, os.Getenv("CLOUDLOCKER_PUBLIC_BASE_URL"), defaultBaseURL(listenAddr))
	links, err := mail.NewLinks(baseURL)
	if err != nil {
		fatal(logger, "invalid public base URL", err)
	}
	mailLogger := logging.WithComponent(logger, "mail")
	mailerName := strings.ToLower(firstNonEmpty(*mailerDriver, os.Getenv("CLOUDLOCKER_MAILER"), "log"))
	var mailer mail.Mailer
	switch mailerName {
	case "log":
		if serverMode == "production" {
			logger.Warn("log mailer active in production; emails are only written to the log")
		}
		mailer = mail.NewLogMailer(mailLogger)
	case "mailersend":
		mailer, err = mail.NewMailerSendClient(mail.MailerSendConfig{
			APIKey:      firstNonEmpty(*mailerSendKey, os.Getenv("CLOUDLOCKER_MAILERSEND_API_KEY")),
			Endpoint:    firstNonEmpty(*mailerSendEndpoint, os.Getenv("CLOUDLOCKER_MAILERSEND_ENDPOINT")),
			FromEmail:   firstNonEmpty(*mailFrom, os.Getenv("CLOUDLOCKER_MAIL_FROM")),
			FromName:    firstNonEmpty(*mailFromName, os.Getenv("CLOUDLOCKER_MAIL_FROM_NAME"), "CloudLocker"),
			ProductName: "CloudLocker",
			HTTPClient:  proxy.NewHTTPClient(proxy.TransportConfig{ResponseHeaderTimeout: defaultMailerSendTimeout}),
			Logger:      mailLogger,
			Metrics:     recorder,
		})
		if err != nil {
			fatal(logger, "failed to configure mailersend", err)
		}
	default:
		fatal(logger, "invalid mailer configuration", fmt.Errorf("unsupported mailer %q", mailerName))
	}

	eventsLogger := logging.WithComponent(logger, "events")
	brokers := splitAndTrim(firstNonEmpty(*kafkaBrokers, os.Getenv("CLOUDLOCKER_KAFKA_BROKERS")))
	var publisher events.Publisher = events.NoopPublisher{}
	if len(brokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: brokers,
			Topic:   firstNonEmpty(*kafkaTopic, os.Getenv("CLOUDLOCKER_KAFKA_TOPIC"), events.DefaultTopic),
		})
		if err != nil {
			fatal(logger, "failed to configure kafka publisher", err)
		}
		publisher = kafkaPublisher
	}
	dispatcher := events.NewDispatcher(publisher, eventsLogger, recorder)

	proxyLogger := logging.WithComponent(logger, "proxy")
	table, err := resolveRoutingTable(
		firstNonEmpty(*routesPath, os.Getenv("CLOUDLOCKER_ROUTES")),
		firstNonEmpty(*upstreamURL, os.Getenv("CLOUDLOCKER_UPSTREAM_URL")),
		firstNonEmpty(*upstreamToken, os.Getenv("CLOUDLOCKER_UPSTREAM_TOKEN")),
	)
	if err != nil {
		fatal(logger, "invalid routing configuration", err)
	}
	var forwarder *proxy.Forwarder
	if len(table.Upstreams) > 0 {
		forwarder, err = proxy.New(proxy.Config{
			Upstreams:      table.Upstreams,
			DefaultTimeout: resolveDuration(*proxyTimeout, "CLOUDLOCKER_PROXY_TIMEOUT", table.DefaultTimeout),
			HealthEndpoint: firstNonEmpty(*upstreamHealthPath, os.Getenv("CLOUDLOCKER_UPSTREAM_HEALTH_PATH")),
			HTTPClient: proxy.NewHTTPClient(proxy.TransportConfig{
				MaxIdleConns:          resolveInt(*proxyMaxIdle, "CLOUDLOCKER_PROXY_MAX_IDLE_CONNS"),
				MaxIdleConnsPerHost:   resolveInt(*proxyMaxIdlePerHost, "CLOUDLOCKER_PROXY_MAX_IDLE_CONNS_PER_HOST"),
				ResponseHeaderTimeout: resolveDuration(*proxyHeaderTimeout, "CLOUDLOCKER_PROXY_RESPONSE_HEADER_TIMEOUT", 0),
			}),
			Logger:  proxyLogger,
			Metrics: recorder,
		})
		if err != nil {
			fatal(logger, "failed to configure proxy", err)
		}
	} else {
		logger.Warn("no upstream configured; proxy routes are disabled")
	}

	handler := api.NewHandler(store, tokens)
	handler.Mailer = mailer
	handler.Links = links
	handler.Events = dispatcher
	handler.Metrics = recorder
	handler.Logger = logger
	handler.SessionCookiePolicy.SecureMode = resolveSessionCookieSecureMode(serverMode)
	handler.VerificationTTL = resolveDuration(*verificationTTL, "CLOUDLOCKER_VERIFICATION_TTL", api.DefaultVerificationTTL)
	handler.ResetTTL = resolveDuration(*resetTTL, "CLOUDLOCKER_RESET_TTL", api.DefaultResetTTL)
	if quota > 0 {
		handler.DefaultStorageQuota = quota
	}
	if forwarder != nil {
		handler.Upstream = forwarder
	}

	rateCfg := server.RateLimitConfig{
		GlobalRPS:             resolveFloat(*globalRPS, "CLOUDLOCKER_RATE_GLOBAL_RPS"),
		GlobalBurst:           resolveInt(*globalBurst, "CLOUDLOCKER_RATE_GLOBAL_BURST"),
		LoginLimit:            resolveInt(*loginLimit, "CLOUDLOCKER_RATE_LOGIN_LIMIT"),
		LoginWindow:           resolveDuration(*loginWindow, "CLOUDLOCKER_RATE_LOGIN_WINDOW", time.Minute),
		RedisAddr:             firstNonEmpty(*redisAddr, os.Getenv("CLOUDLOCKER_RATE_REDIS_ADDR")),
		RedisUsername:         firstNonEmpty(*redisUsername, os.Getenv("CLOUDLOCKER_RATE_REDIS_USERNAME")),
		RedisPassword:         firstNonEmpty(*redisPassword, os.Getenv("CLOUDLOCKER_RATE_REDIS_PASSWORD")),
		RedisTimeout:          resolveDuration(*redisTimeout, "CLOUDLOCKER_RATE_REDIS_TIMEOUT", 0),
		TrustForwardedHeaders: resolveBool(*trustForwarded, "CLOUDLOCKER_RATE_TRUST_FORWARDED_HEADERS"),
		TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("CLOUDLOCKER_RATE_TRUSTED_PROXIES"))),
	}

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("CLOUDLOCKER_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CLOUDLOCKER_TLS_KEY")),
	}

	srv, err := server.New(handler, server.Config{
		Addr:        listenAddr,
		TLS:         tlsCfg,
		RateLimit:   rateCfg,
		CORS:        server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CLOUDLOCKER_CORS_ALLOWED_ORIGINS")))},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
		Forwarder:   forwarder,
		Routes:      table.Routes,
		ProxyPrefix: firstNonEmpty(*proxyPrefix, os.Getenv("CLOUDLOCKER_PROXY_PREFIX")),
	})
	if err != nil {
		fatal(logger, "failed to initialise server", err)
	}

	summary := newStartupSummary(startupSummaryInput{
		Mode:          serverMode,
		Addr:          listenAddr,
		StorageDriver: driver,
		StoragePath:   resolvedDataPath,
		MongoURI:      mongoURIValue,
		MongoDatabase: mongoDB,
		Revocation:    revocationCfg,
		RateLimit:     rateCfg,
		Mailer:        mailerName,
		KafkaBrokers:  brokers,
		Upstreams:     table.Upstreams,
		RouteCount:    len(table.Routes),
		Tracing:       tracer.Enabled(),
		TLS:           tlsCfg.CertFile != "" && tlsCfg.KeyFile != "",
	})
	logger.Info("cloudlocker gateway starting", summary.LogArgs()...)

	purgeLogger := logging.WithComponent(logger, "token-purger")
	stopPurger := startTokenPurgeWorker(ctx, purgeLogger, expiredStatePurger{
		tokens: tokens,
		store:  store,
		logger: purgeLogger,
	}, resolveDuration(*tokenPurgeInterval, "CLOUDLOCKER_TOKEN_PURGE_INTERVAL", defaultTokenPurgeEvery))

	runErr := serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "CLOUDLOCKER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		Logger:          logger,
		OnShutdown: []serverutil.ShutdownHook{
			{Name: "token purger", Fn: func(context.Context) error { stopPurger(); return nil }},
			{Name: "rate limiter", Fn: func(context.Context) error { return srv.Close() }},
			{Name: "background tasks", Fn: handler.Wait},
			{Name: "events", Fn: dispatcher.Close},
			{Name: "datastore", Fn: func(ctx context.Context) error { return closeStore(ctx, store) }},
			{Name: "revocation store", Fn: tokens.Close},
			{Name: "tracing", Fn: tracer.Close},
		},
	})
	if runErr != nil {
		logger.Error("server stopped with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func closeStore(ctx context.Context, store storage.Repository) error {
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		return closer.Close(ctx)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

type revocationStoreConfig struct {
	Driver string
	Addr   string
	DSN    string
}

// resolveRevocationStoreConfig picks the revocation backend. Without an
// explicit driver a Redis address wins over a Postgres DSN, and memory is the
// fallback.
func resolveRevocationStoreConfig(flagDriver, envDriver, redisAddr, postgresDSN string) (revocationStoreConfig, error) {
	driver := strings.ToLower(firstNonEmpty(flagDriver, envDriver))
	redisAddr = strings.TrimSpace(redisAddr)
	postgresDSN = strings.TrimSpace(postgresDSN)
	if driver == "" {
		switch {
		case redisAddr != "":
			driver = "redis"
		case postgresDSN != "":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return revocationStoreConfig{Driver: "memory"}, nil
	case "redis":
		if redisAddr == "" {
			return revocationStoreConfig{}, errors.New("redis revocation store selected without address")
		}
		return revocationStoreConfig{Driver: "redis", Addr: redisAddr}, nil
	case "postgres":
		if postgresDSN == "" {
			return revocationStoreConfig{}, errors.New("postgres revocation store selected without DSN")
		}
		return revocationStoreConfig{Driver: "postgres", DSN: postgresDSN}, nil
	default:
		return revocationStoreConfig{}, fmt.Errorf("unsupported revocation store %q", driver)
	}
}

func openRevocationStore(ctx context.Context, cfg revocationStoreConfig, redisCfg auth.RedisRevocationStoreConfig) (auth.RevocationStore, error) {
	switch cfg.Driver {
	case "redis":
		redisCfg.Addr = cfg.Addr
		return auth.NewRedisRevocationStore(redisCfg)
	case "postgres":
		return auth.NewPostgresRevocationStore(ctx, cfg.DSN)
	default:
		return auth.NewMemoryRevocationStore(), nil
	}
}

// resolveRoutingTable loads the table file when one is configured. Otherwise
// a single default upstream is built from upstreamURL and served with the
// built-in routes; with neither, the table is empty and relaying is off.
func resolveRoutingTable(path, upstreamURL, upstreamToken string) (proxy.Table, error) {
	if path = strings.TrimSpace(path); path != "" {
		table, err := proxy.LoadTable(path)
		if err != nil {
			return proxy.Table{}, err
		}
		if upstreamToken != "" {
			for i := range table.Upstreams {
				if table.Upstreams[i].Name == proxy.DefaultUpstream && table.Upstreams[i].Token == "" {
					table.Upstreams[i].Token = upstreamToken
				}
			}
		}
		return table, nil
	}
	if strings.TrimSpace(upstreamURL) == "" {
		return proxy.Table{}, nil
	}
	return proxy.Table{
		Upstreams: []proxy.Upstream{{Name: proxy.DefaultUpstream, BaseURL: upstreamURL, Token: upstreamToken}},
		Routes:    proxy.DefaultRoutes(),
	}, nil
}

// resolveJWTSecret returns the configured secret. Development mode tolerates
// a missing secret by generating one; production refuses to start.
func resolveJWTSecret(flagValue, envValue, mode string) ([]byte, bool, error) {
	if secret := firstNonEmpty(flagValue, envValue); secret != "" {
		return []byte(secret), false, nil
	}
	if mode == "production" {
		return nil, false, errors.New("production mode requires CLOUDLOCKER_JWT_SECRET to be set")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, false, fmt.Errorf("generate jwt secret: %w", err)
	}
	return []byte(hex.EncodeToString(buf)), true, nil
}

func resolveSessionCookieSecureMode(mode string) api.SessionCookieSecureMode {
	if strings.EqualFold(strings.TrimSpace(mode), "production") {
		return api.SessionCookieSecureAlways
	}
	return api.SessionCookieSecureAuto
}

func defaultBaseURL(listenAddr string) string {
	host := listenAddr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

// resolveStorageDriver reports the driver and whether it was chosen
// explicitly. A Mongo URI implies the mongo driver; otherwise the JSON file
// store is used.
func resolveStorageDriver(flagValue, envValue, mongoURI string) (string, bool, error) {
	driver := strings.ToLower(strings.TrimSpace(flagValue))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envValue))
	}
	if driver != "" {
		switch driver {
		case "json", "mongo":
			return driver, true, nil
		default:
			return "", true, fmt.Errorf("unsupported storage driver %q", driver)
		}
	}
	if strings.TrimSpace(mongoURI) != "" {
		return "mongo", false, nil
	}
	return "json", false, nil
}

func validateProductionDatastore(driver, mongoURI string) error {
	if driver != "mongo" {
		return fmt.Errorf("production mode requires the mongo datastore driver, got %q", driver)
	}
	if strings.TrimSpace(mongoURI) == "" {
		return fmt.Errorf("production mode requires CLOUDLOCKER_MONGO_URI to be set")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
