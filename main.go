package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/chinmina/partner-bridge/internal/audit"
	"github.com/chinmina/partner-bridge/internal/cache"
	"github.com/chinmina/partner-bridge/internal/config"
	"github.com/chinmina/partner-bridge/internal/observe"
	"github.com/chinmina/partner-bridge/internal/partner"
	"github.com/chinmina/partner-bridge/internal/ratelimit"
	"github.com/chinmina/partner-bridge/internal/server"
	"github.com/chinmina/partner-bridge/internal/token"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

// services are the dependencies shared by the routes.
type services struct {
	registry  *ratelimit.Registry
	tokens    *token.Manager
	responses *cache.Cache
	client    *partner.Client
}

func configureServerRoutes(svc services) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	// Proxied writes carry partner payloads (offers, shipments) so the limit is
	// larger than the admin routes need. Neither is configurable.
	proxyLimiter := maxRequestSize(1 << 20) // 1 MB
	adminLimiter := maxRequestSize(20 << 10) // 20 KB

	proxyRouteMiddleware := alice.New(proxyLimiter, auditor)
	adminRouteMiddleware := alice.New(adminLimiter, auditor)
	standardRouteMiddleware := alice.New(adminLimiter)

	proxy := proxyRouteMiddleware.Then(handleProxy(svc.client))
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		mux.Handle(method+" /retailer/{path...}", proxy)
	}

	mux.Handle("GET /ratelimits", adminRouteMiddleware.Then(handleRateLimits(svc.registry)))

	mux.Handle("GET /token", adminRouteMiddleware.Then(handleGetToken(svc.tokens)))
	mux.Handle("POST /token", adminRouteMiddleware.Then(handlePostToken(svc.tokens)))

	mux.Handle("GET /settings", adminRouteMiddleware.Then(handleGetSettings(svc.tokens)))
	mux.Handle("POST /settings", adminRouteMiddleware.Then(handlePostSettings(svc.tokens)))
	mux.Handle("POST /settings/test", adminRouteMiddleware.Then(handleTestSettings(svc.client)))

	mux.Handle("GET /cache", adminRouteMiddleware.Then(handleGetCache(svc.responses)))
	mux.Handle("DELETE /cache", adminRouteMiddleware.Then(handleDeleteCache(svc.responses)))

	// healthchecks are not included in telemetry or auditing
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	httpClient := &http.Client{
		Transport: http.DefaultTransport,
		Timeout:   cfg.Partner.RequestTimeout(),
	}
	http.DefaultClient = httpClient

	svc, err := configureServices(ctx, cfg, httpClient, hooks)
	if err != nil {
		return err
	}

	// telemetry is flushed last so the shutdown of everything else is recorded
	hooks.AddContext("telemetry", shutdownTelemetry)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}

	// start the server
	srv := &http.Server{
		Handler:           configureServerRoutes(svc),
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	err = server.Serve(ctx, srv, listener, shutdownTimeout, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureServices(ctx context.Context, cfg config.Config, httpClient *http.Client, hooks *server.ShutdownHooks) (services, error) {
	var svc services

	registry, err := loadRegistry(cfg.RateLimit)
	if err != nil {
		return svc, err
	}
	svc.registry = registry

	creds, err := loadCredentials(ctx, cfg.Partner)
	if err != nil {
		return svc, err
	}

	svc.tokens = token.NewManager(cfg.Partner.TokenURL, creds, token.WithHTTPClient(httpClient))

	svc.responses, err = cache.NewFromConfig(ctx, cfg.Cache, registry)
	if err != nil {
		return svc, fmt.Errorf("response cache configuration failed: %w", err)
	}
	hooks.AddClose("response-cache", svc.responses)

	clientOpts := []partner.Option{
		partner.WithHTTPClient(httpClient),
		partner.WithCache(svc.responses),
		partner.WithMediaType(cfg.Partner.MediaType),
		partner.WithRetryDelay(cfg.Partner.RetryDelay()),
	}
	if cfg.Partner.PacingEnabled {
		clientOpts = append(clientOpts, partner.WithPacer(ratelimit.NewPacer(registry)))
	}

	svc.client = partner.New(cfg.Partner.APIURL, svc.tokens, clientOpts...)

	return svc, nil
}

func loadRegistry(cfg config.RateLimitConfig) (*ratelimit.Registry, error) {
	if cfg.RulesFile == "" {
		return ratelimit.Default(), nil
	}

	registry, err := ratelimit.LoadFile(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("rate limit table load failed: %w", err)
	}

	log.Info().
		Str("path", cfg.RulesFile).
		Int("rules", len(registry.Rules())).
		Msg("rate limit table loaded")

	return registry, nil
}

// loadCredentials resolves the startup credentials. A KMS ciphertext takes
// precedence over a plaintext secret. Missing credentials are not an error:
// they can be supplied later through the settings route.
func loadCredentials(ctx context.Context, cfg config.PartnerConfig) (token.Credentials, error) {
	creds := token.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Source:       token.SourceEnvironment,
	}

	if cfg.ClientSecretKMSCiphertext != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return creds, fmt.Errorf("AWS configuration load failed: %w", err)
		}

		secret, err := token.DecryptSecret(ctx, kms.NewFromConfig(awsCfg), cfg.ClientSecretKMSCiphertext)
		if err != nil {
			return creds, fmt.Errorf("client secret decryption failed: %w", err)
		}

		creds.ClientSecret = secret
		creds.Source = token.SourceKMS
	}

	if creds.ClientID == "" || creds.ClientSecret == "" {
		log.Warn().Msg("partner credentials not configured; supply them through POST /settings")
		creds.Source = token.SourceNone
	}

	return creds, nil
}

func configureLogging() {
	development := os.Getenv("ENV") == "development"

	if development {
		// a missing .env file is normal outside a developer checkout
		_ = godotenv.Load()
	}

	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if development {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
