// Package app wires configuration into the running dispatch service and
// owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"inferdispatch/config"
	"inferdispatch/internal/catalog"
	"inferdispatch/internal/dispatch"
	"inferdispatch/internal/httpclient"
	"inferdispatch/internal/keys"
	"inferdispatch/internal/pkg/llmclient"
	"inferdispatch/internal/providers"
	"inferdispatch/internal/providers/anthropic"
	"inferdispatch/internal/providers/gemini"
	"inferdispatch/internal/providers/groq"
	"inferdispatch/internal/providers/ollama"
	"inferdispatch/internal/providers/openrouter"
	"inferdispatch/internal/ratelimit"
	"inferdispatch/internal/responsecache"
	"inferdispatch/internal/selector"
	"inferdispatch/internal/server"
	"inferdispatch/internal/tokens"
	"inferdispatch/internal/usage"
)

// Registrations lists every backend the service can talk to.
var Registrations = []providers.Registration{
	groq.Registration,
	openrouter.Registration,
	gemini.Registration,
	anthropic.Registration,
	ollama.Registration,
}

// App represents the main application with all its dependencies.
type App struct {
	config     *config.Config
	providers  *providers.InitResult
	usage      *usage.Result
	cache      *responsecache.Cache
	keys       *keys.Resolver
	dispatcher *dispatch.Dispatcher
	server     *server.Server

	stopCacheCleanup func()

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	AppConfig *config.Config

	// Factory overrides the provider factory built from Registrations.
	Factory *providers.ProviderFactory
	// Tokens overrides the tiktoken estimator.
	Tokens tokens.Counter
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig

	factory := cfg.Factory
	if factory == nil {
		factory = providers.NewProviderFactory(providerOptions(appCfg))
		factory.Add(Registrations...)
	}

	app := &App{config: appCfg}

	providerResult, err := providers.Init(ctx, appCfg, factory)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	app.providers = providerResult

	usageResult, err := usage.New(ctx, appCfg)
	if err != nil {
		return nil, app.abort("failed to initialize usage tracking", err)
	}
	app.usage = usageResult

	if appCfg.ResponseCache.Enabled {
		store, err := newCacheStore(appCfg.ResponseCache)
		if err != nil {
			return nil, app.abort("failed to initialize response cache", err)
		}
		app.cache = responsecache.New(store, responsecache.Options{
			TTL:       config.Seconds(appCfg.ResponseCache.TTL),
			MinLength: appCfg.ResponseCache.MinLength,
		})
		app.stopCacheCleanup = app.cache.StartCleanup(config.Seconds(appCfg.ResponseCache.CleanupInterval))
	}

	var limiter *ratelimit.Limiter
	if appCfg.RateLimit.Enabled {
		limiter = ratelimit.New(appCfg.RateLimit.MaxRequests, config.Seconds(appCfg.RateLimit.Window))
	}

	app.keys = keys.NewResolver(keys.NewMemoryStore(), keys.Options{
		Global:    providerResult.GlobalKeys,
		Keyless:   []string{string(catalog.BackendOllama)},
		CacheTTL:  config.Seconds(appCfg.Keys.CacheTTL),
		CacheSize: appCfg.Keys.CacheSize,
	})

	counter := cfg.Tokens
	if counter == nil {
		counter = tokens.Default()
	}

	app.dispatcher = dispatch.New(dispatch.Options{
		Catalog:   providerResult.Catalog,
		Providers: providerResult.Registry,
		Keys:      app.keys,
		Selector:  newSelector(appCfg.Dispatch, providerResult.Registry.Backends()),
		Cache:     app.cache,
		Limiter:   limiter,
		Tokens:    counter,
		Usage:     usageResult.Logger,
		// Stream opens retry here; the transport retries only buffered calls.
		Retry:        retryPolicy(appCfg.Resilience.Retry),
		DefaultModel: appCfg.Dispatch.DefaultModel,
		AutoSwitch:   appCfg.Dispatch.AutoSwitch,
		SystemPrompt: appCfg.Dispatch.SystemPrompt,
		HistoryLimit: appCfg.Dispatch.HistoryLimit,
	})

	app.logStartupInfo()

	deps := server.Deps{
		Dispatcher: app.dispatcher,
		Models:     providerResult.Catalog,
		Health:     providerResult.Registry,
		Usage:      usageResult.Reader,
		Keys:       app.keys,
	}
	app.server = server.New(deps, &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
	})

	return app, nil
}

// abort releases what New built so far and wraps err.
func (a *App) abort(msg string, err error) error {
	var errs []error
	if a.usage != nil {
		errs = append(errs, a.usage.Close())
	}
	if a.providers != nil {
		errs = append(errs, a.providers.Close())
	}
	if closeErr := errors.Join(errs...); closeErr != nil {
		return fmt.Errorf("%s: %w (also: close error: %v)", msg, err, closeErr)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func providerOptions(cfg *config.Config) providers.ProviderOptions {
	opts := providers.ProviderOptions{
		Retry: retryPolicy(cfg.Resilience.Retry),
	}
	if cb := cfg.Resilience.CircuitBreaker; cb.Enabled {
		opts.CircuitBreaker = &llmclient.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          cb.Timeout,
		}
	}

	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = config.Seconds(cfg.HTTP.Timeout)
	clientCfg.ResponseHeaderTimeout = config.Seconds(cfg.HTTP.ResponseHeaderTimeout)
	streamCfg := clientCfg
	streamCfg.Timeout = 0
	opts.HTTPClient = httpclient.NewHTTPClient(&clientCfg)
	opts.StreamClient = httpclient.NewHTTPClient(&streamCfg)
	return opts
}

func retryPolicy(cfg config.RetryConfig) ratelimit.Policy {
	p := ratelimit.DefaultPolicy()
	p.MaxRetries = cfg.MaxRetries
	if cfg.InitialBackoff > 0 {
		p.InitialDelay = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		p.MaxDelay = cfg.MaxBackoff
	}
	p.Jitter = cfg.Jitter
	return p
}

func newCacheStore(cfg config.ResponseCacheConfig) (responsecache.Store, error) {
	switch cfg.Type {
	case "redis":
		return responsecache.NewRedisStore(responsecache.RedisConfig{
			URL:     cfg.Redis.URL,
			Prefix:  cfg.Redis.Key,
			TTL:     config.Seconds(cfg.TTL),
			MaxSize: cfg.MaxSize,
		})
	default:
		return responsecache.NewMemoryStore(cfg.MaxSize, config.Seconds(cfg.TTL)), nil
	}
}

// newSelector restricts selection to the configured backends, or to the
// registered ones when none are configured.
func newSelector(cfg config.DispatchConfig, registered []catalog.Backend) *selector.Selector {
	supported := registered
	if len(cfg.SupportedBackends) > 0 {
		supported = parseBackends(cfg.SupportedBackends)
	}
	return selector.New(selector.Options{
		SupportedBackends: supported,
		ProviderPriority:  parseBackends(cfg.ProviderPriority),
	})
}

func parseBackends(names []string) []catalog.Backend {
	out := make([]catalog.Backend, 0, len(names))
	for _, n := range names {
		if b, ok := catalog.ParseBackend(n); ok {
			out = append(out, b)
		} else {
			slog.Warn("ignoring unknown backend", "backend", n)
		}
	}
	return out
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Dispatcher returns the dispatch service.
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown tears components down in dependency order: the HTTP server,
// then catalog refresh and providers, then the response cache, then the
// usage logger so pending entries are flushed last.
//
// Shutdown is idempotent. It attempts every step and returns the joined
// failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.providers != nil {
		if err := a.providers.Close(); err != nil {
			slog.Error("providers close error", "error", err)
			errs = append(errs, fmt.Errorf("providers close: %w", err))
		}
	}

	if a.stopCacheCleanup != nil {
		a.stopCacheCleanup()
	}
	if err := a.cache.Close(); err != nil {
		slog.Error("response cache close error", "error", err)
		errs = append(errs, fmt.Errorf("response cache close: %w", err))
	}

	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			slog.Error("usage logger close error", "error", err)
			errs = append(errs, fmt.Errorf("usage close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("DISPATCH_MASTER_KEY not set, the HTTP surface is unauthenticated")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if cfg.ResponseCache.Enabled {
		slog.Info("response cache enabled", "type", cfg.ResponseCache.Type, "ttl", cfg.ResponseCache.TTL, "max_size", cfg.ResponseCache.MaxSize)
	} else {
		slog.Info("response cache disabled")
	}

	if cfg.RateLimit.Enabled {
		slog.Info("rate limiting enabled", "max_requests", cfg.RateLimit.MaxRequests, "window", cfg.RateLimit.Window)
	}

	if cfg.Usage.Enabled {
		slog.Info("usage tracking enabled",
			"storage_type", cfg.Storage.Type,
			"buffer_size", cfg.Usage.BufferSize,
			"flush_interval", cfg.Usage.FlushInterval,
			"retention_days", cfg.Usage.RetentionDays,
		)
	} else {
		slog.Info("usage tracking disabled")
	}

	slog.Info("dispatch configured",
		"backends", a.providers.Registry.Backends(),
		"default_model", cfg.Dispatch.DefaultModel,
		"auto_switch", cfg.Dispatch.AutoSwitch,
	)
}
