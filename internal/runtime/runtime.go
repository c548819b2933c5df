package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/l0p7/querykit/internal/broadcast"
	"github.com/l0p7/querykit/internal/client"
	"github.com/l0p7/querykit/internal/config"
	"github.com/l0p7/querykit/internal/expr"
	"github.com/l0p7/querykit/internal/metrics"
	"github.com/l0p7/querykit/internal/mutation"
	"github.com/l0p7/querykit/internal/notify"
	"github.com/l0p7/querykit/internal/query"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// CurrentUserPath is the session lookup endpoint.
	CurrentUserPath = "/api/auth/user"
	// PaymentInitPath starts a payment with the provider.
	PaymentInitPath = "/api/payments/initialize"
)

// HTTPDoer is the transport contract of the request client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options carries collaborators that tests or embedding programs replace.
type Options struct {
	// HTTP overrides the request client's transport.
	HTTP HTTPDoer
	// Registry receives the Prometheus collectors. A private registry is
	// created when nil.
	Registry *prometheus.Registry
}

// Runtime assembles the request client, query cache and mutation dispatcher
// around one configuration and one metrics store.
type Runtime struct {
	root      *slog.Logger
	logger    *slog.Logger
	samples   *metrics.Store
	recorder  *metrics.Recorder
	client    *client.Client
	cache     *query.Cache
	broadcast *broadcast.Broadcaster

	mu         sync.RWMutex
	cfg        config.Config
	dispatcher *mutation.Dispatcher
	notifier   *notify.Notifier

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	listening sync.WaitGroup
}

// New builds a Runtime from cfg. When broadcasting is enabled the valkey
// server must be reachable.
func New(logger *slog.Logger, cfg config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	samples := metrics.NewStore(cfg.Metrics.WindowCapacity)
	recorder := metrics.NewRecorder(opts.Registry, samples)

	clientOpts := client.Options{
		BaseURL:           cfg.Client.BaseURL,
		SessionCookie:     cfg.Client.SessionCookie,
		CacheHeader:       cfg.Client.CacheHeader,
		CorrelationHeader: cfg.Logging.CorrelationHeader,
		Samples:           samples,
		Metrics:           recorder,
		LogSamples:        cfg.Diagnostics.Analytics,
	}
	if opts.HTTP != nil {
		clientOpts.HTTP = opts.HTTP
	}
	requests, err := client.New(logger, clientOpts)
	if err != nil {
		return nil, err
	}

	policy, backoff, err := retryFromConfig(logger, cfg.Cache.Retry)
	if err != nil {
		return nil, err
	}
	cache, err := query.New(logger, query.Options{
		Fetch:      query.HTTPFetcher(requests),
		Windows:    windowsFromConfig(cfg.Cache),
		Retry:      policy,
		Backoff:    backoff,
		GCInterval: cfg.Cache.GCInterval,
		Metrics:    recorder,
	})
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cache, cfg.Cache.Overrides); err != nil {
		return nil, err
	}

	notifier, err := notify.New(cfg.Notify.Templates)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		root:     logger,
		logger:   logger.With(slog.String("agent", "runtime")),
		samples:  samples,
		recorder: recorder,
		client:   requests,
		cache:    cache,
		cfg:      cfg,
		notifier: notifier,
	}

	if cfg.Broadcast.Enabled {
		b, err := broadcast.New(logger, broadcastFromConfig(cfg.Broadcast))
		if err != nil {
			return nil, err
		}
		rt.broadcast = b
	}

	dispatcher, err := rt.newDispatcher(cfg.Invalidation)
	if err != nil {
		rt.closeBroadcast()
		return nil, err
	}
	rt.dispatcher = dispatcher
	return rt, nil
}

// Start runs the cache collector and, when broadcasting, the invalidation
// listener. Both stop when ctx is done or the runtime closes.
func (r *Runtime) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		r.cache.Start(runCtx)
		if r.broadcast == nil {
			return
		}
		r.listening.Add(1)
		go func() {
			defer r.listening.Done()
			err := r.broadcast.Listen(runCtx, func(prefixes []string) {
				n := r.cache.InvalidatePrefixes(prefixes...)
				r.logger.Debug("remote invalidation applied", slog.Any("prefixes", prefixes), slog.Int("entries", n))
			})
			if err != nil {
				r.logger.Error("invalidation listener stopped", slog.String("error", err.Error()))
			}
		}()
	})
}

// Close stops background work and releases the broadcast connection.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.cache.Close()
		r.closeBroadcast()
		r.listening.Wait()
	})
}

func (r *Runtime) closeBroadcast() {
	if r.broadcast != nil {
		r.broadcast.Close()
	}
}

// Read returns the cached value for key, fetching it when needed.
func (r *Runtime) Read(ctx context.Context, key query.Key) (any, error) {
	return r.cache.Read(ctx, key)
}

// Mutate performs a state-changing request and invalidates what it affects.
func (r *Runtime) Mutate(ctx context.Context, method, url string, body any) mutation.Result {
	r.mu.RLock()
	dispatcher := r.dispatcher
	r.mu.RUnlock()
	return dispatcher.Mutate(ctx, method, url, body)
}

// CurrentUser reads the session user. An unauthenticated session yields a nil
// user and no error.
func (r *Runtime) CurrentUser(ctx context.Context) (json.RawMessage, error) {
	user, err := query.ReadAs[json.RawMessage](ctx, r.cache, query.NewKey(CurrentUserPath))
	if err != nil {
		if client.IsUnauthenticated(err) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// InitializePayment forwards an opaque payment request. Payment and order
// queries are invalidated on success.
func (r *Runtime) InitializePayment(ctx context.Context, body any) mutation.Result {
	return r.Mutate(ctx, http.MethodPost, PaymentInitPath, body)
}

// Notify renders the user-facing message for err.
func (r *Runtime) Notify(err error) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifier.Message(err)
}

// Reload applies a new configuration to the live components. Windows, window
// overrides, retry policy, invalidation rules and notification templates
// change in place. Client and broadcast settings need a restart.
func (r *Runtime) Reload(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, backoff, err := retryFromConfig(r.root, cfg.Cache.Retry)
	if err != nil {
		return err
	}
	notifier, err := notify.New(cfg.Notify.Templates)
	if err != nil {
		return err
	}
	dispatcher, err := r.newDispatcher(cfg.Invalidation)
	if err != nil {
		return err
	}
	if err := r.cache.Configure(windowsFromConfig(cfg.Cache)); err != nil {
		return err
	}
	r.cache.ResetKeyOverrides()
	if err := applyOverrides(r.cache, cfg.Cache.Overrides); err != nil {
		return err
	}
	r.cache.SetRetry(policy, backoff)

	r.mu.Lock()
	previous := r.cfg
	r.cfg = cfg
	r.dispatcher = dispatcher
	r.notifier = notifier
	r.mu.Unlock()

	if previous.Client != cfg.Client || previous.Broadcast != cfg.Broadcast {
		r.logger.Warn("client and broadcast changes take effect after restart")
	}
	r.logger.Info("configuration applied",
		slog.Duration("freshness", cfg.Cache.Freshness),
		slog.Duration("gc_window", cfg.Cache.GCWindow),
		slog.Int("overrides", len(cfg.Cache.Overrides)),
		slog.Int("invalidation_rules", len(dispatcher.Table().Rules())),
	)
	return nil
}

// Config returns the configuration currently in effect.
func (r *Runtime) Config() config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Analytics reports whether per-request diagnostics are enabled.
func (r *Runtime) Analytics() bool {
	return r.Config().Diagnostics.Analytics
}

// Cache exposes the query cache.
func (r *Runtime) Cache() *query.Cache { return r.cache }

// Client exposes the request client.
func (r *Runtime) Client() *client.Client { return r.client }

// Samples exposes the rolling performance window.
func (r *Runtime) Samples() *metrics.Store { return r.samples }

// Metrics exposes the Prometheus recorder.
func (r *Runtime) Metrics() *metrics.Recorder { return r.recorder }

// Dispatcher returns the dispatcher built from the current invalidation rules.
func (r *Runtime) Dispatcher() *mutation.Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dispatcher
}

func (r *Runtime) newDispatcher(cfg config.InvalidationConfig) (*mutation.Dispatcher, error) {
	opts := mutation.Options{
		Rules:   rulesFromConfig(cfg),
		Metrics: r.recorder,
	}
	if r.broadcast != nil {
		opts.Publisher = r.broadcast
	}
	return mutation.New(r.root, r.client, r.cache, opts)
}

func rulesFromConfig(cfg config.InvalidationConfig) []mutation.Rule {
	if len(cfg.Rules) == 0 {
		return nil
	}
	rules := make([]mutation.Rule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		rules = append(rules, mutation.Rule{
			Resource: strings.TrimSpace(rule.Resource),
			Affects:  append([]string(nil), rule.Affects...),
		})
	}
	return rules
}

func windowsFromConfig(cfg config.CacheConfig) query.Windows {
	return query.Windows{Freshness: cfg.Freshness, GC: cfg.GCWindow}
}

func applyOverrides(cache *query.Cache, overrides []config.CacheOverride) error {
	for _, override := range overrides {
		key := query.NewKey(strings.TrimSpace(override.Key))
		if err := cache.ConfigureKey(key, query.Windows{Freshness: override.Freshness, GC: override.GCWindow}); err != nil {
			return fmt.Errorf("runtime: override %s: %w", override.Key, err)
		}
	}
	return nil
}

func retryFromConfig(logger *slog.Logger, cfg config.RetryConfig) (query.RetryPolicy, query.Backoff, error) {
	backoff := query.ExponentialBackoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap}
	expression := strings.TrimSpace(cfg.Expression)
	if expression == "" {
		return query.DefaultRetry{MaxRetries: cfg.MaxRetries}, backoff, nil
	}
	policy, err := expr.NewRetryPolicy(logger, expression, cfg.MaxRetries)
	if err != nil {
		return nil, nil, fmt.Errorf("runtime: retry expression: %w", err)
	}
	return policy, backoff, nil
}

func broadcastFromConfig(cfg config.BroadcastConfig) broadcast.Config {
	return broadcast.Config{
		Address:  cfg.Redis.Address,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS: broadcast.TLSConfig{
			Enabled: cfg.Redis.TLS.Enabled,
			CAFile:  cfg.Redis.TLS.CAFile,
		},
		Channel: cfg.Channel,
	}
}
