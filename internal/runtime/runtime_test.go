package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/l0p7/querykit/internal/config"
	"github.com/l0p7/querykit/internal/query"
	"github.com/stretchr/testify/require"
)

type backend struct {
	mu     sync.Mutex
	calls  map[string]int
	status map[string]int
	server *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{calls: make(map[string]int), status: make(map[string]int)}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.server.Close)
	return b
}

func (b *backend) serve(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	b.mu.Lock()
	b.calls[route]++
	status := b.status[route]
	b.mu.Unlock()

	if status >= 400 {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "backend refused")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch route {
	case "GET /api/client/stats":
		_, _ = io.WriteString(w, `{"totalOrders":4,"pendingOrders":1}`)
	case "GET /api/auth/user":
		_, _ = io.WriteString(w, `{"id":7,"role":"client"}`)
	case "POST /api/orders":
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":12}`)
	case "POST /api/payments/initialize":
		_, _ = io.WriteString(w, `{"redirect":"https://pay.example/abc"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"no route"}`)
	}
}

func (b *backend) respond(route string, status int) {
	b.mu.Lock()
	b.status[route] = status
	b.mu.Unlock()
}

func (b *backend) count(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[route]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(baseURL string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Client.BaseURL = baseURL
	cfg.Cache.Retry.BackoffBase = time.Millisecond
	cfg.Cache.Retry.BackoffCap = 4 * time.Millisecond
	return cfg
}

func newRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	rt, err := New(testLogger(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

var statsKey = query.NewKey("/api/client/stats")

func TestRuntimeReadServesFromCache(t *testing.T) {
	api := newBackend(t)
	rt := newRuntime(t, testConfig(api.server.URL))

	for i := 0; i < 3; i++ {
		value, err := rt.Read(context.Background(), statsKey)
		require.NoError(t, err)
		require.JSONEq(t, `{"totalOrders":4,"pendingOrders":1}`, string(value.(json.RawMessage)))
	}
	require.Equal(t, 1, api.count("GET /api/client/stats"))

	summary := rt.Samples().Snapshot()
	require.Equal(t, 1, summary.SampleCount)
}

func TestRuntimeMutationInvalidatesAffectedQueries(t *testing.T) {
	api := newBackend(t)
	rt := newRuntime(t, testConfig(api.server.URL))

	_, err := rt.Read(context.Background(), statsKey)
	require.NoError(t, err)

	result := rt.Mutate(context.Background(), http.MethodPost, "/api/orders", map[string]any{"service": "seo"})
	require.True(t, result.OK())
	require.Contains(t, result.Invalidated, "/api/client/stats")
	require.Equal(t, 1, result.Entries)

	_, ok := rt.Cache().Snapshot(statsKey)
	require.False(t, ok)

	_, err = rt.Read(context.Background(), statsKey)
	require.NoError(t, err)
	require.Equal(t, 2, api.count("GET /api/client/stats"))
}

func TestRuntimeFailedMutationKeepsCache(t *testing.T) {
	api := newBackend(t)
	api.respond("POST /api/orders", http.StatusUnprocessableEntity)
	rt := newRuntime(t, testConfig(api.server.URL))

	_, err := rt.Read(context.Background(), statsKey)
	require.NoError(t, err)

	result := rt.Mutate(context.Background(), http.MethodPost, "/api/orders", nil)
	require.False(t, result.OK())
	require.Equal(t, "backend refused", rt.Notify(result.Err))
	require.Equal(t, 1, api.count("POST /api/orders"))

	_, ok := rt.Cache().Snapshot(statsKey)
	require.True(t, ok)
}

func TestCurrentUser(t *testing.T) {
	api := newBackend(t)
	rt := newRuntime(t, testConfig(api.server.URL))

	user, err := rt.CurrentUser(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"id":7,"role":"client"}`, string(user))
}

func TestCurrentUserUnauthenticatedIsNil(t *testing.T) {
	api := newBackend(t)
	api.respond("GET /api/auth/user", http.StatusUnauthorized)
	rt := newRuntime(t, testConfig(api.server.URL))

	user, err := rt.CurrentUser(context.Background())
	require.NoError(t, err)
	require.Nil(t, user)
	require.Equal(t, 1, api.count("GET /api/auth/user"))
}

func TestInitializePaymentInvalidatesOrders(t *testing.T) {
	api := newBackend(t)
	rt := newRuntime(t, testConfig(api.server.URL))

	result := rt.InitializePayment(context.Background(), map[string]any{"orderId": 12})
	require.True(t, result.OK())
	require.Equal(t, []string{"/api/payments", "/api/orders", "/api/client/stats", "/api/admin/stats"}, result.Invalidated)

	var out struct {
		Redirect string `json:"redirect"`
	}
	require.NoError(t, result.Decode(&out))
	require.Equal(t, "https://pay.example/abc", out.Redirect)
}

func TestRetryExpressionFromConfig(t *testing.T) {
	api := newBackend(t)
	api.respond("GET /api/client/stats", http.StatusServiceUnavailable)
	api.respond("GET /api/auth/user", http.StatusInternalServerError)

	cfg := testConfig(api.server.URL)
	cfg.Cache.Retry.Expression = `status == 503`
	rt := newRuntime(t, cfg)

	_, err := rt.Read(context.Background(), statsKey)
	require.Error(t, err)
	require.Equal(t, 3, api.count("GET /api/client/stats"))

	_, err = rt.CurrentUser(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, api.count("GET /api/auth/user"))
}

func TestReloadAppliesLiveSettings(t *testing.T) {
	api := newBackend(t)
	rt := newRuntime(t, testConfig(api.server.URL))

	next := testConfig(api.server.URL)
	next.Cache.Freshness = time.Minute
	next.Cache.Overrides = []config.CacheOverride{{Key: "/api/client/stats", Freshness: 5 * time.Second, GCWindow: 30 * time.Second}}
	next.Invalidation.Rules = []config.InvalidationRule{{Resource: "/api/orders", Affects: []string{"/api/orders"}}}
	next.Notify.Templates = map[string]string{"401": "Sign in to continue."}
	require.NoError(t, rt.Reload(next))

	require.Equal(t, query.Windows{Freshness: 5 * time.Second, GC: 30 * time.Second}, rt.Cache().Windows(statsKey))
	require.Equal(t, time.Minute, rt.Cache().Windows(query.NewKey("/api/orders")).Freshness)
	require.Len(t, rt.Dispatcher().Table().Rules(), 1)
	require.Equal(t, time.Minute, rt.Config().Cache.Freshness)

	api.respond("GET /api/auth/user", http.StatusForbidden)
	_, err := rt.Read(context.Background(), query.NewKey(CurrentUserPath))
	require.Error(t, err)
	require.Equal(t, "You do not have permission to do that.", rt.Notify(err))

	result := rt.Mutate(context.Background(), http.MethodPost, "/api/orders", nil)
	require.Equal(t, []string{"/api/orders"}, result.Invalidated)

	next.Cache.Overrides = nil
	require.NoError(t, rt.Reload(next))
	require.Equal(t, time.Minute, rt.Cache().Windows(statsKey).Freshness)
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	api := newBackend(t)
	rt := newRuntime(t, testConfig(api.server.URL))

	bad := testConfig(api.server.URL)
	bad.Cache.Retry.Expression = `status +`
	require.Error(t, rt.Reload(bad))
	require.Equal(t, "", rt.Config().Cache.Retry.Expression)

	bad = testConfig(api.server.URL)
	bad.Invalidation.Rules = []config.InvalidationRule{{Resource: "orders", Affects: []string{"/api/orders"}}}
	require.Error(t, rt.Reload(bad))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://localhost:5000")
	cfg.Metrics.WindowCapacity = 0
	_, err := New(testLogger(), cfg, Options{})
	require.Error(t, err)

	cfg = testConfig("http://localhost:5000")
	cfg.Broadcast.Enabled = true
	cfg.Broadcast.Redis.Address = "127.0.0.1:1"
	_, err = New(testLogger(), cfg, Options{})
	require.Error(t, err)
}

func TestBroadcastInvalidatesPeers(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		require.NoError(t, err)
	}
	t.Cleanup(server.Close)

	api := newBackend(t)
	cfg := testConfig(api.server.URL)
	cfg.Broadcast.Enabled = true
	cfg.Broadcast.Redis.Address = server.Addr()

	writer := newRuntime(t, cfg)
	reader := newRuntime(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	writer.Start(ctx)
	reader.Start(ctx)

	channel := cfg.Broadcast.Channel
	require.Eventually(t, func() bool {
		return server.PubSubNumSub(channel)[channel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err = reader.Read(context.Background(), statsKey)
	require.NoError(t, err)

	result := writer.Mutate(context.Background(), http.MethodPost, "/api/orders", nil)
	require.True(t, result.OK())

	require.Eventually(t, func() bool {
		_, ok := reader.Cache().Snapshot(statsKey)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
