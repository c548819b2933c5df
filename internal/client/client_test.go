package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/l0p7/querykit/internal/metrics"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestClient(t *testing.T, baseURL string, store *metrics.Store) *Client {
	t.Helper()
	c, err := New(newTestLogger(), Options{
		BaseURL:           baseURL,
		SessionCookie:     "sid=abc123",
		CorrelationHeader: "X-Request-ID",
		Samples:           store,
		LogSamples:        true,
	})
	require.NoError(t, err)
	return c
}

func TestRequestAttachesStandardHeaders(t *testing.T) {
	var captured *http.Request
	var capturedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		data, _ := io.ReadAll(r.Body)
		capturedBody = string(data)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	raw, err := c.Request(context.Background(), "post", "/api/orders", map[string]any{"item": "logo"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":7}`, string(raw))

	require.Equal(t, http.MethodPost, captured.Method)
	require.Equal(t, "/api/orders", captured.URL.Path)
	require.Equal(t, "application/json", captured.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", captured.Header.Get("Cache-Control"))
	require.Contains(t, captured.Header.Get("Cookie"), "sid=abc123")
	require.NotEmpty(t, captured.Header.Get("X-Request-ID"))
	require.JSONEq(t, `{"item":"logo"}`, capturedBody)
}

func TestRequestOmitsBodyForReadOnlyMethods(t *testing.T) {
	var gotLength int64 = -2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLength = r.ContentLength
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Request(context.Background(), http.MethodGet, "/api/projects", map[string]string{"ignored": "yes"})
	require.NoError(t, err)
	require.Equal(t, int64(0), gotLength)
}

func TestRequestHTTPErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{name: "body text becomes message", status: http.StatusInternalServerError, body: "database unavailable\n", wantMessage: "database unavailable"},
		{name: "empty body falls back to status line", status: http.StatusUnauthorized, body: "", wantMessage: "401 Unauthorized"},
		{name: "not found", status: http.StatusNotFound, body: `{"message":"missing"}`, wantMessage: `{"message":"missing"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, nil)
			_, err := c.Request(context.Background(), http.MethodGet, "/api/auth/user", nil)
			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			require.Equal(t, tc.status, httpErr.Status)
			require.Equal(t, tc.wantMessage, httpErr.Message)
			require.Equal(t, tc.status, StatusOf(err))
			require.Equal(t, "http", Kind(err))
			require.Equal(t, tc.status == http.StatusUnauthorized, IsUnauthenticated(err))
		})
	}
}

func TestRequestDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Request(context.Background(), http.MethodGet, "/api/seo", nil)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, "decode", Kind(err))
}

func TestRequestEmptySuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	raw, err := c.Request(context.Background(), http.MethodDelete, "/api/projects/3", nil)
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestRequestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	store := metrics.NewStore(10)
	c := newTestClient(t, addr, store)
	_, err := c.Request(context.Background(), http.MethodGet, "/api/client/stats", nil)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "transport", Kind(err))
	require.Equal(t, 0, StatusOf(err))
	require.Equal(t, 1, store.Snapshot().SampleCount, "failures still record a sample")
}

func TestRequestCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestClient(t, srv.URL, nil)
	_, err := c.Request(ctx, http.MethodGet, "/api/orders", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, "canceled", Kind(err))
}

func TestRequestRecordsCacheHeader(t *testing.T) {
	responses := []string{"HIT", "miss", ""}
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := responses[call]; v != "" {
			w.Header().Set("X-Cache", v)
		}
		call++
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store := metrics.NewStore(10)
	c := newTestClient(t, srv.URL, store)
	for range responses {
		_, err := c.Request(context.Background(), http.MethodGet, "/api/client/stats", nil)
		require.NoError(t, err)
	}

	samples := store.Samples()
	require.Len(t, samples, 3)
	require.True(t, samples[0].CacheHit)
	require.False(t, samples[1].CacheHit)
	require.False(t, samples[2].CacheHit, "absent header is a miss")
	require.InDelta(t, 1.0/3.0, store.Snapshot().CacheHitRate, 1e-9)
}

func TestDoDecodesIntoTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"totalOrders":4,"activeProjects":2}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	var stats struct {
		TotalOrders    int `json:"totalOrders"`
		ActiveProjects int `json:"activeProjects"`
	}
	require.NoError(t, c.Do(context.Background(), http.MethodGet, "/api/client/stats", nil, &stats))
	require.Equal(t, 4, stats.TotalOrders)
	require.Equal(t, 2, stats.ActiveProjects)

	var wrongShape []string
	err := c.Do(context.Background(), http.MethodGet, "/api/client/stats", nil, &wrongShape)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	_, err := New(nil, Options{BaseURL: "/api"})
	require.Error(t, err)
}

func TestRequestUnencodableBody(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", nil)
	_, err := c.Request(context.Background(), http.MethodPost, "/api/orders", map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	var jsonErr *json.UnsupportedTypeError
	require.ErrorAs(t, err, &jsonErr)
}
