package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/querykit/internal/client"
	"github.com/l0p7/querykit/internal/metrics"
)

// Requester issues the underlying HTTP exchange.
type Requester interface {
	Request(ctx context.Context, method, url string, body any) (json.RawMessage, error)
}

// Invalidator is the part of the query cache a dispatcher drives.
type Invalidator interface {
	InvalidatePrefixes(prefixes ...string) int
}

// Publisher forwards invalidations to other processes sharing the backend.
type Publisher interface {
	Publish(ctx context.Context, prefixes []string) error
}

// Result is the tagged outcome of a mutation. Exactly one of Value or Err is
// meaningful; Invalidated lists the prefixes that were invalidated before
// Mutate returned.
type Result struct {
	Value       json.RawMessage
	Err         error
	Invalidated []string
	// Entries counts the local cache entries that matched.
	Entries int
}

// OK reports whether the mutation succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Decode unmarshals the response body into out.
func (r Result) Decode(out any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Value) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Value, out); err != nil {
		return &client.DecodeError{Err: err}
	}
	return nil
}

// Options configures a Dispatcher.
type Options struct {
	// Rules defaults to DefaultRules.
	Rules     []Rule
	Publisher Publisher
	Metrics   *metrics.Recorder
}

// Dispatcher executes state-changing requests and invalidates the cache
// entries they affect. Mutations are never retried.
type Dispatcher struct {
	requester Requester
	cache     Invalidator
	table     *Table
	publisher Publisher
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// New constructs a Dispatcher.
func New(logger *slog.Logger, requester Requester, cache Invalidator, opts Options) (*Dispatcher, error) {
	if requester == nil {
		return nil, errors.New("mutation: requester required")
	}
	if cache == nil {
		return nil, errors.New("mutation: cache required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules
	}
	table, err := NewTable(rules)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		requester: requester,
		cache:     cache,
		table:     table,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("agent", "mutation_dispatcher")),
	}, nil
}

// Table exposes the resolved invalidation table.
func (d *Dispatcher) Table() *Table { return d.table }

// Mutate performs one request. On failure the cache is left untouched. On
// success the affected prefixes are invalidated before Mutate returns, so any
// read issued afterwards observes refetched data. An empty method means POST.
func (d *Dispatcher) Mutate(ctx context.Context, method, url string, body any) Result {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodPost
	}
	value, err := d.requester.Request(ctx, method, url, body)
	d.metrics.ObserveMutation(method, url, err == nil)
	if err != nil {
		d.logger.LogAttrs(ctx, slog.LevelInfo, "mutation failed",
			slog.String("method", method),
			slog.String("url", url),
			slog.Int("status", client.StatusOf(err)),
			slog.String("error", err.Error()),
		)
		return Result{Err: err}
	}

	prefixes, ok := d.table.Resolve(url)
	if !ok {
		d.logger.LogAttrs(ctx, slog.LevelWarn, "mutation has no invalidation rule",
			slog.String("method", method),
			slog.String("url", url),
		)
		return Result{Value: value}
	}

	entries := d.cache.InvalidatePrefixes(prefixes...)
	d.logger.LogAttrs(ctx, slog.LevelDebug, "mutation invalidated cache",
		slog.String("method", method),
		slog.String("url", url),
		slog.Any("prefixes", prefixes),
		slog.Int("entries", entries),
	)
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, prefixes); err != nil {
			d.logger.LogAttrs(ctx, slog.LevelWarn, "invalidation broadcast failed",
				slog.Any("prefixes", prefixes),
				slog.String("error", err.Error()),
			)
		}
	}
	return Result{Value: value, Invalidated: prefixes, Entries: entries}
}
