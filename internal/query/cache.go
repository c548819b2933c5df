package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/querykit/internal/client"
	"github.com/l0p7/querykit/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultFreshness is how long a fetched value is served without refetching.
	DefaultFreshness = 30 * time.Second
	// DefaultGCWindow is how long an unread entry is retained.
	DefaultGCWindow = 5 * time.Minute
	// DefaultGCInterval is how often the background collector runs.
	DefaultGCInterval = time.Minute
)

// ErrClosed is returned by reads against a closed cache.
var ErrClosed = errors.New("query: cache closed")

// Windows holds the freshness and garbage-collection windows of an entry.
type Windows struct {
	Freshness time.Duration
	GC        time.Duration
}

// DefaultWindows returns the 30s freshness and 5m GC windows.
func DefaultWindows() Windows {
	return Windows{Freshness: DefaultFreshness, GC: DefaultGCWindow}
}

// Validate rejects non-positive windows.
func (w Windows) Validate() error {
	if w.Freshness <= 0 {
		return fmt.Errorf("query: freshness window must be positive, got %s", w.Freshness)
	}
	if w.GC <= 0 {
		return fmt.Errorf("query: gc window must be positive, got %s", w.GC)
	}
	return nil
}

// State describes an entry for observers.
type State string

const (
	StateIdle     State = "idle"
	StateFresh    State = "fresh"
	StateStale    State = "stale"
	StateFetching State = "fetching"
	StateError    State = "error"
)

// Snapshot is a point-in-time copy of one entry.
type Snapshot struct {
	Key         Key       `json:"key"`
	Value       any       `json:"value,omitempty"`
	HasValue    bool      `json:"hasValue"`
	Err         error     `json:"-"`
	State       State     `json:"state"`
	FetchedAt   time.Time `json:"fetchedAt,omitzero"`
	LastAccess  time.Time `json:"lastAccess"`
	Subscribers int       `json:"subscribers"`
}

// Fetcher retrieves the value for key. It performs a single attempt; retries
// are driven by the cache.
type Fetcher func(ctx context.Context, key Key) (any, error)

// Options configures a Cache.
type Options struct {
	Fetch   Fetcher
	Windows Windows
	Retry   RetryPolicy
	Backoff Backoff
	// GCInterval is the collector period used by Start.
	GCInterval time.Duration
	Metrics    *metrics.Recorder
	// Now and Sleep replace the wall clock and the retry delay in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type subscriber struct {
	id uint64
	fn func(Snapshot)
}

type entry struct {
	key        Key
	value      any
	hasValue   bool
	err        error
	errAt      time.Time
	fetchedAt  time.Time
	lastAccess time.Time
	// invalidated entries never serve their value before a refetch lands.
	invalidated bool
	fetching    bool
	fetchID     uint64
	subs        []subscriber
}

// Cache is a keyed store of fetched values with stale-while-revalidate reads,
// at most one fetch in flight per key, retries with backoff, predicate
// invalidation and idle-entry collection. The mutex is never held across a
// fetch.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	windows   Windows
	overrides map[string]Windows
	retry     RetryPolicy
	backoff   Backoff
	nextID    uint64
	gcDone    chan struct{}

	group      singleflight.Group
	fetch      Fetcher
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	gcInterval time.Duration
	metrics    *metrics.Recorder
	logger     *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

// New constructs a Cache.
func New(logger *slog.Logger, opts Options) (*Cache, error) {
	if opts.Fetch == nil {
		return nil, errors.New("query: fetcher required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	windows := opts.Windows
	if windows.Freshness == 0 && windows.GC == 0 {
		windows = DefaultWindows()
	}
	if err := windows.Validate(); err != nil {
		return nil, err
	}
	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetry{MaxRetries: DefaultMaxRetries}
	}
	var backoff Backoff = DefaultBackoff()
	if opts.Backoff != nil {
		backoff = opts.Backoff
	}
	gcInterval := opts.GCInterval
	if gcInterval <= 0 {
		gcInterval = DefaultGCInterval
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		windows:    windows,
		overrides:  make(map[string]Windows),
		retry:      retry,
		backoff:    backoff,
		fetch:      opts.Fetch,
		now:        opts.Now,
		sleep:      opts.Sleep,
		gcInterval: gcInterval,
		metrics:    opts.Metrics,
		logger:     logger.With(slog.String("agent", "query_cache")),
		closed:     make(chan struct{}),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = c.wait
	}
	return c, nil
}

// Read returns the value for key. A fresh value is returned directly. A stale
// value is returned immediately while one background refetch is scheduled.
// Otherwise the read starts a fetch, or joins the one already in flight, and
// waits for it or for ctx.
func (c *Cache) Read(ctx context.Context, key Key) (any, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	ks := key.String()
	path := key.Path()

	c.mu.Lock()
	now := c.now()
	e := c.entries[ks]
	if e != nil && c.collectableLocked(ks, e, now) {
		delete(c.entries, ks)
		c.metrics.ObserveEviction(metrics.EvictionCollected, 1)
		e = nil
	}
	if e == nil {
		e = c.newEntryLocked(ks, key)
	}
	e.lastAccess = now
	w := c.windowsLocked(ks)

	if e.hasValue && e.err == nil && !e.invalidated {
		value := e.value
		outcome := metrics.CacheFresh
		if now.Sub(e.fetchedAt) >= w.Freshness {
			outcome = metrics.CacheStale
			if !e.fetching {
				c.dispatchLocked(ctx, ks, e)
			}
		}
		c.mu.Unlock()
		c.metrics.ObserveCacheRead(path, outcome)
		return value, nil
	}

	if e.err != nil && !e.fetching && !e.invalidated && now.Sub(e.errAt) < w.Freshness {
		err := e.err
		c.mu.Unlock()
		c.metrics.ObserveCacheRead(path, metrics.CacheError)
		return nil, err
	}

	var ch <-chan singleflight.Result
	outcome := metrics.CacheJoined
	if e.fetching {
		ch = c.flightLocked(ctx, ks, e)
	} else {
		outcome = metrics.CacheMiss
		ch = c.dispatchLocked(ctx, ks, e)
	}
	c.mu.Unlock()
	c.metrics.ObserveCacheRead(path, outcome)

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastKnown returns the most recent successfully fetched value regardless of
// freshness, invalidation or a later failure.
func (c *Cache) LastKnown(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, true
}

// Snapshot returns the current state of key.
func (c *Cache) Snapshot(key Key) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks := key.String()
	e, ok := c.entries[ks]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshotLocked(ks, e, c.now()), true
}

// Entries returns snapshots of every entry ordered by key.
func (c *Cache) Entries() []Snapshot {
	c.mu.Lock()
	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for ks := range c.entries {
		keys = append(keys, ks)
	}
	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, ks := range keys {
		out = append(out, c.snapshotLocked(ks, c.entries[ks], now))
	}
	c.mu.Unlock()
	return out
}

// Len reports the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate marks every entry matching pred. Entries with subscribers are
// refetched in the background and keep their last-known value; the rest are
// removed so the next read fetches. Fetches already in flight for matching
// entries are superseded and their results discarded. It returns the number of
// matching entries.
func (c *Cache) Invalidate(pred Predicate) int {
	if pred == nil {
		return 0
	}
	c.mu.Lock()
	matched, evicted := 0, 0
	closed := c.isClosed()
	for ks, e := range c.entries {
		if !pred(e.key) {
			continue
		}
		matched++
		if len(e.subs) == 0 || closed {
			delete(c.entries, ks)
			evicted++
			continue
		}
		e.invalidated = true
		e.err = nil
		c.dispatchLocked(context.Background(), ks, e)
	}
	c.mu.Unlock()

	c.metrics.ObserveEviction(metrics.EvictionInvalidated, evicted)
	if matched > 0 {
		c.logger.Debug("cache invalidated",
			slog.Int("matched", matched),
			slog.Int("evicted", evicted),
		)
	}
	return matched
}

// InvalidatePrefixes invalidates every entry whose path falls under one of
// prefixes.
func (c *Cache) InvalidatePrefixes(prefixes ...string) int {
	if len(prefixes) == 0 {
		return 0
	}
	return c.Invalidate(PathPrefix(prefixes...))
}

// Subscribe registers fn to receive a snapshot each time a fetch for key
// completes. Entries with subscribers are refetched eagerly on invalidation.
// The returned function removes the subscription and is safe to call twice.
func (c *Cache) Subscribe(key Key, fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	ks := key.String()
	c.mu.Lock()
	e := c.entries[ks]
	if e == nil {
		e = c.newEntryLocked(ks, key)
	}
	e.lastAccess = c.now()
	c.nextID++
	id := c.nextID
	e.subs = append(e.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.entries[ks] != e {
				return
			}
			for i, sub := range e.subs {
				if sub.id == id {
					e.subs = append(e.subs[:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Configure replaces the default windows.
func (c *Cache) Configure(w Windows) error {
	if err := w.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.windows = w
	c.mu.Unlock()
	return nil
}

// ConfigureKey overrides the windows for a single key.
func (c *Cache) ConfigureKey(key Key, w Windows) error {
	if err := w.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.overrides[key.String()] = w
	c.mu.Unlock()
	return nil
}

// ResetKeyOverrides drops every per-key window override.
func (c *Cache) ResetKeyOverrides() {
	c.mu.Lock()
	c.overrides = make(map[string]Windows)
	c.mu.Unlock()
}

// Windows returns the effective windows for key.
func (c *Cache) Windows(key Key) Windows {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windowsLocked(key.String())
}

// SetRetry replaces the retry policy and backoff used by fetches started
// afterwards. Nil arguments leave the current value in place.
func (c *Cache) SetRetry(policy RetryPolicy, backoff Backoff) {
	c.mu.Lock()
	if policy != nil {
		c.retry = policy
	}
	if backoff != nil {
		c.backoff = backoff
	}
	c.mu.Unlock()
}

// Collect removes every entry that has gone unread for longer than its GC
// window and has no fetch in flight. It returns the number removed.
func (c *Cache) Collect() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for ks, e := range c.entries {
		if c.collectableLocked(ks, e, now) {
			delete(c.entries, ks)
			removed++
		}
	}
	c.mu.Unlock()

	c.metrics.ObserveEviction(metrics.EvictionCollected, removed)
	if removed > 0 {
		c.logger.Debug("cache collected", slog.Int("removed", removed))
	}
	return removed
}

// Start runs Collect every GC interval until ctx is done or the cache closes.
func (c *Cache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		done := make(chan struct{})
		c.mu.Lock()
		c.gcDone = done
		c.mu.Unlock()
		go c.gcLoop(ctx, done)
	})
}

// Close stops the collector and aborts pending retry delays. Reads after
// Close fail with ErrClosed.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	done := c.gcDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Cache) gcLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

func (c *Cache) newEntryLocked(ks string, key Key) *entry {
	e := &entry{key: append(Key(nil), key...)}
	c.entries[ks] = e
	return e
}

func (c *Cache) windowsLocked(ks string) Windows {
	if w, ok := c.overrides[ks]; ok {
		return w
	}
	return c.windows
}

func (c *Cache) collectableLocked(ks string, e *entry, now time.Time) bool {
	if e.fetching {
		return false
	}
	return now.Sub(e.lastAccess) >= c.windowsLocked(ks).GC
}

// dispatchLocked starts a new fetch for e, superseding any fetch in flight.
func (c *Cache) dispatchLocked(ctx context.Context, ks string, e *entry) <-chan singleflight.Result {
	c.nextID++
	e.fetchID = c.nextID
	e.fetching = true
	return c.flightLocked(ctx, ks, e)
}

// flightLocked joins the fetch identified by e.fetchID.
func (c *Cache) flightLocked(ctx context.Context, ks string, e *entry) <-chan singleflight.Result {
	key, id := e.key, e.fetchID
	return c.group.DoChan(ks+"#"+strconv.FormatUint(id, 10), func() (any, error) {
		value, err := c.fetchWithRetry(context.WithoutCancel(ctx), key)
		c.complete(ks, id, value, err)
		return value, err
	})
}

func (c *Cache) fetchWithRetry(ctx context.Context, key Key) (any, error) {
	c.mu.Lock()
	policy, backoff := c.retry, c.backoff
	c.mu.Unlock()

	path := key.Path()
	failures := 0
	for {
		value, err := c.fetch(ctx, key)
		if err == nil {
			c.metrics.ObserveFetch(path, true)
			return value, nil
		}
		failures++
		if !policy.ShouldRetry(failures, err) {
			c.metrics.ObserveFetch(path, false)
			level := slog.LevelWarn
			if failures == 1 {
				level = slog.LevelDebug
			}
			c.logger.LogAttrs(ctx, level, "fetch failed",
				slog.String("key", key.String()),
				slog.Int("attempts", failures),
				slog.String("kind", client.Kind(err)),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		delay := backoff.Delay(failures - 1)
		c.metrics.ObserveRetry(path)
		c.logger.LogAttrs(ctx, slog.LevelDebug, "retrying fetch",
			slog.String("key", key.String()),
			slog.Int("failures", failures),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if waitErr := c.sleep(ctx, delay); waitErr != nil {
			c.metrics.ObserveFetch(path, false)
			return nil, err
		}
	}
}

// complete stores a fetch outcome unless a newer fetch or an invalidation has
// superseded it, then notifies subscribers outside the lock.
func (c *Cache) complete(ks string, id uint64, value any, err error) {
	c.mu.Lock()
	e := c.entries[ks]
	if e == nil || !e.fetching || e.fetchID != id {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded fetch", slog.String("key", ks))
		return
	}
	now := c.now()
	e.fetching = false
	e.invalidated = false
	if err != nil {
		e.err = err
		e.errAt = now
	} else {
		e.value = value
		e.hasValue = true
		e.err = nil
		e.errAt = time.Time{}
		e.fetchedAt = now
	}
	snap := c.snapshotLocked(ks, e, now)
	subs := make([]func(Snapshot), 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub.fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (c *Cache) snapshotLocked(ks string, e *entry, now time.Time) Snapshot {
	return Snapshot{
		Key:         e.key,
		Value:       e.value,
		HasValue:    e.hasValue,
		Err:         e.err,
		State:       c.stateLocked(ks, e, now),
		FetchedAt:   e.fetchedAt,
		LastAccess:  e.lastAccess,
		Subscribers: len(e.subs),
	}
}

func (c *Cache) stateLocked(ks string, e *entry, now time.Time) State {
	switch {
	case e.fetching:
		return StateFetching
	case e.err != nil:
		return StateError
	case !e.hasValue:
		return StateIdle
	case e.invalidated, now.Sub(e.fetchedAt) >= c.windowsLocked(ks).Freshness:
		return StateStale
	default:
		return StateFresh
	}
}

func (c *Cache) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Cache) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}
