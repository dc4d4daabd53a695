// Package audit records plugin activity in a bounded in-memory ring, mirrors
// it asynchronously to durable storage and flags anomalous activity.
package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// Record is one append-only activity entry.
type Record struct {
	ID        string    `json:"id"`
	PluginID  string    `json:"plugin_id"`
	Action    string    `json:"action"`
	TenantID  string    `json:"tenant_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Sink persists activity records.
type Sink interface {
	AppendActivity(ctx context.Context, records []Record) error
}

// Metrics receives auditor counters.
type Metrics interface {
	AuditWritten(n int)
	AuditDropped()
	AuditSinkError()
	ObserveAnomaly(pluginID, kind string)
}

// Config tunes the auditor.
type Config struct {
	Capacity         int           // in-memory ring size
	QueueSize        uint64        // pending durable writes; rounded up to a power of two
	Window           time.Duration // anomaly observation window
	BurstThreshold   int           // records per window above which a burst is flagged
	FailureThreshold int           // failed records per window above which a spike is flagged
	BatchSize        int
	MaxRetries       uint64
	RetryInterval    time.Duration
	HandlerWorkers   int // concurrent anomaly notifications
}

// DefaultConfig returns the auditor defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:         1000,
		QueueSize:        1024,
		Window:           time.Minute,
		BurstThreshold:   100,
		FailureThreshold: 10,
		BatchSize:        64,
		MaxRetries:       3,
		RetryInterval:    200 * time.Millisecond,
		HandlerWorkers:   4,
	}
}

// Auditor is the activity side-channel. Record never blocks the caller.
type Auditor struct {
	cfg     Config
	sink    Sink
	metrics Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	ring     []Record
	head     int
	size     int
	windows  map[string]*window
	subs     map[int]chan Record
	nextSub  int
	handlers []func(Anomaly)

	pending  *queue.RingBuffer
	dispatch *ants.Pool
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithSink mirrors records to durable storage.
func WithSink(sink Sink) Option {
	return func(a *Auditor) { a.sink = sink }
}

// WithMetrics attaches counters.
func WithMetrics(m Metrics) Option {
	return func(a *Auditor) { a.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// New creates a new auditor
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Auditor {
	defaults := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = defaults.BurstThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	if cfg.HandlerWorkers <= 0 {
		cfg.HandlerWorkers = defaults.HandlerWorkers
	}

	a := &Auditor{
		cfg:     cfg,
		logger:  logger.With().Str("component", "auditor").Logger(),
		now:     time.Now,
		ring:    make([]Record, cfg.Capacity),
		windows: make(map[string]*window),
		subs:    make(map[int]chan Record),
		pending: queue.NewRingBuffer(cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(a)
	}

	dispatch, err := ants.NewPool(cfg.HandlerWorkers, ants.WithNonblocking(true))
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to create anomaly handler pool")
	}
	a.dispatch = dispatch
	return a
}

// OnAnomaly registers a callback invoked for every flagged anomaly. Callbacks
// run on a worker pool, never on the goroutine calling Record.
func (a *Auditor) OnAnomaly(fn func(Anomaly)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, fn)
}

// Record appends an activity record and checks the plugin for anomalies.
func (a *Auditor) Record(r Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = a.now()
	}

	a.mu.Lock()
	a.ring[(a.head+a.size)%len(a.ring)] = r
	if a.size < len(a.ring) {
		a.size++
	} else {
		a.head = (a.head + 1) % len(a.ring)
	}
	a.windowFor(r.PluginID).add(r.Timestamp, r.Success)
	for _, ch := range a.subs {
		select {
		case ch <- r:
		default:
		}
	}
	a.mu.Unlock()

	if a.sink != nil {
		ok, err := a.pending.Offer(r)
		if err != nil || !ok {
			a.dropped()
		}
	}

	a.CheckAnomalies(r.PluginID)
}

// Recent returns up to n records, newest first.
func (a *Auditor) Recent(n int) []Record {
	return a.collect(n, func(Record) bool { return true })
}

// ForPlugin returns up to n records of one plugin, newest first.
func (a *Auditor) ForPlugin(pluginID string, n int) []Record {
	return a.collect(n, func(r Record) bool { return r.PluginID == pluginID })
}

// Query filters activity lookups. Zero fields match every record.
type Query struct {
	PluginID string
	TenantID string
	Since    time.Time
	Limit    int
}

// Match reports whether r passes the filter
func (q Query) Match(r Record) bool {
	if q.PluginID != "" && r.PluginID != q.PluginID {
		return false
	}
	if q.TenantID != "" && r.TenantID != q.TenantID {
		return false
	}
	return q.Since.IsZero() || !r.Timestamp.Before(q.Since)
}

// Query returns buffered records matching q, newest first.
func (a *Auditor) Query(q Query) []Record {
	return a.collect(q.Limit, q.Match)
}

func (a *Auditor) collect(n int, keep func(Record) bool) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n <= 0 || n > a.size {
		n = a.size
	}
	out := make([]Record, 0, n)
	for i := a.size - 1; i >= 0 && len(out) < n; i-- {
		r := a.ring[(a.head+i)%len(a.ring)]
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Subscribe streams new records. Slow subscribers miss records rather than
// slowing producers. The returned function cancels the subscription.
func (a *Auditor) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			close(ch)
		})
	}
}

// Run drains pending records into the sink until ctx is cancelled, then
// flushes what is left. It returns immediately when no sink is configured.
func (a *Auditor) Run(ctx context.Context) error {
	if a.sink == nil {
		return nil
	}

	for {
		if ctx.Err() != nil {
			a.flush()
			return nil
		}

		item, err := a.pending.Poll(100 * time.Millisecond)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if err != nil {
			return nil
		}

		batch := []Record{item.(Record)}
		for len(batch) < a.cfg.BatchSize && a.pending.Len() > 0 {
			next, err := a.pending.Poll(time.Millisecond)
			if err != nil {
				break
			}
			batch = append(batch, next.(Record))
		}
		a.write(ctx, batch)
	}
}

func (a *Auditor) flush() {
	var batch []Record
	for a.pending.Len() > 0 {
		item, err := a.pending.Poll(time.Millisecond)
		if err != nil {
			break
		}
		batch = append(batch, item.(Record))
	}
	if len(batch) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.write(ctx, batch)
	}
}

func (a *Auditor) write(ctx context.Context, batch []Record) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.cfg.RetryInterval), a.cfg.MaxRetries),
		ctx,
	)
	err := backoff.Retry(func() error {
		if err := a.sink.AppendActivity(ctx, batch); err != nil {
			if a.metrics != nil {
				a.metrics.AuditSinkError()
			}
			return err
		}
		return nil
	}, policy)
	if err != nil {
		a.logger.Error().Err(err).Int("records", len(batch)).Msg("Failed to persist activity records")
		for range batch {
			a.dropped()
		}
		return
	}
	if a.metrics != nil {
		a.metrics.AuditWritten(len(batch))
	}
}

// Close stops the durable writer and the anomaly handlers. Records still
// pending are discarded.
func (a *Auditor) Close() {
	a.pending.Dispose()
	if a.dispatch != nil {
		a.dispatch.Release()
	}
}

func (a *Auditor) dropped() {
	if a.metrics != nil {
		a.metrics.AuditDropped()
	}
}

// Plugins returns the ids of plugins with activity in the ring, sorted.
func (a *Auditor) Plugins() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.windows))
	for id := range a.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
