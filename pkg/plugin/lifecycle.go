package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/plugd/internal/tracing"
	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/guard"
	"github.com/harun/plugd/pkg/host"
)

// SystemActor is the identity recorded for transitions the runtime drives
// itself.
const SystemActor = "system"

// Recorder receives lifecycle activity.
type Recorder interface {
	Record(r audit.Record)
}

// Metrics receives lifecycle observations.
type Metrics interface {
	ObserveHook(pluginID, hook string, d time.Duration, err error)
	SetPluginStates(counts map[string]int)
}

// Config bounds hook execution
type Config struct {
	LoadTimeout    time.Duration
	EnableTimeout  time.Duration
	DisableTimeout time.Duration
	UnloadTimeout  time.Duration
	InstallTimeout time.Duration
	Parallelism    int // hooks of one dependency wave run concurrently up to this bound
}

// DefaultConfig returns the lifecycle defaults.
func DefaultConfig() Config {
	return Config{
		LoadTimeout:    10 * time.Second,
		EnableTimeout:  10 * time.Second,
		DisableTimeout: 10 * time.Second,
		UnloadTimeout:  10 * time.Second,
		InstallTimeout: 30 * time.Second,
		Parallelism:    4,
	}
}

// Deps are the collaborators of the orchestrator. Recorder and Metrics are
// optional.
type Deps struct {
	Registry  *Registry
	Validator *Validator
	Resolver  *Resolver
	Guard     *guard.Guard
	Host      *host.Host
	Recorder  Recorder
	Metrics   Metrics
}

// Orchestrator drives plugins through their catalog lifecycle and per-tenant
// phases. It keeps no plugin state of its own beyond providers and the load
// order; the registry holds the rest.
type Orchestrator struct {
	cfg       Config
	registry  *Registry
	validator *Validator
	resolver  *Resolver
	guard     *guard.Guard
	host      *host.Host
	recorder  Recorder
	metrics   Metrics
	pool      *ants.Pool
	logger    zerolog.Logger

	providers     cmap.ConcurrentMap[string, Provider]
	contributions cmap.ConcurrentMap[string, Contributions]

	mu       sync.RWMutex
	order    []string
	warnings []string
}

// NewOrchestrator creates a new lifecycle orchestrator
func NewOrchestrator(cfg Config, deps Deps, logger zerolog.Logger) (*Orchestrator, error) {
	defaults := DefaultConfig()
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaults.LoadTimeout
	}
	if cfg.EnableTimeout <= 0 {
		cfg.EnableTimeout = defaults.EnableTimeout
	}
	if cfg.DisableTimeout <= 0 {
		cfg.DisableTimeout = defaults.DisableTimeout
	}
	if cfg.UnloadTimeout <= 0 {
		cfg.UnloadTimeout = defaults.UnloadTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = defaults.InstallTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaults.Parallelism
	}
	if deps.Registry == nil || deps.Guard == nil || deps.Host == nil {
		return nil, fmt.Errorf("registry, guard and host are required")
	}
	if deps.Validator == nil {
		deps.Validator = NewValidator(logger)
	}
	if deps.Resolver == nil {
		deps.Resolver = NewResolver(logger)
	}

	pool, err := ants.NewPool(cfg.Parallelism, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create hook pool: %w", err)
	}

	o := &Orchestrator{
		cfg:           cfg,
		registry:      deps.Registry,
		validator:     deps.Validator,
		resolver:      deps.Resolver,
		guard:         deps.Guard,
		host:          deps.Host,
		recorder:      deps.Recorder,
		metrics:       deps.Metrics,
		pool:          pool,
		logger:        logger.With().Str("component", "orchestrator").Logger(),
		providers:     cmap.New[Provider](),
		contributions: cmap.New[Contributions](),
	}
	deps.Host.AttachManager(o)
	return o, nil
}

// Registry returns the registry the orchestrator drives.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Order returns the current load order.
func (o *Orchestrator) Order() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

// Warnings returns the resolver warnings of the last start.
func (o *Orchestrator) Warnings() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.warnings...)
}

// Contributions returns what a loaded plugin contributes.
func (o *Orchestrator) Contributions(pluginID string) (Contributions, bool) {
	return o.contributions.Get(pluginID)
}

// Discover registers a provider's plugin in the catalog.
func (o *Orchestrator) Discover(p Provider, actor string) (CatalogEntry, error) {
	m := p.Manifest()
	entry, err := o.registry.Register(m, actor)
	if err != nil {
		return CatalogEntry{}, err
	}
	o.providers.Set(m.ID, p)
	o.logger.Debug().Str("plugin", m.ID).Str("version", m.Version).Msg("Plugin discovered")
	return entry, nil
}

// Validate runs the manifest validator over a discovered plugin. A plugin
// that fails moves to Failed and is never retried automatically.
func (o *Orchestrator) Validate(pluginID string) error {
	entry, ok := o.registry.Get(pluginID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	if entry.State != StateDiscovered {
		return fmt.Errorf("plugin %s is %s, not %s", pluginID, entry.State, StateDiscovered)
	}

	manifest := entry.Manifest
	result := o.validator.ValidateManifest(&manifest)
	for _, w := range result.Warnings {
		o.logger.Warn().Str("plugin", pluginID).Msg(w)
	}
	if !result.Valid {
		_ = o.registry.MarkFailed(pluginID, result.Errors...)
		err := result.Err()
		o.record(pluginID, "validate", "", SystemActor, err)
		o.logger.Error().Err(err).Str("plugin", pluginID).Msg("Manifest validation failed")
		return err
	}

	if err := o.registry.SetState(pluginID, StateValidated); err != nil {
		return err
	}
	if _, err := o.registry.SetGrant(pluginID); err != nil {
		return err
	}
	return nil
}

// Start validates every discovered plugin, resolves the load order and loads
// plugins wave by wave. A failure is isolated to the failing plugin and the
// plugins that require it.
func (o *Orchestrator) Start(ctx context.Context) (*LoadResult, error) {
	o.logger.Info().Msg("Starting plugin lifecycle")
	result := newLoadResult()

	for _, entry := range o.registry.List() {
		if entry.State != StateDiscovered {
			continue
		}
		if err := o.Validate(entry.ID()); err != nil {
			result.Failed = append(result.Failed, entry.ID())
			result.Errors[entry.ID()] = err
		}
	}

	var candidates []CatalogEntry
	for _, entry := range o.registry.List() {
		if entry.State == StateValidated {
			candidates = append(candidates, entry)
		}
	}

	plan := o.resolver.Plan(candidates)
	for _, w := range plan.Warnings {
		o.logger.Warn().Msg(w)
	}
	blocked := make([]string, 0, len(plan.Blocked))
	for id := range plan.Blocked {
		blocked = append(blocked, id)
	}
	sort.Strings(blocked)
	for _, id := range blocked {
		depErr := plan.Blocked[id]
		_ = o.registry.MarkFailed(id, depErr.Error())
		o.record(id, "resolve", "", SystemActor, depErr)
		result.Skipped = append(result.Skipped, id)
		result.Errors[id] = depErr
	}

	o.mu.Lock()
	o.order = append([]string(nil), plan.Order...)
	o.warnings = plan.Warnings
	o.mu.Unlock()

	failed := make(map[string]bool)
	var mu sync.Mutex

	for _, wave := range plan.Waves {
		if err := ctx.Err(); err != nil {
			o.refreshStateMetrics()
			return result, err
		}

		var wg sync.WaitGroup
		for _, id := range wave {
			if dep := firstFailed(plan.DependenciesOf(id), o.requiredSet(id), failed); dep != "" {
				depErr := &DependencyError{Kind: Unsatisfied, Plugin: id, Missing: dep, Detail: "dependency failed to load"}
				_ = o.registry.MarkFailed(id, depErr.Error())
				o.record(id, "load", "", SystemActor, depErr)
				mu.Lock()
				failed[id] = true
				result.Skipped = append(result.Skipped, id)
				result.Errors[id] = depErr
				mu.Unlock()
				continue
			}

			id := id
			wg.Add(1)
			task := func() {
				defer wg.Done()
				err := o.load(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed[id] = true
					result.Failed = append(result.Failed, id)
					result.Errors[id] = err
				}
			}
			if err := o.pool.Submit(task); err != nil {
				wg.Done()
				_ = o.registry.MarkFailed(id, err.Error())
				mu.Lock()
				failed[id] = true
				result.Failed = append(result.Failed, id)
				result.Errors[id] = err
				mu.Unlock()
			}
		}
		wg.Wait()
	}

	for _, id := range plan.Order {
		if !failed[id] {
			result.Loaded = append(result.Loaded, id)
		}
	}
	sort.Strings(result.Failed)
	sort.Strings(result.Skipped)
	o.refreshStateMetrics()

	o.logger.Info().
		Int("loaded", len(result.Loaded)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Msg("Plugin lifecycle started")

	return result, nil
}

// load runs a plugin's load hook. Its required dependencies have loaded.
func (o *Orchestrator) load(ctx context.Context, pluginID string) error {
	p := o.provider(pluginID)
	if err := o.registry.SetState(pluginID, StateLoading); err != nil {
		return err
	}
	_ = o.registry.MarkLoadAttempted(pluginID)

	client := o.host.Client(pluginID)
	err := o.runHook(ctx, pluginID, "", "load", o.cfg.LoadTimeout, func(ctx context.Context) error {
		return p.OnLoad(ctx, client)
	})
	if err != nil {
		lerr := &LifecycleError{Kind: HookFailed, PluginID: pluginID, Hook: "load", Err: err}
		o.host.Release(pluginID)
		_ = o.registry.MarkFailed(pluginID, lerr.Error())
		o.record(pluginID, "load", "", SystemActor, lerr)
		o.logger.Error().Err(err).Str("plugin", pluginID).Msg("Failed to load plugin")
		return lerr
	}

	o.contributions.Set(pluginID, p.Contributions())
	if err := o.registry.SetState(pluginID, StateLoaded); err != nil {
		return err
	}
	o.record(pluginID, "load", "", SystemActor, nil)
	o.logger.Info().Str("plugin", pluginID).Msg("Plugin loaded")
	return nil
}

// Shutdown disables every running tenant phase, then unloads plugins in
// reverse load order. Persisted tenant rows keep their enabled flag so a
// restart restores them. Hook errors are logged and never stop the shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.logger.Info().Msg("Shutting down plugin lifecycle")
	order := o.Order()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		entry, ok := o.registry.Get(id)
		if !ok || entry.State != StateLoaded || entry.Manifest.IsGlobal {
			continue
		}
		for _, ts := range o.registry.TenantStates(id) {
			if ts.Phase != PhaseRunning {
				continue
			}
			if err := o.disable(ctx, id, ts.TenantID, SystemActor, disableOptions{suspend: true}); err != nil {
				o.logger.Error().Err(err).Str("plugin", id).Str("tenant", ts.TenantID).Msg("Failed to disable plugin at shutdown")
			}
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		entry, ok := o.registry.Get(id)
		if !ok {
			continue
		}
		if entry.State != StateLoaded && !(entry.State == StateFailed && entry.LoadAttempted) {
			continue
		}
		o.unload(ctx, id)
	}

	o.pool.Release()
	o.refreshStateMetrics()
	o.logger.Info().Msg("Plugin lifecycle shutdown complete")
	return nil
}

func (o *Orchestrator) unload(ctx context.Context, pluginID string) {
	p := o.provider(pluginID)
	err := o.runHook(ctx, pluginID, "", "unload", o.cfg.UnloadTimeout, p.OnUnload)
	if err != nil {
		o.logger.Error().Err(err).Str("plugin", pluginID).Msg("Unload hook failed")
	}
	o.record(pluginID, "unload", "", SystemActor, err)
	o.host.Release(pluginID)
	o.contributions.Remove(pluginID)
	o.guard.Limiter().Reset(pluginID)
	_ = o.registry.SetState(pluginID, StateUnloaded)
}

// runHook runs one hook under a deadline with the plugin's execution in ctx.
func (o *Orchestrator) runHook(ctx context.Context, pluginID, tenantID, hook string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "plugd/lifecycle", "plugin."+hook,
		attribute.String("plugin.id", pluginID),
		attribute.String("tenant.id", tenantID),
	)
	defer span.End()

	ctx = guard.WithExecution(ctx, pluginID, tenantID)
	ctx = tracing.WithPluginID(ctx, pluginID)
	if tenantID != "" {
		ctx = tracing.WithTenantID(ctx, tenantID)
	}
	start := time.Now()
	err := o.guard.RunHook(ctx, pluginID, hook, timeout, fn)
	if o.metrics != nil {
		o.metrics.ObserveHook(pluginID, hook, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Debug().Err(err).Str("hook", hook).Msg("Hook returned an error")
	}
	return err
}

func (o *Orchestrator) provider(pluginID string) Provider {
	if p, ok := o.providers.Get(pluginID); ok {
		return p
	}
	entry, _ := o.registry.Get(pluginID)
	return &StaticProvider{M: entry.Manifest}
}

func (o *Orchestrator) record(pluginID, action, tenantID, actor string, err error) {
	if o.recorder == nil {
		return
	}
	r := audit.Record{
		PluginID: pluginID,
		Action:   "lifecycle." + action,
		TenantID: tenantID,
		ActorID:  actor,
		Success:  err == nil,
	}
	if err != nil {
		r.Error = err.Error()
	}
	o.recorder.Record(r)
}

func (o *Orchestrator) refreshStateMetrics() {
	if o.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, e := range o.registry.List() {
		counts[string(e.State)]++
	}
	o.metrics.SetPluginStates(counts)
}

// requiredSet returns the required dependency ids of a plugin.
func (o *Orchestrator) requiredSet(pluginID string) map[string]bool {
	entry, ok := o.registry.Get(pluginID)
	if !ok {
		return nil
	}
	set := make(map[string]bool, len(entry.Manifest.Requires))
	for _, d := range entry.Manifest.Requires {
		set[d.PluginID] = true
	}
	return set
}

// orderIndex positions ids by load order; unknown ids sort last by id.
func (o *Orchestrator) orderIndex() map[string]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	idx := make(map[string]int, len(o.order))
	for i, id := range o.order {
		idx[id] = i
	}
	return idx
}

func (o *Orchestrator) sortByOrder(ids []string) {
	idx := o.orderIndex()
	sort.SliceStable(ids, func(i, j int) bool {
		a, aok := idx[ids[i]]
		b, bok := idx[ids[j]]
		switch {
		case aok && bok:
			return a < b
		case aok != bok:
			return aok
		default:
			return ids[i] < ids[j]
		}
	})
}

// firstFailed returns the first required dependency that failed.
func firstFailed(deps []string, required map[string]bool, failed map[string]bool) string {
	for _, dep := range deps {
		if required[dep] && failed[dep] {
			return dep
		}
	}
	return ""
}

// joinErrors joins errs, returning nil when empty.
func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
