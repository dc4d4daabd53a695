package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/rs/zerolog"

	"github.com/harun/plugd/internal/builtin"
	"github.com/harun/plugd/internal/config"
	"github.com/harun/plugd/internal/logger"
	"github.com/harun/plugd/internal/metrics"
	"github.com/harun/plugd/internal/store"
	"github.com/harun/plugd/internal/telegram"
	"github.com/harun/plugd/internal/tracing"
	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/capability"
	"github.com/harun/plugd/pkg/gateway"
	"github.com/harun/plugd/pkg/guard"
	"github.com/harun/plugd/pkg/host"
	"github.com/harun/plugd/pkg/plugin"
)

const (
	shutdownTimeout   = 30 * time.Second
	pruneInterval     = time.Hour
	watchDebounce     = 500 * time.Millisecond
	anomalyNotice     = "activity.anomaly"
	goroutineCeiling  = 10000
	readinessDeadline = 2 * time.Second
)

// Daemon wires the plugin runtime together: persistence, audit, the guard,
// the host, the lifecycle orchestrator and the administrative surfaces.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	store     *store.Store
	metrics   *metrics.Metrics
	caps      *capability.Registry
	auditor   *audit.Auditor
	guard     *guard.Guard
	host      *host.Host
	registry  *plugin.Registry
	orch      *plugin.Orchestrator
	discovery *plugin.Discovery
	bot       *telegram.Bot

	gatewayServer *gateway.Server
	metricsServer *http.Server
	health        healthcheck.Handler
	watcher       *plugin.DirWatcher
	lifecycle     *LifecycleManager

	// serializes reconcile passes triggered by the watcher
	reconcileMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	ready     bool
	startTime time.Time
	tracing   bool
}

// New builds a daemon from cfg. Nothing is started until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	zl := log.Component("daemon")
	d := &Daemon{
		config:    cfg,
		logger:    log,
		log:       zl,
		lifecycle: NewLifecycleManager(cfg.DataDir, zl),
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeStore()
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		d.closeStore()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	base := d.logger.Zerolog()

	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(d.config.DatabasePath(), base)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st

	d.metrics = metrics.NewMetrics()
	d.caps = capability.NewRegistry(base)
	d.auditor = audit.New(d.config.AuditSettings(), base,
		audit.WithSink(d.store),
		audit.WithMetrics(d.metrics),
	)
	d.guard = guard.New(d.caps, d.config.GuardSettings(), base,
		guard.WithRecorder(d.auditor),
		guard.WithMetrics(d.metrics),
	)

	deps := host.Deps{
		Guard:    d.guard,
		Recorder: d.auditor,
		Metrics:  d.metrics,
		Data:     d.store,
	}
	if token := d.config.Telegram.BotToken; token != "" {
		bot, err := telegram.New(token, base)
		if err != nil {
			d.log.Warn().Err(err).Msg("Telegram bot unavailable, bot.send will fail")
		} else {
			d.bot = bot
			deps.Bot = bot
		}
	}
	d.host = host.New(deps, base)

	d.registry = plugin.NewRegistry(d.caps, base, plugin.WithMirror(d.store))
	validator := plugin.NewValidator(base)
	orch, err := plugin.NewOrchestrator(d.config.LifecycleSettings(), plugin.Deps{
		Registry:  d.registry,
		Validator: validator,
		Resolver:  plugin.NewResolver(base),
		Guard:     d.guard,
		Host:      d.host,
		Recorder:  d.auditor,
		Metrics:   d.metrics,
	}, base)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orch = orch
	d.discovery = plugin.NewDiscovery(plugin.NewManifestLoader(base, validator), base)
	return nil
}

func (d *Daemon) initializeServices() error {
	base := d.logger.Zerolog()

	d.health = healthcheck.NewHandler()
	d.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineCeiling))
	d.health.AddReadinessCheck("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), readinessDeadline)
		defer cancel()
		return d.store.Ping(ctx)
	})
	d.health.AddReadinessCheck("plugins", func() error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if !d.ready {
			return errors.New("plugins are still loading")
		}
		return nil
	})

	if d.config.Gateway.Enabled {
		gwCfg := gateway.Config{
			Addr:         d.config.Gateway.Addr,
			SharedSecret: d.config.Gateway.SharedSecret,
			Orchestrator: d.orch,
			Auditor:      d.auditor,
			History:      d.store,
			Health:       d.health,
			Observer:     d.metrics,
			Logger:       base,
		}
		if d.config.Metrics.Enabled {
			gwCfg.Metrics = d.metrics.Handler()
		}
		server, err := gateway.NewServer(gwCfg)
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	if d.config.Metrics.Enabled && d.config.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		d.metricsServer = &http.Server{
			Addr:              d.config.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nil
}

// Start loads every plugin, restores tenant state and opens the
// administrative surfaces.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Str("data_dir", d.config.DataDir).Msg("Starting plugd daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.abortStart()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(d.config.Tracing.ServiceName, d.config.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			d.tracing = true
		}
	}

	d.goRun(func(ctx context.Context) {
		if err := d.auditor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Audit writer stopped")
		}
	})

	if err := d.loadPlugins(d.ctx); err != nil {
		d.abortStart()
		return err
	}

	d.host.Start()
	records, unsubscribe := d.auditor.Subscribe(256)
	d.goRun(func(ctx context.Context) {
		defer unsubscribe()
		builtin.RelayLifecycle(ctx, records, d.host.Bus(), d.logger.Zerolog())
	})

	d.publishCommands()

	if d.gatewayServer != nil {
		d.auditor.OnAnomaly(func(a audit.Anomaly) {
			d.gatewayServer.Notice(anomalyNotice, a)
		})
		if err := d.gatewayServer.Start(); err != nil {
			d.abortStart()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		log.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if d.metricsServer != nil {
		ln, err := net.Listen("tcp", d.metricsServer.Addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", d.metricsServer.Addr).Msg("Failed to start metrics listener")
			d.metricsServer = nil
		} else {
			go func() {
				if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("Metrics server failed")
				}
			}()
			log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")
		}
	}

	if d.config.Watch {
		if err := d.startWatcher(); err != nil {
			log.Warn().Err(err).Msg("Plugin directory watching disabled")
		}
	}

	if d.config.Audit.Retention > 0 {
		d.goRun(d.pruneActivity)
	}

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()

	log.Info().
		Int("plugins", len(d.registry.List())).
		Int("tenants", len(d.registry.Tenants())).
		Msg("Daemon started successfully")
	return nil
}

// loadPlugins registers the builtin and on-disk plugins, reapplies the
// persisted catalog, runs the load sequence and restores tenant rows.
func (d *Daemon) loadPlugins(ctx context.Context) error {
	base := d.logger.Zerolog()

	for _, p := range builtin.Providers() {
		if _, err := d.orch.Discover(p, plugin.SystemActor); err != nil {
			return fmt.Errorf("failed to register builtin plugin %s: %w", p.Manifest().ID, err)
		}
	}

	found, errs := d.discovery.Scan(d.config.PluginDirs)
	for _, err := range errs {
		d.log.Warn().Err(err).Msg("Plugin discovery problem")
	}
	for _, f := range found {
		if f.Manifest.Classification != plugin.ClassExternal {
			d.log.Warn().Str("plugin", f.Manifest.ID).Str("path", f.Path).Msg("Ignoring non-external plugin in plugin directory")
			continue
		}
		if _, err := d.orch.Discover(f.Provider(base), plugin.SystemActor); err != nil {
			d.log.Warn().Err(err).Str("plugin", f.Manifest.ID).Msg("Plugin not registered")
		}
	}

	catalog, err := d.store.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	for _, e := range catalog {
		if err := d.registry.RestoreCatalog(e); err != nil {
			d.log.Warn().Str("plugin", e.ID()).Msg("Installed plugin is no longer present")
		}
	}

	result, err := d.orch.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to load plugins: %w", err)
	}
	for id, lerr := range result.Errors {
		d.log.Warn().Err(lerr).Str("plugin", id).Msg("Plugin not loaded")
	}
	for _, w := range d.orch.Warnings() {
		d.log.Warn().Msg(w)
	}
	d.log.Info().
		Int("loaded", len(result.Loaded)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Msg("Plugins loaded")

	rows, err := d.store.LoadTenantStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tenant states: %w", err)
	}
	if err := d.orch.Restore(ctx, rows); err != nil {
		d.log.Warn().Err(err).Msg("Some tenant states were not restored")
	}
	return nil
}

// publishCommands registers the chat commands of loaded plugins with the
// bot. Conflicting commands keep their first owner.
func (d *Daemon) publishCommands() {
	if d.bot == nil {
		return
	}
	menu := telegram.NewCommandMenu()
	for _, id := range d.orch.Order() {
		c, ok := d.orch.Contributions(id)
		if !ok {
			continue
		}
		for _, err := range menu.Add(id, c.ChatCommands) {
			d.log.Warn().Err(err).Str("plugin", id).Msg("Chat command not registered")
		}
	}
	if err := d.bot.Publish(menu); err != nil {
		d.log.Warn().Err(err).Msg("Failed to publish bot commands")
	}
}

func (d *Daemon) pruneActivity(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	prune := func() {
		before := time.Now().Add(-d.config.Audit.Retention)
		n, err := d.store.PruneActivity(ctx, before)
		if err != nil {
			d.log.Error().Err(err).Msg("Failed to prune activity")
			return
		}
		if n > 0 {
			d.log.Info().Int64("removed", n).Time("before", before).Msg("Pruned plugin activity")
		}
	}

	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func (d *Daemon) goRun(fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.ctx)
	}()
}

// abortStart unwinds a partial start
func (d *Daemon) abortStart() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.orch.Shutdown(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to unload plugins")
	}
	d.host.Stop(ctx)
	d.cancel()
	d.wg.Wait()
	if err := d.lifecycle.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts everything down in reverse start order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.ready = false
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping plugd daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop plugin watcher")
		}
		d.watcher = nil
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	d.reconcileMu.Lock()
	if err := d.orch.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to unload plugins")
	}
	d.reconcileMu.Unlock()
	d.host.Stop(ctx)

	// The audit writer flushes its queue when its context ends
	d.cancel()
	d.wg.Wait()
	d.auditor.Close()

	d.closeStore()

	if d.tracing {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shut down tracing")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	log.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) closeStore() {
	if d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close store")
	}
	d.store = nil
}

// Status represents daemon status
type Status struct {
	Running   bool          `json:"running"`
	Ready     bool          `json:"ready"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
	Plugins   int           `json:"plugins"`
	Tenants   int           `json:"tenants"`
	Gateway   string        `json:"gateway,omitempty"`
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Ready:   d.ready,
		Plugins: len(d.registry.List()),
		Tenants: len(d.registry.Tenants()),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		if d.gatewayServer != nil {
			status.Gateway = d.gatewayServer.Addr()
		}
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon. SIGHUP
// rescans the plugin directories.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
		if sig == syscall.SIGHUP {
			if err := d.Reconcile(d.ctx); err != nil {
				d.log.Warn().Err(err).Msg("Plugin rescan finished with errors")
			}
			continue
		}
		if err := d.Stop(); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop daemon")
		}
		return
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the lifecycle orchestrator
func (d *Daemon) GetOrchestrator() *plugin.Orchestrator {
	return d.orch
}

// GetAuditor returns the activity auditor
func (d *Daemon) GetAuditor() *audit.Auditor {
	return d.auditor
}

// GetHost returns the plugin host
func (d *Daemon) GetHost() *host.Host {
	return d.host
}

// GetGatewayServer returns the gateway, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetStore returns the persistence store
func (d *Daemon) GetStore() *store.Store {
	return d.store
}
