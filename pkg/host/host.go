// Package host implements the APIs plugin code calls into. Every call is
// authorized by the access guard before it reaches a backend and is recorded
// in the activity audit.
package host

import (
	"context"
	"net/http"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/audit"
)

// Authorizer decides whether a plugin may call an API for a tenant.
type Authorizer interface {
	Authorize(ctx context.Context, pluginID, api, tenantID string) error
}

// Recorder receives activity records.
type Recorder interface {
	Record(r audit.Record)
}

// Metrics counts authorized host calls.
type Metrics interface {
	ObserveHostCall(pluginID, api string)
}

// DataStore holds plugin data, namespaced by tenant and owning plugin.
type DataStore interface {
	GetPluginData(ctx context.Context, tenantID, owner, key string) ([]byte, bool, error)
	PutPluginData(ctx context.Context, tenantID, owner, key string, value []byte) error
}

// BotSender delivers chat messages on behalf of plugins.
type BotSender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// PluginManager drives other plugins' per-tenant lifecycle.
type PluginManager interface {
	Enable(ctx context.Context, pluginID, tenantID, actor string) error
	Disable(ctx context.Context, pluginID, tenantID, actor string) error
	IsRunning(pluginID, tenantID string) bool
}

// Deps are the backends behind the host APIs. Nil backends make the
// corresponding API fail with ErrUnavailable.
type Deps struct {
	Guard      Authorizer
	Recorder   Recorder
	Metrics    Metrics
	Data       DataStore
	Bot        BotSender
	HTTPClient *http.Client
}

// Host hands out one Client per plugin and owns the shared event bus and
// job scheduler.
type Host struct {
	deps      Deps
	bus       *EventBus
	scheduler *Scheduler
	clients   cmap.ConcurrentMap[string, *Client]
	logger    zerolog.Logger

	mu      sync.RWMutex
	plugins PluginManager
}

// New creates a new host
func New(deps Deps, logger zerolog.Logger) *Host {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	h := &Host{
		deps:    deps,
		clients: cmap.New[*Client](),
		logger:  logger.With().Str("component", "host").Logger(),
	}
	h.bus = NewEventBus(h.isRunning, logger)
	h.scheduler = NewScheduler(logger)
	return h
}

// AttachManager connects the lifecycle orchestrator once it exists.
func (h *Host) AttachManager(pm PluginManager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plugins = pm
}

func (h *Host) manager() PluginManager {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.plugins
}

func (h *Host) isRunning(pluginID, tenantID string) bool {
	pm := h.manager()
	return pm == nil || pm.IsRunning(pluginID, tenantID)
}

// Client returns the client of a plugin, creating it on first use.
func (h *Host) Client(pluginID string) *Client {
	return h.clients.Upsert(pluginID, nil, func(exist bool, cur, _ *Client) *Client {
		if exist {
			return cur
		}
		return &Client{
			pluginID: pluginID,
			host:     h,
			logger:   h.logger.With().Str("plugin", pluginID).Logger(),
		}
	})
}

// Release drops every listener and job owned by a plugin. Called on unload.
func (h *Host) Release(pluginID string) {
	removedListeners := h.bus.RemoveOwner(pluginID)
	removedJobs := h.scheduler.RemoveOwner(pluginID)
	h.clients.Remove(pluginID)
	h.logger.Debug().
		Str("plugin", pluginID).
		Int("listeners", removedListeners).
		Int("jobs", removedJobs).
		Msg("Released plugin host resources")
}

// Bus returns the shared event bus.
func (h *Host) Bus() *EventBus {
	return h.bus
}

// Scheduler returns the shared job scheduler.
func (h *Host) Scheduler() *Scheduler {
	return h.scheduler
}

// Start starts the job scheduler.
func (h *Host) Start() {
	h.scheduler.Start()
}

// Stop stops the job scheduler and waits for running jobs within ctx.
func (h *Host) Stop(ctx context.Context) {
	h.scheduler.Stop(ctx)
	h.bus.Wait(ctx)
}
