// Package guard authorizes every call plugin code makes into a host API and
// bounds the time plugin hooks may take.
package guard

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/capability"
)

// Grants resolves a plugin's effective capability set.
type Grants interface {
	Get(pluginID string) (capability.Capability, bool)
}

// Recorder receives denial records.
type Recorder interface {
	Record(r audit.Record)
}

// Metrics receives guard counters.
type Metrics interface {
	ObserveDenial(pluginID, kind string)
}

// Config tunes the guard.
type Config struct {
	Windows []Window
	Clock   func() time.Time
}

// Guard is the single choke point between plugin code and host resources.
type Guard struct {
	grants   Grants
	limiter  *RateLimiter
	recorder Recorder
	metrics  Metrics
	logger   zerolog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithRecorder audits denials.
func WithRecorder(r Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

// WithMetrics counts denials.
func WithMetrics(m Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// New creates a new guard
func New(grants Grants, cfg Config, logger zerolog.Logger, opts ...Option) *Guard {
	windows := cfg.Windows
	if windows == nil {
		windows = DefaultWindows()
	}
	g := &Guard{
		grants:  grants,
		limiter: NewRateLimiter(windows, cfg.Clock),
		logger:  logger.With().Str("component", "guard").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize checks one host call: capability, then tenant isolation, then the
// rate limit. Only allowed calls count against the rate limit.
func (g *Guard) Authorize(ctx context.Context, pluginID, api, tenantID string) error {
	spec, known := Lookup(api)
	if !known {
		return g.deny(&AccessError{Kind: CapabilityDenied, PluginID: pluginID, API: api, TenantID: tenantID, Detail: "unknown host API"})
	}

	grant, ok := g.grants.Get(pluginID)
	if !ok || !grant.Has(spec.Capability) {
		return g.deny(&AccessError{
			Kind:     CapabilityDenied,
			PluginID: pluginID,
			API:      api,
			TenantID: tenantID,
			Detail:   "missing " + spec.Capability.String(),
		})
	}

	if spec.TenantScoped {
		exec, ok := ExecutionFrom(ctx)
		switch {
		case tenantID == "":
			return g.deny(&AccessError{Kind: TenantViolation, PluginID: pluginID, API: api, Detail: "tenant context required"})
		case !ok || exec.TenantID == "":
			return g.deny(&AccessError{Kind: TenantViolation, PluginID: pluginID, API: api, TenantID: tenantID, Detail: "no tenant execution context"})
		case exec.TenantID != tenantID:
			return g.deny(&AccessError{
				Kind:     TenantViolation,
				PluginID: pluginID,
				API:      api,
				TenantID: tenantID,
				Detail:   fmt.Sprintf("executing for tenant %s", exec.TenantID),
			})
		}
	}

	if allowed, w, retry := g.limiter.Allow(pluginID); !allowed {
		return g.deny(&AccessError{
			Kind:     RateLimitExceeded,
			PluginID: pluginID,
			API:      api,
			TenantID: tenantID,
			Detail:   fmt.Sprintf("%d calls per %s, retry in %s", w.Limit, w.Size, retry.Round(time.Millisecond)),
		})
	}

	return nil
}

// RunHook runs fn under a deadline. A hook that panics fails with the panic
// value; a hook that outlives its deadline fails with a Timeout AccessError
// and keeps running in the background with a cancelled context.
func (g *Guard) RunHook(ctx context.Context, pluginID, hook string, timeout time.Duration, fn func(context.Context) error) error {
	hookCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		hookCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().
					Str("plugin", pluginID).
					Str("hook", hook).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Plugin hook panicked")
				done <- fmt.Errorf("hook %s panicked: %v", hook, r)
			}
		}()
		done <- fn(hookCtx)
	}()

	var err error
	select {
	case err = <-done:
		// A hook that gives up on its own deadline still counts as a timeout.
		if err == nil || hookCtx.Err() == nil {
			return err
		}
	case <-hookCtx.Done():
		err = hookCtx.Err()
	}
	if errors.Is(hookCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return g.deny(&AccessError{
			Kind:     Timeout,
			PluginID: pluginID,
			API:      hook,
			TenantID: tenantFrom(ctx),
			Detail:   fmt.Sprintf("exceeded %s", timeout),
		})
	}
	return err
}

// Limiter exposes the rate limiter.
func (g *Guard) Limiter() *RateLimiter {
	return g.limiter
}

func (g *Guard) deny(err *AccessError) error {
	g.logger.Warn().
		Str("plugin", err.PluginID).
		Str("api", err.API).
		Str("tenant", err.TenantID).
		Str("kind", err.Kind.String()).
		Str("detail", err.Detail).
		Msg("Access denied")

	if g.metrics != nil {
		g.metrics.ObserveDenial(err.PluginID, err.Kind.String())
	}
	if g.recorder != nil {
		g.recorder.Record(audit.Record{
			PluginID: err.PluginID,
			Action:   "guard." + err.Kind.String(),
			TenantID: err.TenantID,
			ActorID:  err.PluginID,
			Success:  false,
			Error:    err.Error(),
		})
	}
	return err
}

func tenantFrom(ctx context.Context) string {
	exec, _ := ExecutionFrom(ctx)
	return exec.TenantID
}
