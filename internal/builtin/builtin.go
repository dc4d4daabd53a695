// Package builtin holds the plugins compiled into the plugd binary.
package builtin

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/host"
	"github.com/harun/plugd/pkg/plugin"
)

// Host event types relayed from the lifecycle
const (
	EventPluginEnabled  = "plugin.enabled"
	EventPluginDisabled = "plugin.disabled"
)

// SourceRuntime is the event source of relayed lifecycle events
const SourceRuntime = "plugd"

// Providers returns every builtin plugin
func Providers() []plugin.Provider {
	return []plugin.Provider{
		NewCore(),
		NewNotifications(),
	}
}

// RelayLifecycle turns successful tenant enable and disable records into
// host events until ctx is done or records closes.
func RelayLifecycle(ctx context.Context, records <-chan audit.Record, bus *host.EventBus, logger zerolog.Logger) {
	logger = logger.With().Str("component", "lifecycle-relay").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-records:
			if !ok {
				return
			}
			eventType, ok := lifecycleEvent(r)
			if !ok {
				continue
			}
			n := bus.Publish(host.Event{
				Type:     eventType,
				TenantID: r.TenantID,
				Source:   SourceRuntime,
				Payload: map[string]any{
					"plugin_id": r.PluginID,
					"actor":     r.ActorID,
				},
				At: r.Timestamp,
			})
			logger.Debug().Str("event", eventType).Str("plugin", r.PluginID).Str("tenant", r.TenantID).Int("listeners", n).Msg("Relayed lifecycle event")
		}
	}
}

func lifecycleEvent(r audit.Record) (string, bool) {
	if !r.Success || r.TenantID == "" {
		return "", false
	}
	switch r.Action {
	case "lifecycle.enable":
		return EventPluginEnabled, true
	case "lifecycle.disable":
		return EventPluginDisabled, true
	}
	return "", false
}
