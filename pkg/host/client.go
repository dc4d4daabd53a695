package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/guard"
)

// ErrUnavailable is returned when the host has no backend for an API.
var ErrUnavailable = errors.New("host API unavailable")

// Client is a plugin's handle on the host. Every method is authorized for the
// client's plugin; tenant-scoped methods also require ctx to carry an
// execution for the same tenant.
type Client struct {
	pluginID string
	host     *Host
	logger   zerolog.Logger
}

// PluginID returns the plugin the client acts for.
func (c *Client) PluginID() string {
	return c.pluginID
}

// RunningFor reports whether the client's plugin is running for the tenant.
func (c *Client) RunningFor(tenantID string) bool {
	return c.host.isRunning(c.pluginID, tenantID)
}

// Logger returns a logger tagged with the plugin id.
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

// call authorizes api, runs fn and audits the outcome.
func (c *Client) call(ctx context.Context, api, tenantID string, fn func() error) error {
	if err := c.host.deps.Guard.Authorize(ctx, c.pluginID, api, tenantID); err != nil {
		return err
	}
	if c.host.deps.Metrics != nil {
		c.host.deps.Metrics.ObserveHostCall(c.pluginID, api)
	}

	err := fn()

	if c.host.deps.Recorder != nil {
		rec := audit.Record{
			PluginID: c.pluginID,
			Action:   api,
			TenantID: tenantID,
			ActorID:  c.pluginID,
			Success:  err == nil,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		c.host.deps.Recorder.Record(rec)
	}
	return err
}

// ReadOwn reads a value the plugin stored for the tenant.
func (c *Client) ReadOwn(ctx context.Context, tenantID, key string) ([]byte, bool, error) {
	return c.read(ctx, guard.APIReadOwn, tenantID, c.pluginID, key)
}

// WriteOwn stores a value for the tenant.
func (c *Client) WriteOwn(ctx context.Context, tenantID, key string, value []byte) error {
	return c.write(ctx, guard.APIWriteOwn, tenantID, c.pluginID, key, value)
}

// ReadTenant reads a value another plugin stored for the tenant.
func (c *Client) ReadTenant(ctx context.Context, tenantID, owner, key string) ([]byte, bool, error) {
	return c.read(ctx, guard.APIReadTenant, tenantID, owner, key)
}

// WriteTenant stores a value in another plugin's namespace for the tenant.
func (c *Client) WriteTenant(ctx context.Context, tenantID, owner, key string, value []byte) error {
	return c.write(ctx, guard.APIWriteTenant, tenantID, owner, key, value)
}

func (c *Client) read(ctx context.Context, api, tenantID, owner, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := c.call(ctx, api, tenantID, func() error {
		if c.host.deps.Data == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, api)
		}
		var err error
		value, found, err = c.host.deps.Data.GetPluginData(ctx, tenantID, owner, key)
		return err
	})
	return value, found, err
}

func (c *Client) write(ctx context.Context, api, tenantID, owner, key string, value []byte) error {
	return c.call(ctx, api, tenantID, func() error {
		if c.host.deps.Data == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, api)
		}
		return c.host.deps.Data.PutPluginData(ctx, tenantID, owner, key, value)
	})
}

// Emit publishes an event to the tenant's listeners.
func (c *Client) Emit(ctx context.Context, tenantID, eventType string, payload map[string]any) error {
	return c.call(ctx, guard.APIEmit, tenantID, func() error {
		c.host.bus.Publish(Event{
			Type:     eventType,
			TenantID: tenantID,
			Source:   c.pluginID,
			Payload:  payload,
			At:       time.Now(),
		})
		return nil
	})
}

// Listen registers a handler for an event type. The returned function
// unsubscribes.
func (c *Client) Listen(ctx context.Context, eventType string, h Handler) (func(), error) {
	var cancel func()
	err := c.call(ctx, guard.APIListen, "", func() error {
		cancel = c.host.bus.Subscribe(c.pluginID, eventType, h)
		return nil
	})
	return cancel, err
}

// Schedule runs job on a cron spec. The job inherits the execution carried
// by ctx; a job scheduled for a tenant only runs while the plugin is running
// for that tenant.
func (c *Client) Schedule(ctx context.Context, spec string, job Job) (string, error) {
	exec, _ := guard.ExecutionFrom(ctx)
	pluginID := c.pluginID

	var handle string
	err := c.call(ctx, guard.APISchedule, "", func() error {
		var err error
		handle, err = c.host.scheduler.Add(pluginID, spec, func() {
			if exec.TenantID != "" && !c.host.isRunning(pluginID, exec.TenantID) {
				return
			}
			job(guard.WithExecution(context.Background(), pluginID, exec.TenantID))
		})
		return err
	})
	return handle, err
}

// Unschedule cancels one of the plugin's jobs.
func (c *Client) Unschedule(ctx context.Context, handle string) error {
	return c.call(ctx, guard.APISchedule, "", func() error {
		return c.host.scheduler.Remove(c.pluginID, handle)
	})
}

// Fetch performs an outbound HTTP request.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.call(ctx, guard.APIFetch, "", func() error {
		var err error
		resp, err = c.host.deps.HTTPClient.Do(req.WithContext(ctx))
		return err
	})
	return resp, err
}

// SendBotMessage sends a chat message on behalf of the tenant.
func (c *Client) SendBotMessage(ctx context.Context, tenantID string, chatID int64, text string) error {
	return c.call(ctx, guard.APIBotSend, tenantID, func() error {
		if c.host.deps.Bot == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, guard.APIBotSend)
		}
		return c.host.deps.Bot.Send(ctx, chatID, text)
	})
}

// EnablePlugin enables another plugin for the tenant.
func (c *Client) EnablePlugin(ctx context.Context, tenantID, pluginID string) error {
	return c.call(ctx, guard.APIManagePlugin, tenantID, func() error {
		pm := c.host.manager()
		if pm == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, guard.APIManagePlugin)
		}
		return pm.Enable(ctx, pluginID, tenantID, "plugin:"+c.pluginID)
	})
}

// DisablePlugin disables another plugin for the tenant.
func (c *Client) DisablePlugin(ctx context.Context, tenantID, pluginID string) error {
	return c.call(ctx, guard.APIManagePlugin, tenantID, func() error {
		pm := c.host.manager()
		if pm == nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, guard.APIManagePlugin)
		}
		return pm.Disable(ctx, pluginID, tenantID, "plugin:"+c.pluginID)
	})
}
