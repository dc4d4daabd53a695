package guard

import "context"

type executionKey struct{}

// Execution identifies the plugin and tenant a piece of plugin code runs for.
type Execution struct {
	PluginID string
	TenantID string
}

// WithExecution marks ctx as running plugin code for a tenant. Hooks receive
// such a context from the orchestrator.
func WithExecution(ctx context.Context, pluginID, tenantID string) context.Context {
	return context.WithValue(ctx, executionKey{}, Execution{PluginID: pluginID, TenantID: tenantID})
}

// ExecutionFrom returns the execution carried by ctx.
func ExecutionFrom(ctx context.Context) (Execution, bool) {
	exec, ok := ctx.Value(executionKey{}).(Execution)
	return exec, ok
}
