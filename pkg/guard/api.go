package guard

import (
	"sort"

	"github.com/harun/plugd/pkg/capability"
)

// Host API names. Every call a plugin makes into the host names one of these.
const (
	APIReadOwn      = "data.own.read"
	APIWriteOwn     = "data.own.write"
	APIReadTenant   = "data.tenant.read"
	APIWriteTenant  = "data.tenant.write"
	APIEmit         = "events.emit"
	APIListen       = "events.listen"
	APISchedule     = "jobs.schedule"
	APIFetch        = "net.fetch"
	APIBotSend      = "bot.send"
	APIManagePlugin = "plugins.manage"
)

// APISpec is the static requirement of a host API.
type APISpec struct {
	Capability   capability.Capability
	TenantScoped bool
}

var apis = map[string]APISpec{
	APIReadOwn:      {capability.ReadOwnData, true},
	APIWriteOwn:     {capability.WriteOwnData, true},
	APIReadTenant:   {capability.ReadTenantData, true},
	APIWriteTenant:  {capability.WriteTenantData, true},
	APIEmit:         {capability.EmitEvents, true},
	APIListen:       {capability.ListenEvents, false},
	APISchedule:     {capability.ScheduleJobs, false},
	APIFetch:        {capability.NetworkEgress, false},
	APIBotSend:      {capability.ExternalBotSend, true},
	APIManagePlugin: {capability.ManageOtherPlugins, true},
}

// Lookup returns the requirement of a host API.
func Lookup(api string) (APISpec, bool) {
	spec, ok := apis[api]
	return spec, ok
}

// APIs returns every known API name, sorted.
func APIs() []string {
	out := make([]string, 0, len(apis))
	for name := range apis {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
