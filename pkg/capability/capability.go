// Package capability defines the host-resource permissions a plugin can hold
// and the registry of grants consulted on every guarded host call.
package capability

import (
	"math/bits"
	"sort"
	"strings"
)

// Capability is a fixed-width bitset. A single bit names one permission; any
// union of bits is a grant.
type Capability uint16

// Individual capabilities.
const (
	ReadOwnData Capability = 1 << iota
	WriteOwnData
	ReadTenantData
	WriteTenantData
	EmitEvents
	ListenEvents
	ScheduleJobs
	NetworkEgress
	ExternalBotSend
	ManageOtherPlugins
)

// Presets.
const (
	None       Capability = 0
	OwnData               = ReadOwnData | WriteOwnData
	TenantData            = ReadTenantData | WriteTenantData
	Events                = EmitEvents | ListenEvents
	All                   = OwnData | TenantData | Events | ScheduleJobs | NetworkEgress | ExternalBotSend | ManageOtherPlugins

	// BuiltinPolicy is the ceiling for plugins shipped with the host.
	BuiltinPolicy = All

	// ExternalPolicy is the ceiling for externally installed plugins. They can
	// never write data owned by other plugins of the tenant nor drive other
	// plugins' lifecycles.
	ExternalPolicy = All &^ (WriteTenantData | ManageOtherPlugins)
)

var names = []struct {
	c    Capability
	name string
}{
	{ReadOwnData, "read_own_data"},
	{WriteOwnData, "write_own_data"},
	{ReadTenantData, "read_tenant_data"},
	{WriteTenantData, "write_tenant_data"},
	{EmitEvents, "emit_events"},
	{ListenEvents, "listen_events"},
	{ScheduleJobs, "schedule_jobs"},
	{NetworkEgress, "network_egress"},
	{ExternalBotSend, "external_bot_send"},
	{ManageOtherPlugins, "manage_other_plugins"},
}

var byName = func() map[string]Capability {
	m := make(map[string]Capability, len(names))
	for _, n := range names {
		m[n.name] = n.c
	}
	return m
}()

// Parse returns the capability with the given manifest name.
func Parse(name string) (Capability, bool) {
	c, ok := byName[strings.TrimSpace(name)]
	return c, ok
}

// ParseAll folds the recognized names into one set and returns the names it
// did not recognize, in input order.
func ParseAll(list []string) (Capability, []string) {
	var set Capability
	var unknown []string
	for _, name := range list {
		c, ok := Parse(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		set |= c
	}
	return set, unknown
}

// Known reports whether name is a recognized capability.
func Known(name string) bool {
	_, ok := Parse(name)
	return ok
}

// Has reports whether every bit of other is present in c.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// Intersect returns the bits present in both sets.
func (c Capability) Intersect(other Capability) Capability {
	return c & other
}

// Union returns the bits present in either set.
func (c Capability) Union(other Capability) Capability {
	return c | other
}

// Count returns the number of capabilities in the set.
func (c Capability) Count() int {
	return bits.OnesCount16(uint16(c))
}

// Names returns the manifest names of the set, sorted.
func (c Capability) Names() []string {
	out := make([]string, 0, c.Count())
	for _, n := range names {
		if c.Has(n.c) {
			out = append(out, n.name)
		}
	}
	sort.Strings(out)
	return out
}

func (c Capability) String() string {
	if c == None {
		return "none"
	}
	return strings.Join(c.Names(), ",")
}

// Effective clamps a declared set to a classification policy. The result is
// always a subset of both.
func Effective(declared, policy Capability) Capability {
	return declared & policy
}
