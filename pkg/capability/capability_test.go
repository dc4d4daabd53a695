package capability

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAll(t *testing.T) {
	set, unknown := ParseAll([]string{"read_own_data", "emit_events", "teleport", " schedule_jobs "})

	assert.True(t, set.Has(ReadOwnData))
	assert.True(t, set.Has(EmitEvents))
	assert.True(t, set.Has(ScheduleJobs))
	assert.False(t, set.Has(WriteOwnData))
	assert.Equal(t, []string{"teleport"}, unknown)
	assert.Equal(t, 3, set.Count())
}

func TestCapability_Has(t *testing.T) {
	assert.True(t, OwnData.Has(ReadOwnData))
	assert.True(t, All.Has(OwnData|Events))
	assert.False(t, OwnData.Has(ReadOwnData|EmitEvents))
	assert.True(t, None.Has(None))
}

func TestCapability_String(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "emit_events,listen_events", Events.String())
}

func TestEffective_IsSubsetOfDeclaredAndPolicy(t *testing.T) {
	for declared := Capability(0); declared <= All; declared++ {
		for _, policy := range []Capability{BuiltinPolicy, ExternalPolicy} {
			got := Effective(declared, policy)
			require.True(t, declared.Has(got))
			require.True(t, policy.Has(got))
		}
	}
}

func TestExternalPolicy(t *testing.T) {
	assert.False(t, ExternalPolicy.Has(ManageOtherPlugins))
	assert.False(t, ExternalPolicy.Has(WriteTenantData))
	assert.True(t, ExternalPolicy.Has(ReadTenantData))
	assert.True(t, BuiltinPolicy.Has(ManageOtherPlugins))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	got := r.Grant("billing", OwnData|ManageOtherPlugins, ExternalPolicy)
	assert.Equal(t, OwnData, got)

	grant, ok := r.Get("billing")
	require.True(t, ok)
	assert.Equal(t, OwnData, grant)

	assert.True(t, r.Has("billing", ReadOwnData))
	assert.False(t, r.Has("billing", ManageOtherPlugins))
	assert.False(t, r.Has("unknown", None|ReadOwnData))

	r.Revoke("billing")
	_, ok = r.Get("billing")
	assert.False(t, ok)
}
