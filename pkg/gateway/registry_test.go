package gateway

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plugd/pkg/audit"
)

func clientIDs(clients []*Client) []string {
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestClientRegistry_Matching(t *testing.T) {
	r := NewClientRegistry()
	now := time.Now()
	for i, id := range []string{"ops", "acme-all", "acme-billing", "globex", "pending"} {
		r.Add(&Client{ID: id, ConnectedAt: now.Add(time.Duration(i) * time.Second)})
	}
	require.True(t, r.Subscribe("ops", FeedFilter{}))
	require.True(t, r.Subscribe("acme-all", FeedFilter{TenantID: "acme"}))
	require.True(t, r.Subscribe("acme-billing", FeedFilter{TenantID: "acme", PluginID: "billing"}))
	require.True(t, r.Subscribe("globex", FeedFilter{TenantID: "globex"}))
	assert.False(t, r.Subscribe("gone", FeedFilter{}))

	tests := []struct {
		name string
		rec  audit.Record
		want []string
	}{
		{"tenant and plugin", audit.Record{TenantID: "acme", PluginID: "billing"}, []string{"acme-all", "acme-billing", "ops"}},
		{"other plugin", audit.Record{TenantID: "acme", PluginID: "crm"}, []string{"acme-all", "ops"}},
		{"other tenant", audit.Record{TenantID: "globex", PluginID: "billing"}, []string{"globex", "ops"}},
		{"no tenant", audit.Record{PluginID: "billing"}, []string{"ops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clientIDs(r.Matching(tt.rec)))
		})
	}

	assert.Len(t, r.Subscribers(), 4)
	assert.Equal(t, 5, r.Count())

	infos := r.Info()
	require.Len(t, infos, 5)
	assert.Equal(t, "ops", infos[0].ID)
	assert.Equal(t, FeedFilter{TenantID: "acme", PluginID: "billing"}, infos[2].Filter)
	assert.False(t, infos[4].Authenticated)
}

func TestClientRegistry_Resubscribe(t *testing.T) {
	r := NewClientRegistry()
	r.Add(&Client{ID: "c1"})
	require.True(t, r.Subscribe("c1", FeedFilter{TenantID: "acme"}))
	require.True(t, r.Subscribe("c1", FeedFilter{TenantID: "globex"}))

	assert.Empty(t, r.Matching(audit.Record{TenantID: "acme"}))
	assert.Equal(t, []string{"c1"}, clientIDs(r.Matching(audit.Record{TenantID: "globex"})))

	r.Remove("c1")
	assert.Empty(t, r.Matching(audit.Record{TenantID: "globex"}))
	assert.Empty(t, r.Subscribers())
	assert.Zero(t, r.Count())
	assert.Empty(t, r.byTenant)
}
