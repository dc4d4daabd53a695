package host

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/capability"
	"github.com/harun/plugd/pkg/guard"
)

type memoryData struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryData) GetPluginData(_ context.Context, tenantID, owner, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[tenantID+"/"+owner+"/"+key]
	return v, ok, nil
}

func (m *memoryData) PutPluginData(_ context.Context, tenantID, owner, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[tenantID+"/"+owner+"/"+key] = value
	return nil
}

type recordingBot struct {
	mu   sync.Mutex
	sent []string
}

func (b *recordingBot) Send(_ context.Context, chatID int64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, fmt.Sprintf("%d:%s", chatID, text))
	return nil
}

type fakeManager struct {
	mu      sync.Mutex
	running map[string]bool
	calls   []string
}

func (m *fakeManager) Enable(_ context.Context, pluginID, tenantID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "enable "+pluginID+" "+tenantID+" by "+actor)
	return nil
}

func (m *fakeManager) Disable(_ context.Context, pluginID, tenantID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "disable "+pluginID+" "+tenantID+" by "+actor)
	return nil
}

func (m *fakeManager) IsRunning(pluginID, tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[pluginID+"/"+tenantID]
}

type testHost struct {
	*Host
	caps    *capability.Registry
	auditor *audit.Auditor
	data    *memoryData
	bot     *recordingBot
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	caps := capability.NewRegistry(zerolog.Nop())
	auditor := audit.New(audit.Config{BurstThreshold: 10000}, zerolog.Nop())
	g := guard.New(caps, guard.Config{}, zerolog.Nop(), guard.WithRecorder(auditor))
	data := &memoryData{}
	bot := &recordingBot{}
	h := New(Deps{Guard: g, Recorder: auditor, Data: data, Bot: bot}, zerolog.Nop())
	return &testHost{Host: h, caps: caps, auditor: auditor, data: data, bot: bot}
}

func TestClient_OwnData(t *testing.T) {
	h := newTestHost(t)
	h.caps.Grant("notes", capability.OwnData, capability.ExternalPolicy)
	c := h.Client("notes")
	ctx := guard.WithExecution(context.Background(), "notes", "acme")

	require.NoError(t, c.WriteOwn(ctx, "acme", "greeting", []byte("hi")))

	v, ok, err := c.ReadOwn(ctx, "acme", "greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hi", string(v))

	_, ok, err = c.ReadOwn(ctx, "acme", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	records := h.auditor.ForPlugin("notes", 0)
	require.Len(t, records, 3)
	assert.Equal(t, guard.APIReadOwn, records[0].Action)
	assert.True(t, records[0].Success)
}

func TestClient_TenantIsolation(t *testing.T) {
	h := newTestHost(t)
	h.caps.Grant("notes", capability.OwnData, capability.ExternalPolicy)
	c := h.Client("notes")
	acme := guard.WithExecution(context.Background(), "notes", "acme")

	err := c.WriteOwn(acme, "globex", "k", []byte("v"))
	assert.ErrorIs(t, err, guard.ErrTenantViolation)
	assert.Empty(t, h.data.data)
}

func TestClient_CapabilityDenied(t *testing.T) {
	h := newTestHost(t)
	h.caps.Grant("reader", capability.ReadOwnData, capability.ExternalPolicy)
	c := h.Client("reader")
	ctx := guard.WithExecution(context.Background(), "reader", "acme")

	assert.ErrorIs(t, c.WriteOwn(ctx, "acme", "k", nil), guard.ErrCapabilityDenied)
	assert.ErrorIs(t, c.WriteTenant(ctx, "acme", "other", "k", nil), guard.ErrCapabilityDenied)
	assert.ErrorIs(t, c.SendBotMessage(ctx, "acme", 1, "x"), guard.ErrCapabilityDenied)
	_, err := c.Listen(ctx, "order.created", func(context.Context, Event) error { return nil })
	assert.ErrorIs(t, err, guard.ErrCapabilityDenied)
}

func TestClient_ExternalCannotManagePlugins(t *testing.T) {
	h := newTestHost(t)
	h.caps.Grant("ext", capability.All, capability.ExternalPolicy)
	pm := &fakeManager{}
	h.AttachManager(pm)

	ctx := guard.WithExecution(context.Background(), "ext", "acme")
	assert.ErrorIs(t, h.Client("ext").EnablePlugin(ctx, "acme", "billing"), guard.ErrCapabilityDenied)
	assert.Empty(t, pm.calls)
}

func TestClient_ManagePlugins(t *testing.T) {
	h := newTestHost(t)
	h.caps.Grant("admin", capability.ManageOtherPlugins, capability.BuiltinPolicy)
	pm := &fakeManager{}
	h.AttachManager(pm)

	ctx := guard.WithExecution(context.Background(), "admin", "acme")
	require.NoError(t, h.Client("admin").EnablePlugin(ctx, "acme", "billing"))
	require.NoError(t, h.Client("admin").DisablePlugin(ctx, "acme", "billing"))
	assert.Equal(t, []string{
		"enable billing acme by plugin:admin",
		"disable billing acme by plugin:admin",
	}, pm.calls)
}

func TestClient_EventsReachRunningListenersOnly(t *testing.T) {
	h := newTestHost(t)
	h.caps.Grant("orders", capability.Events, capability.BuiltinPolicy)
	h.caps.Grant("mailer", capability.Events|capability.OwnData, capability.BuiltinPolicy)
	h.caps.Grant("idle", capability.Events, capability.BuiltinPolicy)
	h.AttachManager(&fakeManager{running: map[string]bool{"mailer/acme": true}})

	received := make(chan Event, 2)
	_, err := h.Client("mailer").Listen(context.Background(), "order.created", func(ctx context.Context, ev Event) error {
		exec, ok := guard.ExecutionFrom(ctx)
		if ok && exec.PluginID == "mailer" && exec.TenantID == ev.TenantID {
			// The listener may touch its own data for the event's tenant.
			if err := h.Client("mailer").WriteOwn(ctx, ev.TenantID, "last", []byte(ev.Source)); err != nil {
				return err
			}
		}
		received <- ev
		return nil
	})
	require.NoError(t, err)
	_, err = h.Client("idle").Listen(context.Background(), "order.created", func(context.Context, Event) error {
		t.Error("idle plugin must not receive events")
		return nil
	})
	require.NoError(t, err)

	ctx := guard.WithExecution(context.Background(), "orders", "acme")
	require.NoError(t, h.Client("orders").Emit(ctx, "acme", "order.created", map[string]any{"id": 7}))

	select {
	case ev := <-received:
		assert.Equal(t, "orders", ev.Source)
		assert.Equal(t, 7, ev.Payload["id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	h.Bus().Wait(context.Background())
	v, ok, _ := h.data.GetPluginData(context.Background(), "acme", "mailer", "last")
	assert.True(t, ok)
	assert.Equal(t, "orders", string(v))
}

func TestClient_ScheduleAndRelease(t *testing.T) {
	h := newTestHost(t)
	h.caps.Grant("cronjob", capability.ScheduleJobs, capability.ExternalPolicy)
	c := h.Client("cronjob")
	ctx := context.Background()

	handle, err := c.Schedule(ctx, "@every 1h", func(context.Context) {})
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, []string{handle}, h.Scheduler().Jobs("cronjob"))

	_, err = c.Schedule(ctx, "not a cron spec", func(context.Context) {})
	assert.Error(t, err)

	assert.Error(t, h.Client("other").Unschedule(ctx, handle))

	h.Release("cronjob")
	assert.Empty(t, h.Scheduler().Jobs("cronjob"))
}

func TestClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	h := newTestHost(t)
	h.caps.Grant("fetcher", capability.NetworkEgress, capability.ExternalPolicy)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := h.Client("fetcher").Fetch(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	_, err = h.Client("offline").Fetch(context.Background(), req)
	assert.ErrorIs(t, err, guard.ErrCapabilityDenied)
}

func TestClient_SendBotMessage(t *testing.T) {
	h := newTestHost(t)
	h.caps.Grant("notify", capability.ExternalBotSend, capability.ExternalPolicy)
	ctx := guard.WithExecution(context.Background(), "notify", "acme")

	require.NoError(t, h.Client("notify").SendBotMessage(ctx, "acme", 42, "hello"))
	assert.Equal(t, []string{"42:hello"}, h.bot.sent)
}
