package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/capability"
	"github.com/harun/plugd/pkg/guard"
	"github.com/harun/plugd/pkg/host"
	"github.com/harun/plugd/pkg/plugin"
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

func (b *recordingBot) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

type stack struct {
	orch   *plugin.Orchestrator
	host   *host.Host
	data   *memoryData
	bot    *recordingBot
	notify *Notifications
}

func newStack(t *testing.T) *stack {
	t.Helper()
	caps := capability.NewRegistry(zerolog.Nop())
	auditor := audit.New(audit.Config{BurstThreshold: 100000, FailureThreshold: 100000}, zerolog.Nop())
	g := guard.New(caps, guard.Config{}, zerolog.Nop(), guard.WithRecorder(auditor))
	data := &memoryData{}
	bot := &recordingBot{}
	h := host.New(host.Deps{Guard: g, Recorder: auditor, Data: data, Bot: bot}, zerolog.Nop())
	reg := plugin.NewRegistry(caps, zerolog.Nop())
	orch, err := plugin.NewOrchestrator(plugin.Config{}, plugin.Deps{Registry: reg, Guard: g, Host: h, Recorder: auditor}, zerolog.Nop())
	require.NoError(t, err)

	s := &stack{orch: orch, host: h, data: data, bot: bot}
	for _, p := range Providers() {
		if n, ok := p.(*Notifications); ok {
			s.notify = n
		}
		_, err := orch.Discover(p, "test")
		require.NoError(t, err)
	}
	_, err = orch.Discover(&plugin.StaticProvider{M: plugin.Manifest{
		ID: "notes", Name: "Notes", Version: "1.0.0", Classification: plugin.ClassBuiltin,
	}}, "test")
	require.NoError(t, err)

	res, err := orch.Start(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Failed)

	ctx, cancel := context.WithCancel(context.Background())
	records, unsubscribe := auditor.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		RelayLifecycle(ctx, records, h.Bus(), zerolog.Nop())
	}()
	h.Start()

	t.Cleanup(func() {
		cancel()
		<-done
		unsubscribe()
		stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		h.Stop(stopCtx)
	})
	return s
}

func (s *stack) changelog(t *testing.T, tenantID string) []ChangelogEntry {
	t.Helper()
	raw, ok, err := s.data.GetPluginData(context.Background(), tenantID, "core", ChangelogKey)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	var log []ChangelogEntry
	require.NoError(t, json.Unmarshal(raw, &log))
	return log
}

func TestProviders(t *testing.T) {
	v := plugin.NewValidator(zerolog.Nop())
	ids := map[string]bool{}
	for _, p := range Providers() {
		m := p.Manifest()
		data, err := json.Marshal(m)
		require.NoError(t, err)
		res := v.Validate(data)
		assert.True(t, res.Valid, "%s: %v", m.ID, res.Err())
		assert.Equal(t, plugin.ClassBuiltin, m.Classification)
		ids[m.ID] = true
	}
	assert.Equal(t, map[string]bool{"core": true, "notifications": true}, ids)
}

func TestLifecycleEvent(t *testing.T) {
	tests := []struct {
		record audit.Record
		want   string
	}{
		{audit.Record{Action: "lifecycle.enable", TenantID: "acme", Success: true}, EventPluginEnabled},
		{audit.Record{Action: "lifecycle.disable", TenantID: "acme", Success: true}, EventPluginDisabled},
		{audit.Record{Action: "lifecycle.enable", TenantID: "acme"}, ""},
		{audit.Record{Action: "lifecycle.load", Success: true}, ""},
		{audit.Record{Action: "data.own.write", TenantID: "acme", Success: true}, ""},
	}
	for _, tt := range tests {
		got, ok := lifecycleEvent(tt.record)
		assert.Equal(t, tt.want != "", ok, tt.record.Action)
		assert.Equal(t, tt.want, got)
	}
}

func TestCoreKeepsChangelog(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	require.NoError(t, s.orch.Enable(ctx, "notes", "acme", "alice"))
	require.NoError(t, s.orch.Disable(ctx, "notes", "acme", "bob"))

	require.Eventually(t, func() bool { return len(s.changelog(t, "acme")) == 2 }, 2*time.Second, 10*time.Millisecond)

	actors := map[string]string{}
	for _, e := range s.changelog(t, "acme") {
		assert.Equal(t, "notes", e.PluginID)
		actors[e.Event] = e.Actor
	}
	assert.Equal(t, map[string]string{EventPluginEnabled: "alice", EventPluginDisabled: "bob"}, actors)
	assert.Empty(t, s.changelog(t, "globex"))
}

func TestNotifications(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	reg := s.orch.Registry()

	t.Run("chat id required", func(t *testing.T) {
		err := s.orch.Enable(ctx, "notifications", "acme", "alice")
		assert.ErrorIs(t, err, plugin.ErrInvalidConfig)
	})

	require.NoError(t, reg.SetTenantConfig("notifications", "acme", map[string]any{
		"chat_id":         42,
		"digest_schedule": "@every 1h",
	}))
	require.NoError(t, s.orch.Enable(ctx, "notifications", "acme", "alice"))
	assert.Len(t, s.host.Scheduler().Jobs("notifications"), 1)

	t.Run("forwards plugin changes", func(t *testing.T) {
		require.NoError(t, s.orch.Enable(ctx, "notes", "acme", "alice"))
		require.Eventually(t, func() bool { return len(s.bot.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, "42:notes was enabled by alice", s.bot.messages()[0])
	})

	t.Run("other tenants stay quiet", func(t *testing.T) {
		require.NoError(t, s.orch.Enable(ctx, "notes", "globex", "carol"))
		require.Eventually(t, func() bool { return len(s.changelog(t, "globex")) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Len(t, s.bot.messages(), 1)
	})

	t.Run("digest", func(t *testing.T) {
		require.Eventually(t, func() bool { return len(s.changelog(t, "acme")) >= 2 }, 2*time.Second, 10*time.Millisecond)

		execCtx := guard.WithExecution(ctx, "notifications", "acme")
		text, err := s.notify.Digest(execCtx, "acme")
		require.NoError(t, err)
		assert.Contains(t, text, "notes was enabled by alice")

		s.notify.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
		text, err = s.notify.Digest(execCtx, "acme")
		require.NoError(t, err)
		assert.Empty(t, text)
		s.notify.now = time.Now
	})

	t.Run("disable cancels digest", func(t *testing.T) {
		require.NoError(t, s.orch.Disable(ctx, "notifications", "acme", "alice"))
		assert.Empty(t, s.host.Scheduler().Jobs("notifications"))
	})
}

func TestToInt64(t *testing.T) {
	for _, v := range []any{42, int64(42), float64(42), "42"} {
		n, ok := toInt64(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, int64(42), n)
	}
	_, ok := toInt64(4.5)
	assert.False(t, ok)
	_, ok = toInt64(nil)
	assert.False(t, ok)
}
