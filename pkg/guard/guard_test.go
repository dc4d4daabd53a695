package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/capability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingMetrics struct {
	mu      sync.Mutex
	denials map[string]int
}

func (m *countingMetrics) ObserveDenial(_, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denials == nil {
		m.denials = make(map[string]int)
	}
	m.denials[kind]++
}

func newTestGuard(t *testing.T, windows []Window) (*Guard, *capability.Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	caps := capability.NewRegistry(zerolog.Nop())
	g := New(caps, Config{Windows: windows, Clock: clock.Now}, zerolog.Nop())
	return g, caps, clock
}

func TestAuthorize_CapabilityDeniedRegardlessOfTenant(t *testing.T) {
	g, caps, _ := newTestGuard(t, nil)
	caps.Grant("reader", capability.ReadOwnData, capability.BuiltinPolicy)

	contexts := []struct {
		name   string
		ctx    context.Context
		tenant string
	}{
		{"no tenant", context.Background(), ""},
		{"matching tenant", WithExecution(context.Background(), "reader", "t1"), "t1"},
		{"mismatched tenant", WithExecution(context.Background(), "reader", "t1"), "t2"},
	}

	for _, tc := range contexts {
		t.Run(tc.name, func(t *testing.T) {
			err := g.Authorize(tc.ctx, "reader", APIWriteOwn, tc.tenant)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCapabilityDenied)
			assert.True(t, IsKind(err, CapabilityDenied))
		})
	}
}

func TestAuthorize_UnknownPluginAndAPI(t *testing.T) {
	g, caps, _ := newTestGuard(t, nil)
	caps.Grant("all", capability.All, capability.BuiltinPolicy)

	assert.ErrorIs(t, g.Authorize(context.Background(), "ghost", APIListen, ""), ErrCapabilityDenied)
	assert.ErrorIs(t, g.Authorize(context.Background(), "all", "fs.delete", ""), ErrCapabilityDenied)
}

func TestAuthorize_TenantIsolation(t *testing.T) {
	g, caps, _ := newTestGuard(t, nil)
	caps.Grant("crm", capability.OwnData, capability.BuiltinPolicy)

	ctx := WithExecution(context.Background(), "crm", "acme")

	assert.NoError(t, g.Authorize(ctx, "crm", APIReadOwn, "acme"))

	err := g.Authorize(ctx, "crm", APIReadOwn, "globex")
	assert.ErrorIs(t, err, ErrTenantViolation)

	err = g.Authorize(context.Background(), "crm", APIReadOwn, "acme")
	assert.ErrorIs(t, err, ErrTenantViolation)

	err = g.Authorize(ctx, "crm", APIReadOwn, "")
	assert.ErrorIs(t, err, ErrTenantViolation)
}

func TestAuthorize_NonTenantScopedAPI(t *testing.T) {
	g, caps, _ := newTestGuard(t, nil)
	caps.Grant("fetcher", capability.NetworkEgress, capability.ExternalPolicy)

	assert.NoError(t, g.Authorize(context.Background(), "fetcher", APIFetch, ""))
}

func TestAuthorize_RateLimitAndRecovery(t *testing.T) {
	g, caps, clock := newTestGuard(t, []Window{{Size: time.Minute, Limit: 60}, {Size: time.Hour, Limit: 1000}})
	caps.Grant("chatty", capability.ListenEvents, capability.BuiltinPolicy)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, g.Authorize(ctx, "chatty", APIListen, ""), "call %d", i+1)
	}

	err := g.Authorize(ctx, "chatty", APIListen, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	clock.Advance(61 * time.Second)
	assert.NoError(t, g.Authorize(ctx, "chatty", APIListen, ""))
}

func TestAuthorize_DeniedCallsAreNotRecorded(t *testing.T) {
	g, caps, clock := newTestGuard(t, []Window{{Size: time.Minute, Limit: 2}})
	caps.Grant("p", capability.ListenEvents, capability.BuiltinPolicy)
	ctx := context.Background()

	require.NoError(t, g.Authorize(ctx, "p", APIListen, ""))
	clock.Advance(30 * time.Second)
	require.NoError(t, g.Authorize(ctx, "p", APIListen, ""))

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, g.Authorize(ctx, "p", APIListen, ""), ErrRateLimitExceeded)
	}
	assert.Equal(t, 2, g.Limiter().Count("p", time.Minute))

	// The first call leaves the window; denied attempts left no trace.
	clock.Advance(31 * time.Second)
	assert.NoError(t, g.Authorize(ctx, "p", APIListen, ""))
}

func TestAuthorize_HourlyWindow(t *testing.T) {
	g, caps, clock := newTestGuard(t, []Window{{Size: time.Minute, Limit: 5}, {Size: time.Hour, Limit: 8}})
	caps.Grant("p", capability.ListenEvents, capability.BuiltinPolicy)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, g.Authorize(ctx, "p", APIListen, ""))
		clock.Advance(2 * time.Minute)
	}
	err := g.Authorize(ctx, "p", APIListen, "")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Contains(t, err.Error(), "8 calls per 1h0m0s")
}

func TestAuthorize_PluginsAreIndependent(t *testing.T) {
	g, caps, _ := newTestGuard(t, []Window{{Size: time.Minute, Limit: 1}})
	caps.Grant("a", capability.ListenEvents, capability.BuiltinPolicy)
	caps.Grant("b", capability.ListenEvents, capability.BuiltinPolicy)
	ctx := context.Background()

	require.NoError(t, g.Authorize(ctx, "a", APIListen, ""))
	assert.Error(t, g.Authorize(ctx, "a", APIListen, ""))
	assert.NoError(t, g.Authorize(ctx, "b", APIListen, ""))
}

func TestAuthorize_DenialsAreAuditedAndCounted(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	caps := capability.NewRegistry(zerolog.Nop())
	auditor := audit.New(audit.Config{}, zerolog.Nop())
	metrics := &countingMetrics{}
	g := New(caps, Config{Clock: clock.Now}, zerolog.Nop(), WithRecorder(auditor), WithMetrics(metrics))

	_ = g.Authorize(context.Background(), "nobody", APIFetch, "")

	records := auditor.ForPlugin("nobody", 0)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, "guard.capability_denied", records[0].Action)
	assert.Equal(t, 1, metrics.denials["capability_denied"])
}

func TestRunHook(t *testing.T) {
	g, _, _ := newTestGuard(t, nil)

	t.Run("success", func(t *testing.T) {
		err := g.RunHook(context.Background(), "p", "load", time.Second, func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("hook error passes through", func(t *testing.T) {
		boom := errors.New("boom")
		err := g.RunHook(context.Background(), "p", "load", time.Second, func(ctx context.Context) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		start := time.Now()
		err := g.RunHook(context.Background(), "p", "load", 20*time.Millisecond, func(ctx context.Context) error {
			<-release
			return nil
		})
		assert.ErrorIs(t, err, ErrTimeout)
		assert.True(t, IsKind(err, Timeout))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("panic", func(t *testing.T) {
		err := g.RunHook(context.Background(), "p", "enable", time.Second, func(ctx context.Context) error {
			panic("nil map")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked")
	})

	t.Run("parent cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := g.RunHook(ctx, "p", "enable", time.Second, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAccessError_Message(t *testing.T) {
	err := &AccessError{Kind: TenantViolation, PluginID: "crm", API: APIReadOwn, TenantID: "acme", Detail: "executing for tenant globex"}
	assert.Equal(t, "tenant violation: plugin crm calling data.own.read for tenant acme: executing for tenant globex", err.Error())
}
