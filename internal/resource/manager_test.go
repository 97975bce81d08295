package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/randallgann/chat-copilot/internal/config"
	"github.com/randallgann/chat-copilot/internal/configstore"
	"github.com/randallgann/chat-copilot/internal/runtime"
	"github.com/randallgann/chat-copilot/internal/tenant"
)

// fakeClock is a settable clock for deterministic idle measurements.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stubGateway records EnsureExists calls and answers with a fixed result.
type stubGateway struct {
	mu    sync.Mutex
	ok    bool
	calls []string
}

func (g *stubGateway) EnsureExists(_ context.Context, name string) bool {
	g.mu.Lock()
	g.calls = append(g.calls, name)
	g.mu.Unlock()
	return g.ok
}

func (g *stubGateway) callNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// stubConfigs serves tenant configs from a map, ErrNotFound otherwise.
type stubConfigs struct {
	configs map[string]*configstore.TenantConfig
}

func (s *stubConfigs) Get(_ context.Context, key tenant.Key) (*configstore.TenantConfig, error) {
	if cfg, ok := s.configs[key.String()]; ok {
		return cfg, nil
	}
	return nil, configstore.ErrNotFound
}

// countingBuilder wraps a real factory, counting builds and optionally
// failing the first failUntil calls.
type countingBuilder struct {
	inner     Builder
	builds    atomic.Int64
	failUntil int64
	failErr   error
	block     chan struct{} // if set, Build waits on it before returning
}

func (b *countingBuilder) Build(ctx context.Context, key tenant.Key, cfg *configstore.TenantConfig, collection string) (*runtime.Runtime, error) {
	n := b.builds.Add(1)
	if b.block != nil {
		<-b.block
	}
	if n <= b.failUntil {
		return nil, b.failErr
	}
	return b.inner.Build(ctx, key, cfg, collection)
}

func newTestManager(t *testing.T, gateway *stubGateway, configs ConfigSource, builder Builder) (*Manager, *fakeClock) {
	t.Helper()
	if gateway == nil {
		gateway = &stubGateway{ok: true}
	}
	if configs == nil {
		configs = &stubConfigs{}
	}
	if builder == nil {
		builder = runtime.NewFactory(config.ModelsConfig{
			Completion: config.LLMOptions{ModelID: "gpt-4o"},
			Embedding:  config.LLMOptions{ModelID: "text-embedding-ada-002"},
		}, nil, zap.NewNop())
	}
	m := NewManager(gateway, configs, builder, zap.NewNop())
	clock := newFakeClock()
	m.now = clock.Now
	t.Cleanup(m.Shutdown)
	return m, clock
}

func key(t *testing.T, user, context string) tenant.Key {
	t.Helper()
	k, err := tenant.NewKey(user, context)
	require.NoError(t, err)
	return k
}

func TestGetOrCreateCachesHandle(t *testing.T) {
	gw := &stubGateway{ok: true}
	m, _ := newTestManager(t, gw, nil, nil)
	k := key(t, "u1", "youtube-42")

	first, err := m.GetOrCreate(context.Background(), k)
	require.NoError(t, err)
	second, err := m.GetOrCreate(context.Background(), k)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, []string{"cc_u1_youtube_42_default"}, gw.callNames())
	assert.False(t, first.Get().Memory().Degraded())
}

func TestGetOrCreateSingleFlight(t *testing.T) {
	factory := runtime.NewFactory(config.ModelsConfig{
		Completion: config.LLMOptions{ModelID: "gpt-4o"},
	}, nil, zap.NewNop())
	builder := &countingBuilder{inner: factory, block: make(chan struct{})}
	m, _ := newTestManager(t, nil, nil, builder)
	k := key(t, "u1", "c1")

	const callers = 16
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := m.GetOrCreate(context.Background(), k)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}

	// Let the waiters pile up behind the one in-flight construction.
	time.Sleep(20 * time.Millisecond)
	close(builder.block)
	wg.Wait()

	assert.Equal(t, int64(1), builder.builds.Load(), "concurrent gets must share one construction")
	for i := 1; i < callers; i++ {
		assert.Same(t, handles[0], handles[i])
	}
}

func TestGetOrCreateKeyIsolation(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)

	h1, err := m.GetOrCreate(context.Background(), key(t, "u1", "c1"))
	require.NoError(t, err)
	h2, err := m.GetOrCreate(context.Background(), key(t, "u1", "c2"))
	require.NoError(t, err)
	h3, err := m.GetOrCreate(context.Background(), key(t, "u2", "c1"))
	require.NoError(t, err)

	assert.NotEqual(t, h1.Get().ID(), h2.Get().ID())
	assert.NotEqual(t, h1.Get().ID(), h3.Get().ID())
	assert.Len(t, m.Snapshot(), 3)
}

func TestGetOrCreateBuildFailureRetries(t *testing.T) {
	factory := runtime.NewFactory(config.ModelsConfig{
		Completion: config.LLMOptions{ModelID: "gpt-4o"},
	}, nil, zap.NewNop())
	builder := &countingBuilder{inner: factory, failUntil: 1, failErr: errors.New("backend down")}
	m, _ := newTestManager(t, nil, nil, builder)
	k := key(t, "u1", "c1")

	_, err := m.GetOrCreate(context.Background(), k)
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	assert.Len(t, m.Snapshot(), 0, "failed construction must leave no cache entry")

	h, err := m.GetOrCreate(context.Background(), k)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int64(2), builder.builds.Load())
}

func TestGetOrCreateFailurePropagatesToWaiters(t *testing.T) {
	factory := runtime.NewFactory(config.ModelsConfig{
		Completion: config.LLMOptions{ModelID: "gpt-4o"},
	}, nil, zap.NewNop())
	builder := &countingBuilder{inner: factory, failUntil: 1, failErr: errors.New("backend down"), block: make(chan struct{})}
	m, _ := newTestManager(t, nil, nil, builder)
	k := key(t, "u1", "c1")

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.GetOrCreate(context.Background(), k)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(builder.block)
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], ErrRuntimeUnavailable)
	}
	assert.Equal(t, int64(1), builder.builds.Load(), "one failure serves every waiter")
}

func TestGetOrCreateProvisioningFailureIsDegraded(t *testing.T) {
	gw := &stubGateway{ok: false}
	m, _ := newTestManager(t, gw, nil, nil)

	h, err := m.GetOrCreate(context.Background(), key(t, "u1", "c1"))
	require.NoError(t, err, "provisioning failure must not fail the get")

	rt := h.Get()
	assert.True(t, rt.Memory().Degraded())
	assert.Equal(t, runtime.MemoryVolatile, rt.Memory().Kind)
}

func TestGetOrCreateAppliesTenantConfig(t *testing.T) {
	configs := &stubConfigs{configs: map[string]*configstore.TenantConfig{
		"u1:c1": {
			UserID:            "u1",
			ContextID:         "c1",
			CompletionOptions: config.LLMOptions{ModelID: "gpt-4o-mini"},
			EnabledPlugins:    []string{"web-search"},
		},
	}}
	m, _ := newTestManager(t, nil, configs, nil)

	h, err := m.GetOrCreate(context.Background(), key(t, "u1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", h.Get().CompletionOptions().ModelID)
	assert.True(t, h.Get().HasPlugin("web-search"))

	// Keys without persisted config still build on defaults.
	h2, err := m.GetOrCreate(context.Background(), key(t, "u2", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", h2.Get().CompletionOptions().ModelID)
}

func TestGetOrCreateAfterShutdown(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	m.Shutdown()

	_, err := m.GetOrCreate(context.Background(), key(t, "u1", "c1"))
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestReleaseSingleContext(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, key(t, "u1", "c1"))
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, key(t, "u1", "c2"))
	require.NoError(t, err)

	m.Release("u1", "c1", false)

	infos := m.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, "c2", infos[0].ContextID)
}

func TestReleaseDefaultsContext(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	_, err := m.GetOrCreate(context.Background(), key(t, "u1", ""))
	require.NoError(t, err)

	m.Release("u1", "", false)
	assert.Len(t, m.Snapshot(), 0)
}

func TestReleaseAllContexts(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	ctx := context.Background()

	for _, c := range []string{"c1", "c2", "c3"} {
		_, err := m.GetOrCreate(ctx, key(t, "u1", c))
		require.NoError(t, err)
	}
	_, err := m.GetOrCreate(ctx, key(t, "u2", "c1"))
	require.NoError(t, err)

	m.Release("u1", "", true)

	infos := m.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, "u2", infos[0].UserID)
}

func TestReleaseUserIDWithSeparator(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	ctx := context.Background()
	k := key(t, "org:alice", "c1")

	_, err := m.GetOrCreate(ctx, k)
	require.NoError(t, err)
	m.Release("org:alice", "c1", false)
	assert.Empty(t, m.Snapshot(), "single-key release must match user IDs containing the separator")

	_, err = m.GetOrCreate(ctx, k)
	require.NoError(t, err)
	m.Release("org:alice", "", true)
	assert.Empty(t, m.Snapshot(), "release-all must match user IDs containing the separator")
}

func TestKeysWithSeparatorStayIsolated(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	ctx := context.Background()

	// ("org", "alice:c1") and ("org:alice", "c1") render to the same
	// composite string but are distinct tenants.
	a := key(t, "org", "alice:c1")
	b := key(t, "org:alice", "c1")

	ha, err := m.GetOrCreate(ctx, a)
	require.NoError(t, err)
	hb, err := m.GetOrCreate(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, ha.Get().ID(), hb.Get().ID())
	assert.Len(t, m.Snapshot(), 2)

	m.Release("org", "alice:c1", false)
	infos := m.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, "org:alice", infos[0].UserID)
}

func TestReleaseAbsentIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	m.Release("ghost", "c1", false)
	m.Release("", "", true)
}

func TestReleaseMidBuildRebuilds(t *testing.T) {
	factory := runtime.NewFactory(config.ModelsConfig{
		Completion: config.LLMOptions{ModelID: "gpt-4o"},
	}, nil, zap.NewNop())
	builder := &countingBuilder{inner: factory, block: make(chan struct{})}
	m, _ := newTestManager(t, nil, nil, builder)
	k := key(t, "u1", "c1")

	done := make(chan *Handle, 1)
	go func() {
		h, err := m.GetOrCreate(context.Background(), k)
		assert.NoError(t, err)
		done <- h
	}()

	// Wait for the build to claim its slot, then release the key under it.
	require.Eventually(t, func() bool { return builder.builds.Load() == 1 }, time.Second, time.Millisecond)
	m.Release("u1", "c1", false)
	close(builder.block)

	h := <-done
	require.NotNil(t, h)
	assert.Equal(t, int64(2), builder.builds.Load(), "released slot must be rebuilt")
	assert.Len(t, m.Snapshot(), 1)
}

func TestReleaseRacingGetDisposesEveryRuntime(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	k := key(t, "u1", "c1")

	var mu sync.Mutex
	var runtimes []*runtime.Runtime

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h, err := m.GetOrCreate(context.Background(), k)
			if assert.NoError(t, err) {
				mu.Lock()
				runtimes = append(runtimes, h.Get())
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			m.Release("u1", "c1", false)
		}()
	}
	wg.Wait()
	m.ClearAll()

	// Every runtime ever handed out was either released or cleared; none
	// may escape disposal, whichever side of the race its removal landed on.
	for _, rt := range runtimes {
		assert.Empty(t, rt.Plugins(), "removed runtime must be disposed")
	}
}

func TestClearAll(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := m.GetOrCreate(ctx, key(t, u, "c1"))
		require.NoError(t, err)
	}

	m.ClearAll()
	assert.Len(t, m.Snapshot(), 0)

	// The cache stays usable after maintenance clearing.
	_, err := m.GetOrCreate(ctx, key(t, "u1", "c1"))
	assert.NoError(t, err)
}

func TestSnapshotSorted(t *testing.T) {
	m, clock := newTestManager(t, nil, nil, nil)
	ctx := context.Background()

	for _, k := range []tenant.Key{
		key(t, "u2", "c1"),
		key(t, "u1", "c2"),
		key(t, "u1", "c1"),
	} {
		_, err := m.GetOrCreate(ctx, k)
		require.NoError(t, err)
	}
	clock.Advance(5 * time.Minute)

	infos := m.Snapshot()
	require.Len(t, infos, 3)
	assert.Equal(t, "u1", infos[0].UserID)
	assert.Equal(t, "c1", infos[0].ContextID)
	assert.Equal(t, "c2", infos[1].ContextID)
	assert.Equal(t, "u2", infos[2].UserID)
	assert.Equal(t, 5*time.Minute, infos[0].Idle)
}

func TestLookup(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, nil)
	k := key(t, "u1", "c1")

	_, ok := m.Lookup(k)
	assert.False(t, ok)

	_, err := m.GetOrCreate(context.Background(), k)
	require.NoError(t, err)

	info, ok := m.Lookup(k)
	require.True(t, ok)
	assert.Equal(t, "u1", info.UserID)
	assert.NotEmpty(t, info.RuntimeID)
}

func TestInfoAgeFollowsCacheClock(t *testing.T) {
	m, clock := newTestManager(t, nil, nil, nil)
	k := key(t, "u1", "c1")

	_, err := m.GetOrCreate(context.Background(), k)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	info, ok := m.Lookup(k)
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, info.Age)
	assert.Equal(t, 2*time.Hour, info.Idle)
}

func TestTouchAdvancesLastAccess(t *testing.T) {
	m, clock := newTestManager(t, nil, nil, nil)
	k := key(t, "u1", "c1")

	h, err := m.GetOrCreate(context.Background(), k)
	require.NoError(t, err)
	created := h.LastAccess()

	clock.Advance(10 * time.Minute)
	_, err = m.GetOrCreate(context.Background(), k)
	require.NoError(t, err)

	assert.Equal(t, created.Add(10*time.Minute), h.LastAccess(), "cache hit must refresh last access")
}
