package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/randallgann/chat-copilot/internal/configstore"
	"github.com/randallgann/chat-copilot/internal/runtime"
	"github.com/randallgann/chat-copilot/internal/tenant"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("copilotd.resource")

// Common errors.
var (
	// ErrRuntimeUnavailable wraps construction failures surfaced to
	// request handlers.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrManagerClosed is returned after Shutdown.
	ErrManagerClosed = errors.New("resource manager closed")
)

// errSlotReleased marks a slot whose construction was discarded because the
// key was released mid-build. Waiters rebuild instead of failing.
var errSlotReleased = errors.New("cache slot released during construction")

// VectorGateway provisions backing collections. Satisfied by *qdrant.Client.
type VectorGateway interface {
	EnsureExists(ctx context.Context, name string) bool
}

// ConfigSource loads persisted tenant configuration. Satisfied by
// *configstore.Store.
type ConfigSource interface {
	Get(ctx context.Context, key tenant.Key) (*configstore.TenantConfig, error)
}

// Builder constructs runtimes. Satisfied by *runtime.Factory.
type Builder interface {
	Build(ctx context.Context, key tenant.Key, cfg *configstore.TenantConfig, collection string) (*runtime.Runtime, error)
}

// Manager is the tenant resource cache. It maps tenant keys to cached
// runtime handles, lazily building runtimes and their backing collections on
// first use, with at most one construction in flight per key.
//
// A Manager is built once at process start and shared; all public methods
// are safe for arbitrary concurrent use.
type Manager struct {
	gateway VectorGateway
	configs ConfigSource
	factory Builder
	logger  *zap.Logger

	// mu guards entries and closed only; construction never runs under it.
	// The map is keyed by the tenant key struct, not its composite string
	// form: user IDs may contain the separator.
	mu      sync.Mutex
	entries map[tenant.Key]*entry
	closed  bool

	now func() time.Time
}

// entry is one cache slot. ready is closed when construction finishes;
// until then the slot serializes concurrent creators for the same key
// without blocking other keys.
type entry struct {
	ready  chan struct{}
	handle *Handle
	err    error
}

// NewManager creates a resource manager.
func NewManager(gateway VectorGateway, configs ConfigSource, factory Builder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gateway: gateway,
		configs: configs,
		factory: factory,
		logger:  logger.Named("resource"),
		entries: make(map[tenant.Key]*entry),
		now:     time.Now,
	}
}

// GetOrCreate returns the cached handle for key, touching it, or atomically
// constructs one on miss. Concurrent calls for the same key share a single
// construction; calls for different keys never block each other.
//
// Construction failures propagate to every waiter and leave no cache entry,
// so a later call retries. Collection provisioning failure alone is not a
// construction failure: the runtime is built in degraded mode instead.
func (m *Manager) GetOrCreate(ctx context.Context, key tenant.Key) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "resource.GetOrCreate")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", key.String()))

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		e, ok := m.entries[key]
		if !ok {
			// Miss: claim the slot, then build outside the lock.
			e = &entry{ready: make(chan struct{})}
			m.entries[key] = e
			m.mu.Unlock()

			GetsTotal.WithLabelValues("miss").Inc()
			handle, err := m.buildEntry(ctx, key, e)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			if handle == nil {
				// The slot was released while we were building;
				// the construction was disposed. Start over.
				continue
			}
			CacheSize.Set(float64(m.size()))
			return handle, nil
		}
		m.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if errors.Is(e.err, errSlotReleased) {
			continue
		}
		if e.err != nil {
			// The creator failed and already removed the slot.
			span.SetStatus(codes.Error, e.err.Error())
			return nil, e.err
		}
		GetsTotal.WithLabelValues("hit").Inc()
		e.handle.Touch()
		return e.handle, nil
	}
}

// buildEntry runs the expensive construction for a claimed slot. It returns
// (nil, nil) when the slot was released mid-build, in which case the built
// runtime has been disposed and the caller should retry.
func (m *Manager) buildEntry(ctx context.Context, key tenant.Key, e *entry) (*Handle, error) {
	start := m.now()
	rt, err := m.build(ctx, key)
	BuildDuration.Observe(m.now().Sub(start).Seconds())

	if err != nil {
		BuildsTotal.WithLabelValues("error").Inc()
		m.logger.Error("runtime construction failed",
			zap.String("tenant", key.String()), zap.Error(err))

		m.mu.Lock()
		if m.entries[key] == e {
			delete(m.entries, key)
		}
		m.mu.Unlock()

		e.err = fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		close(e.ready)
		return nil, e.err
	}

	handle := newHandle(key, rt, m.now)

	m.mu.Lock()
	if m.entries[key] != e {
		// Released (or cleared) while building. Dispose cleanly rather
		// than caching a second live handle for the key.
		m.mu.Unlock()
		rt.Close()
		e.err = errSlotReleased
		close(e.ready)
		return nil, nil
	}
	// Commit and signal readiness under the same lock hold: a removal
	// observed after this point always sees ready closed and disposes the
	// runtime itself.
	e.handle = handle
	close(e.ready)
	m.mu.Unlock()

	BuildsTotal.WithLabelValues("success").Inc()
	return handle, nil
}

// build provisions the backing collection, loads tenant configuration, and
// constructs the runtime.
func (m *Manager) build(ctx context.Context, key tenant.Key) (*runtime.Runtime, error) {
	collection := tenant.Collection(key, tenant.DefaultKind).String()
	if !m.gateway.EnsureExists(ctx, collection) {
		// Degraded-but-non-fatal: the factory falls back to a volatile
		// embedded store.
		ProvisioningFailures.Inc()
		m.logger.Warn("backing collection unavailable, building degraded runtime",
			zap.String("tenant", key.String()), zap.String("collection", collection))
		collection = ""
	}

	cfg, err := m.configs.Get(ctx, key)
	if errors.Is(err, configstore.ErrNotFound) {
		cfg = nil
	} else if err != nil {
		return nil, fmt.Errorf("load tenant config: %w", err)
	}

	return m.factory.Build(ctx, key, cfg, collection)
}

// Release removes cached handles. With all=false only the entry for
// (userID, contextID) is removed, defaulting contextID; with all=true every
// entry for userID is removed regardless of context. Removed runtimes are
// disposed; backing storage is never touched. Releasing an absent key is a
// no-op.
func (m *Manager) Release(userID, contextID string, all bool) {
	if userID == "" {
		return
	}
	if contextID == "" {
		contextID = tenant.DefaultContextID
	}

	var removed []*entry
	m.mu.Lock()
	for key, e := range m.entries {
		if key.UserID != userID {
			continue
		}
		if !all && key.ContextID != contextID {
			continue
		}
		delete(m.entries, key)
		removed = append(removed, e)
	}
	size := len(m.entries)
	m.mu.Unlock()

	m.disposeAll(removed)
	CacheSize.Set(float64(size))
}

// ClearAll empties the cache, disposing every runtime. Maintenance-mode
// entry point; backing storage is preserved.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	removed := make([]*entry, 0, len(m.entries))
	for key, e := range m.entries {
		delete(m.entries, key)
		removed = append(removed, e)
	}
	m.mu.Unlock()

	m.disposeAll(removed)
	CacheSize.Set(0)
	m.logger.Info("cleared resource cache", zap.Int("released", len(removed)))
}

// disposeAll closes the runtimes of completed entries. In-flight entries
// were already unlinked from the map; their creators observe the removal and
// dispose their own construction.
func (m *Manager) disposeAll(entries []*entry) {
	for _, e := range entries {
		select {
		case <-e.ready:
			if e.err == nil {
				e.handle.close()
			}
		default:
			// Construction still in flight; the creator cleans up.
		}
	}
}

// Snapshot returns a point-in-time listing of completed cache entries,
// sorted by key for stable output.
func (m *Manager) Snapshot() []Info {
	now := m.now()

	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.entries))
	for _, e := range m.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				handles = append(handles, e.handle)
			}
		default:
		}
	}
	m.mu.Unlock()

	infos := make([]Info, len(handles))
	for i, h := range handles {
		infos[i] = h.info(now)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UserID != infos[j].UserID {
			return infos[i].UserID < infos[j].UserID
		}
		return infos[i].ContextID < infos[j].ContextID
	})
	return infos
}

// Lookup returns the Info for a single cached key, if present and complete.
func (m *Manager) Lookup(key tenant.Key) (Info, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	select {
	case <-e.ready:
	default:
		return Info{}, false
	}
	if e.err != nil {
		return Info{}, false
	}
	return e.handle.info(m.now()), true
}

// Shutdown clears the cache and rejects further gets. The sweeper must be
// stopped separately before calling this.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.ClearAll()
}

func (m *Manager) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
