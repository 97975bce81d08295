// Package resource implements the tenant resource lifecycle manager: the
// concurrent cache of per-tenant runtimes, its get-or-create protocol, and
// the idle-eviction sweeper.
package resource

import (
	"sync"
	"time"

	"github.com/randallgann/chat-copilot/internal/runtime"
	"github.com/randallgann/chat-copilot/internal/tenant"
)

// Handle owns exactly one runtime instance on behalf of the cache. The cache
// is the only long-lived holder; request handlers borrow the runtime for the
// duration of a single request via Get.
type Handle struct {
	key tenant.Key

	mu         sync.Mutex
	lastAccess time.Time
	rt         *runtime.Runtime

	// created is stamped from the cache clock, not the runtime's own wall
	// clock, so ages stay consistent with idle times.
	created time.Time
	now     func() time.Time
}

func newHandle(key tenant.Key, rt *runtime.Runtime, now func() time.Time) *Handle {
	created := now()
	return &Handle{
		key:        key,
		rt:         rt,
		created:    created,
		lastAccess: created,
		now:        now,
	}
}

// Key returns the tenant key this handle serves.
func (h *Handle) Key() tenant.Key { return h.key }

// Touch updates the last-access timestamp. The timestamp is monotonically
// non-decreasing: a stale clock reading never moves it backwards.
func (h *Handle) Touch() {
	now := h.now()
	h.mu.Lock()
	if now.After(h.lastAccess) {
		h.lastAccess = now
	}
	h.mu.Unlock()
}

// Get touches the handle and returns the runtime.
func (h *Handle) Get() *runtime.Runtime {
	h.Touch()
	return h.rt
}

// LastAccess returns the last-access timestamp.
func (h *Handle) LastAccess() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAccess
}

// close disposes the owned runtime. Called only by the cache.
func (h *Handle) close() {
	h.rt.Close()
}

// Info is a point-in-time view of a cached handle for observability.
type Info struct {
	UserID     string        `json:"userId"`
	ContextID  string        `json:"contextId"`
	RuntimeID  string        `json:"runtimeId"`
	Degraded   bool          `json:"degraded"`
	Plugins    []string      `json:"plugins"`
	LastAccess time.Time     `json:"lastAccessTime"`
	Age        time.Duration `json:"age"`
	Idle       time.Duration `json:"idle"`
}

func (h *Handle) info(now time.Time) Info {
	last := h.LastAccess()
	return Info{
		UserID:     h.key.UserID,
		ContextID:  h.key.ContextID,
		RuntimeID:  h.rt.ID(),
		Degraded:   h.rt.Memory().Degraded(),
		Plugins:    h.rt.Plugins(),
		LastAccess: last,
		Age:        now.Sub(h.created),
		Idle:       now.Sub(last),
	}
}
