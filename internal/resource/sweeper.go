package resource

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweeperConfig configures the idle-eviction loop.
type SweeperConfig struct {
	// Interval between sweep cycles. Default: 30 minutes.
	Interval time.Duration

	// MaxInactive is how long a handle may sit untouched before it is
	// evicted. Default: 60 minutes.
	MaxInactive time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *SweeperConfig) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.MaxInactive <= 0 {
		c.MaxInactive = 60 * time.Minute
	}
}

// Sweeper periodically evicts idle runtime handles from a Manager. Eviction
// drops the in-memory handle only; backing collections are never deleted.
type Sweeper struct {
	manager *Manager
	config  SweeperConfig
	logger  *zap.Logger

	mu      sync.Mutex
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper for the given manager.
func NewSweeper(manager *Manager, config SweeperConfig, logger *zap.Logger) *Sweeper {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		manager: manager,
		config:  config,
		logger:  logger.Named("sweeper"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the eviction loop in a goroutine. Returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting eviction sweeper",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("max_inactive", s.config.MaxInactive))

	go s.run(ctx)
}

// Stop halts the loop and waits for the current cycle to finish. The stop
// signal is observed promptly, not only between ticks.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping eviction sweeper")
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("eviction sweeper stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("eviction sweeper stopped: stop requested")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one eviction cycle. Failures are logged and counted, never
// fatal: the next tick proceeds regardless.
func (s *Sweeper) Sweep() (evicted int) {
	defer func() {
		if r := recover(); r != nil {
			SweepsTotal.WithLabelValues("error").Inc()
			s.logger.Error("sweep cycle panicked", zap.Any("panic", r))
		}
	}()

	now := s.manager.now()
	for _, info := range s.manager.Snapshot() {
		idle := now.Sub(info.LastAccess)
		if idle <= s.config.MaxInactive {
			continue
		}
		s.manager.Release(info.UserID, info.ContextID, false)
		EvictionsTotal.Inc()
		evicted++
		s.logger.Info("evicted idle runtime",
			zap.String("user_id", info.UserID),
			zap.String("context_id", info.ContextID),
			zap.Duration("idle", idle))
	}

	SweepsTotal.WithLabelValues("success").Inc()
	if evicted > 0 {
		s.logger.Info("sweep cycle complete", zap.Int("evicted", evicted))
	}
	return evicted
}
