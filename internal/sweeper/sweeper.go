// Package sweeper periodically removes expired binding records.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/qrseal/qrseal-go/internal/metrics"
	"github.com/qrseal/qrseal-go/internal/storage"
)

// collector is implemented by stores that reclaim space in the background.
type collector interface {
	RunGC() error
}

// Sweeper deletes expired records from a store on a fixed interval.
type Sweeper struct {
	store    storage.Store
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a sweeper. m may be nil.
func New(store storage.Store, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Start runs one sweep immediately and then one per interval until ctx is
// cancelled or Stop is called. A non-positive interval disables sweeping.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("record sweeper disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info("record sweeper started", "interval", s.interval.String())

		s.Sweep(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("record sweeper stopped")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweeper and waits for the running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep removes every record that expired before now and returns how many
// were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	n, err := s.store.CleanupExpired(ctx, s.now().Unix())
	s.metrics.ObserveStorage("cleanup", start, err)
	if err != nil {
		s.logger.Error("failed to remove expired bindings", "error", err)
		return 0
	}
	s.metrics.ObserveSwept(n)
	if n > 0 {
		s.logger.Info("removed expired bindings", "count", n, "duration_ms", time.Since(start).Milliseconds())
	}

	if c, ok := s.store.(collector); ok {
		if err := c.RunGC(); err != nil {
			s.logger.Warn("store garbage collection failed", "error", err)
		}
	}
	return n
}
