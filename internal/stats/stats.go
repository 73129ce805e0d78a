package stats

import (
	"context"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const DefaultInterval = 30 * time.Second

// SystemStats periodically logs the connection status summary next to the
// process runtime counters. A steadily growing goroutine count while the
// status is stable points at leaked subscriptions.
type SystemStats struct {
	registry *registry.Registry
	interval time.Duration
	clock    clock.Clock
	logger   *logrus.Entry
	done     chan struct{}
}

type Option func(*SystemStats)

func WithInterval(d time.Duration) Option {
	return func(s *SystemStats) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *SystemStats) {
		s.clock = c
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(s *SystemStats) {
		s.logger = l
	}
}

func NewSystemStats(reg *registry.Registry, opts ...Option) *SystemStats {
	s := &SystemStats{
		registry: reg,
		interval: DefaultInterval,
		clock:    clock.New(),
		logger:   logrus.WithField("component", "system_stats"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start logs once immediately and then every interval until ctx is done.
func (s *SystemStats) Start(ctx context.Context) error {
	defer close(s.done)

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.logStats()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *SystemStats) logStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := logrus.Fields{
		"goroutines": runtime.NumGoroutine(),
		"threads":    pprof.Lookup("threadcreate").Count(),
		"heap_mb":    bToMb(m.HeapAlloc),
		"sys_mb":     bToMb(m.Sys),
		"num_gc":     m.NumGC,
	}
	if s.registry != nil {
		rec := s.registry.Snapshot()
		fields["status"] = rec.Status
		fields["connected_bots"] = len(rec.ConnectedBotIDs)
		fields["reconnect_attempts"] = rec.ReconnectAttempts
	}
	s.logger.WithFields(fields).Info("Application stats")
}

func (s *SystemStats) Done() <-chan struct{} {
	return s.done
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
