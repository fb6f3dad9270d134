// Package heartbeat drives the fabric's two periodic schedules: a fast
// liveness tick and a broader health tick that also sweeps user
// sessions and orphaned UI subscriptions. Ticks are never re-entrant: a
// tick that finds the previous cycle still running is skipped, not
// queued, bounding worst-case latency at the cost of occasionally
// skipped periodic work.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayfabric/relayfabric/internal/metrics"
)

// Callback receives the monotonically increasing tick counter.
type Callback func(tick uint64)

// skipWarnThreshold is the number of consecutive skipped ticks after
// which a possible stuck worker is logged.
const skipWarnThreshold = 3

// Defaults applied by New when the config leaves fields unset.
const (
	DefaultFastInterval       = 250 * time.Millisecond
	DefaultHealthInterval     = time.Second
	DefaultCallbackTimeout    = 5 * time.Second
	DefaultPresenceEvery      = 30
	DefaultOrphanCleanupEvery = 60
)

// Config wires the scheduler.
type Config struct {
	FastInterval   time.Duration
	HealthInterval time.Duration

	// SyncFanout invokes all callbacks synchronously in sequence. When
	// false each callback is dispatched independently with its own
	// timeout budget, isolating a slow callback from the others.
	SyncFanout bool

	// CallbackTimeout is the per-callback budget in async fan-out mode.
	CallbackTimeout time.Duration

	// PresenceEvery triggers the user-presence check across all
	// cloud-facing connections on every Nth health tick.
	PresenceEvery int

	// OrphanCleanupEvery triggers cleanup of orphaned UI subscriptions;
	// the wiring aligns it with the session timeout.
	OrphanCleanupEvery int

	// PresenceCheck and OrphanCleanup are the external collaborator
	// hooks; either may be nil.
	PresenceCheck func()
	OrphanCleanup func()

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

// Scheduler owns both periodic schedules.
type Scheduler struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	// fastMu/healthMu are the per-schedule re-entrancy guards; a tick
	// uses TryLock and skips the cycle when the previous one still
	// holds the lock.
	fastMu   sync.Mutex
	healthMu sync.Mutex

	fastTick   uint64
	healthTick uint64

	// counterMu guards the tick and skip counters.
	counterMu   sync.Mutex
	fastSkips   int
	healthSkips int

	cbMu      sync.Mutex
	fastCbs   map[string]Callback
	healthCbs map[string]Callback
}

// New builds a scheduler. Call Run to start ticking.
func New(cfg Config) *Scheduler {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = DefaultFastInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.PresenceEvery <= 0 {
		cfg.PresenceEvery = DefaultPresenceEvery
	}
	if cfg.OrphanCleanupEvery <= 0 {
		cfg.OrphanCleanupEvery = DefaultOrphanCleanupEvery
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		fastCbs:   make(map[string]Callback),
		healthCbs: make(map[string]Callback),
	}
}

// RegisterFast adds a named fast-heartbeat callback. Re-registering a
// name replaces the callback.
func (s *Scheduler) RegisterFast(name string, cb Callback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.fastCbs[name] = cb
}

// UnregisterFast removes a fast callback. Idempotent and safe even if
// the name was never registered.
func (s *Scheduler) UnregisterFast(name string) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	delete(s.fastCbs, name)
}

// RegisterHealth adds a named health-tick callback.
func (s *Scheduler) RegisterHealth(name string, cb Callback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.healthCbs[name] = cb
}

// UnregisterHealth removes a health callback. Idempotent.
func (s *Scheduler) UnregisterHealth(name string) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	delete(s.healthCbs, name)
}

// Run ticks both schedules until done is closed.
func (s *Scheduler) Run(done <-chan struct{}) {
	fast := time.NewTicker(s.cfg.FastInterval)
	health := time.NewTicker(s.cfg.HealthInterval)
	defer fast.Stop()
	defer health.Stop()

	for {
		select {
		case <-done:
			return
		case <-fast.C:
			go s.FireFast()
		case <-health.C:
			go s.FireHealth()
		}
	}
}

// FireFast executes one fast-heartbeat cycle. If the previous cycle is
// still executing the tick is skipped and the skip counter bumped.
func (s *Scheduler) FireFast() bool {
	if !s.fastMu.TryLock() {
		s.recordSkip(&s.fastSkips, "fast")
		return false
	}
	defer s.fastMu.Unlock()
	s.resetSkip(&s.fastSkips)

	s.counterMu.Lock()
	s.fastTick++
	tick := s.fastTick
	s.counterMu.Unlock()

	s.fanOut(s.snapshotCallbacks(&s.fastCbs), tick)
	return true
}

// FireHealth executes one health cycle: callback fan-out plus the
// periodic presence check and orphan-subscription cleanup.
func (s *Scheduler) FireHealth() bool {
	if !s.healthMu.TryLock() {
		s.recordSkip(&s.healthSkips, "health")
		return false
	}
	defer s.healthMu.Unlock()
	s.resetSkip(&s.healthSkips)

	s.counterMu.Lock()
	s.healthTick++
	tick := s.healthTick
	s.counterMu.Unlock()

	s.fanOut(s.snapshotCallbacks(&s.healthCbs), tick)

	if s.cfg.PresenceCheck != nil && tick%uint64(s.cfg.PresenceEvery) == 0 {
		s.cfg.PresenceCheck()
	}
	if s.cfg.OrphanCleanup != nil && s.cfg.OrphanCleanupEvery > 0 &&
		tick%uint64(s.cfg.OrphanCleanupEvery) == 0 {
		s.cfg.OrphanCleanup()
	}
	return true
}

func (s *Scheduler) snapshotCallbacks(m *map[string]Callback) []Callback {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	out := make([]Callback, 0, len(*m))
	for _, cb := range *m {
		out = append(out, cb)
	}
	return out
}

func (s *Scheduler) fanOut(cbs []Callback, tick uint64) {
	if s.cfg.SyncFanout {
		for _, cb := range cbs {
			cb(tick)
		}
		return
	}
	// Each callback runs on its own goroutine with its own budget, so a
	// slow callback never blocks the others.
	for _, cb := range cbs {
		cb := cb
		go func() {
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				cb(tick)
			}()
			select {
			case <-finished:
			case <-time.After(s.cfg.CallbackTimeout):
				s.log.Warn("heartbeat callback exceeded its budget",
					zap.Uint64("tick", tick),
					zap.Duration("budget", s.cfg.CallbackTimeout))
			}
		}()
	}
}

func (s *Scheduler) recordSkip(counter *int, schedule string) {
	s.metrics.RecordHeartbeatSkip()
	s.counterMu.Lock()
	*counter++
	skips := *counter
	s.counterMu.Unlock()
	if skips > skipWarnThreshold {
		s.log.Warn("periodic cycle skipped repeatedly, possible stuck worker",
			zap.String("schedule", schedule),
			zap.Int("consecutive_skips", skips))
	}
}

func (s *Scheduler) resetSkip(counter *int) {
	s.counterMu.Lock()
	*counter = 0
	s.counterMu.Unlock()
}

// Skips returns the current consecutive skip counters, fast then
// health. Exposed for diagnostics.
func (s *Scheduler) Skips() (int, int) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	return s.fastSkips, s.healthSkips
}

// Ticks returns the current tick counters, fast then health.
func (s *Scheduler) Ticks() (uint64, uint64) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	return s.fastTick, s.healthTick
}
