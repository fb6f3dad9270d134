// Package dedup implements the time-windowed "seen before" filter that
// keeps a message from being processed or relayed twice when it arrives
// via multiple mesh paths.
package dedup

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayfabric/relayfabric/internal/metrics"
	"github.com/relayfabric/relayfabric/pkg/fabric"
)

// seenLogInterval controls how often the running seen counter is logged.
const seenLogInterval = 25000

// Fingerprint is the compact identity of a previously seen message.
// Membership tests compare by value, so every field must be comparable.
//
// The payload hash is deliberately cheap and not collision-free (FNV-32
// over the binary payload, falling back to the payload length). Duplicate
// suppression behavior downstream relies on exactly this trade-off; do
// not swap in a stronger hash without revisiting those callers.
type Fingerprint struct {
	Originator  string
	SessionID   string
	Sequence    uint64
	Engine      string
	Inbound     bool
	PayloadHash uint32
	TopicHash   uint32
}

// FingerprintOf derives the fingerprint for an inbound envelope.
func FingerprintOf(e *fabric.Envelope) Fingerprint {
	return Fingerprint{
		Originator:  e.Originator,
		SessionID:   e.SessionID,
		Sequence:    e.Sequence,
		Engine:      e.Engine,
		Inbound:     true,
		PayloadHash: payloadHash(e.Binary),
		TopicHash:   hash32(e.Text + e.Topic),
	}
}

func payloadHash(payload []byte) uint32 {
	if len(payload) == 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write(payload)
	return h.Sum32()
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// bucketCount gives effective retention between window and 3×window
// while keeping expiry an O(1) bucket clear instead of per-item scans.
const bucketCount = 3

// Config wires the cache dependencies.
type Config struct {
	// Window is the bucket rotation period. Retention is between
	// 2×Window and 3×Window depending on rotation phase.
	Window time.Duration

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultWindow is used when the config leaves Window unset.
const DefaultWindow = 5 * time.Minute

// Cache is the rotating three-bucket fingerprint cache. It is safe for
// concurrent use; a fingerprint inserted before a concurrent duplicate
// check is guaranteed visible to that check because both serialize on
// the same bucket-set lock.
type Cache struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	window  time.Duration

	mu      sync.Mutex
	buckets [bucketCount]map[Fingerprint]struct{}
	cursor  int
	seen    uint64
	dups    uint64
	closed  bool

	// rotateMu is the re-entrancy guard for rotation: a second rotation
	// attempt while one is in flight is skipped, never queued.
	rotateMu sync.Mutex
}

// NewCache builds the cache. Call Run to start bucket rotation.
func NewCache(cfg Config) *Cache {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	c := &Cache{
		log:     cfg.Log,
		metrics: cfg.Metrics,
		window:  cfg.Window,
	}
	for i := range c.buckets {
		c.buckets[i] = make(map[Fingerprint]struct{})
	}
	return c
}

// Check decides whether the envelope is new. A duplicate returns false
// and is counted; a new message has its fingerprint inserted into the
// active bucket and returns true.
//
// A message with an empty originator cannot be deduplicated and is
// always treated as new, without insertion.
func (c *Cache) Check(e *fabric.Envelope) bool {
	if e == nil || e.Originator == "" {
		return true
	}
	fp := FingerprintOf(e)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}

	for i := range c.buckets {
		if _, ok := c.buckets[i][fp]; ok {
			c.dups++
			c.metrics.RecordDuplicate()
			c.log.Warn("duplicate message rejected",
				zap.String("originator", e.Originator),
				zap.String("topic", e.Topic),
				zap.Uint64("duplicates", c.dups))
			return false
		}
	}

	c.buckets[c.cursor][fp] = struct{}{}
	c.seen++
	c.metrics.RecordDedupSeen()
	if c.seen%seenLogInterval == 0 {
		c.log.Info("dedup cache throughput", zap.Uint64("seen", c.seen))
	}
	return true
}

// Rotate advances the cursor and clears the bucket that is now the
// oldest. If another rotation is already in flight the attempt is
// skipped and logged rather than queued.
func (c *Cache) Rotate() {
	if !c.rotateMu.TryLock() {
		c.log.Info("dedup rotation skipped, previous rotation still running")
		return
	}
	defer c.rotateMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cursor = (c.cursor + 1) % bucketCount
	cleared := len(c.buckets[c.cursor])
	c.buckets[c.cursor] = make(map[Fingerprint]struct{})
	c.log.Debug("dedup bucket rotated",
		zap.Int("cursor", c.cursor),
		zap.Int("cleared", cleared))
}

// Run rotates buckets every window until ctx is done. Meant to be
// launched as a goroutine by the node wiring.
func (c *Cache) Run(done <-chan struct{}) {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Rotate()
		}
	}
}

// Stats returns the running seen and duplicate counters.
func (c *Cache) Stats() (seen, duplicates uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen, c.dups
}

// Close clears all buckets. Idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for i := range c.buckets {
		c.buckets[i] = make(map[Fingerprint]struct{})
	}
	c.closed = true
	return nil
}

// Name implements fabric.Diagnosable.
func (c *Cache) Name() string { return "dedup-cache" }

// Count implements fabric.Diagnosable.
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for i := range c.buckets {
		total += len(c.buckets[i])
	}
	return total
}

// SizeBytes implements fabric.Diagnosable. Approximate: fingerprints
// are small fixed-size structs plus their string backing.
func (c *Cache) SizeBytes() int64 {
	return int64(c.Count()) * 96
}

var _ fabric.Diagnosable = (*Cache)(nil)
