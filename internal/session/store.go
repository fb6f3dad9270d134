// Package session tracks ephemeral per-connection session state,
// decoupled from any specific transport. Expiry is driven externally by
// the persistence collaborator's TTL mechanism via ExpireSession; the
// store itself never auto-revives an expired session.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayfabric/relayfabric/internal/metrics"
	"github.com/relayfabric/relayfabric/pkg/fabric"
)

const (
	// DefaultLocale is used when the request carries none.
	DefaultLocale = "en-us"

	// maxLocaleLen bounds the stored locale string.
	maxLocaleLen = 10

	// DefaultTimeout is the idle timeout when the config leaves it unset.
	DefaultTimeout = 30 * time.Minute
)

// RequestContext carries the transport-level request metadata a session
// is built from. The transport supplies best-effort values; none of
// them are trusted for identity until validated against the store.
type RequestContext struct {
	DeviceID   string
	RemoteAddr string
	Locale     string
	Referrer   string
	UserAgent  string
}

// State is one session record. Values returned by the store are copies;
// mutating them does not affect the stored session.
type State struct {
	ID         string
	DeviceID   string
	UserID     string
	RemoteAddr string
	Locale     string
	Referrer   string
	UserAgent  string

	CreatedAt  time.Time
	LastAccess time.Time

	// Sequence is the per-session message sequence counter.
	Sequence uint64

	// PageHits counts accepted writes against this session.
	PageHits uint64

	// CryptoRef references negotiated crypto material, opaque here.
	CryptoRef string

	Expired bool
}

// Config wires the store dependencies.
type Config struct {
	// Timeout is the idle duration after which a session is considered
	// expired.
	Timeout time.Duration

	Log     *zap.Logger
	Metrics *metrics.Metrics

	// OnCreated fires after a new session is stored.
	OnCreated func(State)

	// OnExpired fires exactly once when a session expires, so the
	// connection registry can react (typically: treat the owning
	// connection as a connection problem).
	OnExpired func(State)
}

// Store is the thread-safe session table.
type Store struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	onCreated func(State)
	onExpired func(State)

	mu       sync.RWMutex
	sessions map[string]*State
}

// NewStore builds an empty session store.
func NewStore(cfg Config) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Store{
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		timeout:   cfg.Timeout,
		onCreated: cfg.OnCreated,
		onExpired: cfg.OnExpired,
		sessions:  make(map[string]*State),
	}
}

// CreateSession builds a session from request metadata. When id is
// empty a fresh one is generated. Fires the created notification.
func (s *Store) CreateSession(rc RequestContext, id string) State {
	if id == "" {
		id = uuid.NewString()
	}
	locale := rc.Locale
	if locale == "" {
		locale = DefaultLocale
	}
	if len(locale) > maxLocaleLen {
		locale = locale[:maxLocaleLen]
	}

	now := time.Now()
	state := &State{
		ID:         id,
		DeviceID:   rc.DeviceID,
		RemoteAddr: rc.RemoteAddr,
		Locale:     locale,
		Referrer:   rc.Referrer,
		UserAgent:  rc.UserAgent,
		CreatedAt:  now,
		LastAccess: now,
	}

	s.mu.Lock()
	s.sessions[id] = state
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetSessionsActive(count)
	s.log.Info("session created",
		zap.String("session_id", id),
		zap.String("device_id", rc.DeviceID))

	if s.onCreated != nil {
		s.onCreated(*state)
	}
	return *state
}

// Validate returns the session if present and not expired. An expired
// session is treated as absent, never auto-revived.
func (s *Store) Validate(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sessions[id]
	if !ok || state.Expired {
		return State{}, false
	}
	if time.Since(state.LastAccess) > s.timeout {
		return State{}, false
	}
	return *state, true
}

// GetOrCreate validates first and creates only on miss.
func (s *Store) GetOrCreate(id string, rc RequestContext) State {
	if state, ok := s.Validate(id); ok {
		return state
	}
	return s.CreateSession(rc, "")
}

// Touch refreshes LastAccess and bumps the page-hit counter. Writes to
// an already-expired session are no-ops by contract.
func (s *Store) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[id]
	if !ok || state.Expired {
		return false
	}
	state.LastAccess = time.Now()
	state.PageHits++
	return true
}

// NextSequence increments and returns the per-session sequence counter.
// Returns 0 for unknown or expired sessions.
func (s *Store) NextSequence(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[id]
	if !ok || state.Expired {
		return 0
	}
	state.Sequence++
	state.LastAccess = time.Now()
	return state.Sequence
}

// BindUser links a user to the session. No-op on expired sessions.
func (s *Store) BindUser(id, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[id]
	if !ok || state.Expired {
		return false
	}
	state.UserID = userID
	state.LastAccess = time.Now()
	return true
}

// ExpireSession is the TTL callback entry point invoked by the
// persistence collaborator (and by explicit logout). It marks the
// session expired, detaches any bound user, removes the record, and
// fires the expiry notification exactly once.
func (s *Store) ExpireSession(id string) bool {
	s.mu.Lock()
	state, ok := s.sessions[id]
	if !ok || state.Expired {
		s.mu.Unlock()
		return false
	}
	state.Expired = true
	state.UserID = ""
	delete(s.sessions, id)
	count := len(s.sessions)
	expired := *state
	s.mu.Unlock()

	s.metrics.SetSessionsActive(count)
	s.metrics.RecordSessionExpired()
	s.log.Info("session expired",
		zap.String("session_id", id),
		zap.String("device_id", expired.DeviceID))

	if s.onExpired != nil {
		s.onExpired(expired)
	}
	return true
}

// RemoveByDevice expires every session owned by the device except one.
// Used when a device reconnects with a new session and the old ones
// must be invalidated to prevent duplicate delivery. Returns how many
// sessions were expired.
func (s *Store) RemoveByDevice(deviceID, exceptID string) int {
	s.mu.RLock()
	var stale []string
	for id, state := range s.sessions {
		if state.DeviceID == deviceID && id != exceptID {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if s.ExpireSession(id) {
			removed++
		}
	}
	return removed
}

// Sweep expires every session idle past the timeout. The health tick
// drives this on its session-timeout-aligned cadence.
func (s *Store) Sweep() int {
	now := time.Now()

	s.mu.RLock()
	var stale []string
	for id, state := range s.sessions {
		if now.Sub(state.LastAccess) > s.timeout {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	swept := 0
	for _, id := range stale {
		if s.ExpireSession(id) {
			swept++
		}
	}
	return swept
}

// Snapshot returns a copy of every live session, for the admin API.
func (s *Store) Snapshot() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]State, 0, len(s.sessions))
	for _, state := range s.sessions {
		out = append(out, *state)
	}
	return out
}

// Name implements fabric.Diagnosable.
func (s *Store) Name() string { return "session-store" }

// Count implements fabric.Diagnosable.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SizeBytes implements fabric.Diagnosable.
func (s *Store) SizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, state := range s.sessions {
		total += int64(len(state.ID) + len(state.DeviceID) + len(state.UserID) +
			len(state.RemoteAddr) + len(state.Locale) + len(state.Referrer) +
			len(state.UserAgent) + len(state.CryptoRef) + 64)
	}
	return total
}

var _ fabric.Diagnosable = (*Store)(nil)
