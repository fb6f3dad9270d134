// Package registry is the single source of truth for all live peer
// connections. It owns PeerConnection lifecycle: every other component
// only reads connections and enqueues onto their queues.
package registry

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/relayfabric/relayfabric/internal/metrics"
	"github.com/relayfabric/relayfabric/pkg/fabric"
)

// AddResult reports the outcome of an Add call.
type AddResult int

const (
	// AddRegistered means the connection was inserted.
	AddRegistered AddResult = iota

	// AddAlreadyExists means the node id was already registered; the
	// existing entry is untouched.
	AddAlreadyExists

	// AddRejected means the connection carried an empty node id.
	AddRejected
)

func (r AddResult) String() string {
	switch r {
	case AddRegistered:
		return "registered"
	case AddAlreadyExists:
		return "already exists"
	case AddRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Config wires the registry dependencies.
type Config struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

// scopeCount is one cached CountByScope result, tagged with the total
// connection count it was computed against.
type scopeCount struct {
	value int
	total int
}

// Registry is the thread-safe connection table with derived views.
type Registry struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*fabric.PeerConnection

	// cleanupHooks holds pending UI-subscription cleanup cancellations
	// per node; Remove cancels and drops them.
	cleanupHooks map[string][]func()

	// CountByScope cache. countInFlight bounds recomputes to one at a
	// time; contended callers get the last cached value.
	countMu       sync.Mutex
	scopeCounts   map[string]scopeCount
	countInFlight atomic.Bool
}

// New builds an empty registry.
func New(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Registry{
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		conns:        make(map[string]*fabric.PeerConnection),
		cleanupHooks: make(map[string][]func()),
		scopeCounts:  make(map[string]scopeCount),
	}
}

// Add inserts a connection keyed by its node id. An empty node id is
// rejected; a node id already present leaves the registry unchanged.
func (r *Registry) Add(conn *fabric.PeerConnection) AddResult {
	if conn == nil || conn.NodeID() == "" {
		return AddRejected
	}
	id := conn.NodeID()

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return AddAlreadyExists
	}
	r.conns[id] = conn
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.SetConnections(count)
	r.log.Info("connection registered",
		zap.String("node_id", id),
		zap.String("role", conn.Role().String()),
		zap.String("scope", conn.Scope()))
	return AddRegistered
}

// Remove deletes the connection for the node id. Idempotent: removing
// an unknown id returns false. Any pending cleanup hooks for the node
// are cancelled.
func (r *Registry) Remove(nodeID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[nodeID]
	if ok {
		delete(r.conns, nodeID)
	}
	hooks := r.cleanupHooks[nodeID]
	delete(r.cleanupHooks, nodeID)
	count := len(r.conns)
	r.mu.Unlock()

	for _, cancel := range hooks {
		cancel()
	}
	if !ok {
		return false
	}

	conn.MarkDisconnected()
	r.metrics.SetConnections(count)
	r.log.Info("connection removed", zap.String("node_id", nodeID))
	return true
}

// UpdateID atomically moves a connection from one key to another, used
// when a peer's asserted identity changes mid-session. When the new id
// is already registered, the old connection's pending messages are
// drained onto the existing entry so nothing queued under the old key
// is lost.
func (r *Registry) UpdateID(oldID, newID string) bool {
	if newID == "" || oldID == newID {
		return false
	}

	r.mu.Lock()
	conn, ok := r.conns[oldID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	if existing, occupied := r.conns[newID]; occupied {
		delete(r.conns, oldID)
		count := len(r.conns)
		r.mu.Unlock()

		moved := conn.DrainTo(existing)
		conn.MarkDisconnected()
		r.metrics.SetConnections(count)
		r.log.Info("connection re-keyed onto existing entry",
			zap.String("old_id", oldID),
			zap.String("new_id", newID),
			zap.Int("messages_moved", moved))
		return true
	}

	delete(r.conns, oldID)
	conn.SetNodeID(newID)
	r.conns[newID] = conn
	r.mu.Unlock()

	r.log.Info("connection re-keyed",
		zap.String("old_id", oldID),
		zap.String("new_id", newID))
	return true
}

// GetByNodeID returns the connection registered under the node id.
func (r *Registry) GetByNodeID(nodeID string) (*fabric.PeerConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[nodeID]
	return conn, ok
}

// Snapshot returns the current connection set as a fresh slice, so an
// in-progress iteration is never invalidated by concurrent mutation.
func (r *Registry) Snapshot() []*fabric.PeerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*fabric.PeerConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// normalizeURL lowercases a URL and folds the local-host spellings
// together so distinct local addresses compare equal.
func normalizeURL(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	u, err := url.Parse(lower)
	if err != nil || u.Host == "" {
		return foldLocalhost(lower)
	}
	u.Host = foldLocalhost(u.Host)
	return u.String()
}

func foldLocalhost(hostport string) string {
	for _, local := range []string{"127.0.0.1", "[::1]", "::1", "0.0.0.0"} {
		if strings.HasPrefix(hostport, local) {
			return "localhost" + hostport[len(local):]
		}
	}
	return hostport
}

// GetByURL returns the first connection whose target URL matches,
// case-insensitively and with localhost normalization.
func (r *Registry) GetByURL(rawURL string) (*fabric.PeerConnection, bool) {
	want := normalizeURL(rawURL)
	for _, conn := range r.Snapshot() {
		if info := conn.Info(); info.URL != "" && normalizeURL(info.URL) == want {
			return conn, true
		}
	}
	return nil, false
}

// GetBySessionID returns the connection backed by the session.
func (r *Registry) GetBySessionID(sessionID string) (*fabric.PeerConnection, bool) {
	if sessionID == "" {
		return nil, false
	}
	for _, conn := range r.Snapshot() {
		if conn.SessionID() == sessionID {
			return conn, true
		}
	}
	return nil, false
}

// GetByScope returns every connection belonging to the scope, primary
// or alternate.
func (r *Registry) GetByScope(scope string) []*fabric.PeerConnection {
	var out []*fabric.PeerConnection
	for _, conn := range r.Snapshot() {
		if conn.Info().InScope(scope) {
			out = append(out, conn)
		}
	}
	return out
}

// GetByRole returns every connection with the given sender role.
func (r *Registry) GetByRole(role fabric.SenderRole) []*fabric.PeerConnection {
	var out []*fabric.PeerConnection
	for _, conn := range r.Snapshot() {
		if conn.Role() == role {
			out = append(out, conn)
		}
	}
	return out
}

// GetBySubscriptionFragment returns every connection with at least one
// subscribed topic containing the fragment (case-insensitive).
func (r *Registry) GetBySubscriptionFragment(fragment string) []*fabric.PeerConnection {
	var out []*fabric.PeerConnection
	for _, conn := range r.Snapshot() {
		if conn.HasSubscriptionFragment(fragment) {
			out = append(out, conn)
		}
	}
	return out
}

// SubscribedTopics aggregates the unique topics subscribed across the
// mesh, filtered by scope and optionally excluding cloud routes.
func (r *Registry) SubscribedTopics(scope string, excludeCloudRoutes bool) []string {
	seen := make(map[string]struct{})
	for _, conn := range r.Snapshot() {
		if excludeCloudRoutes && conn.Role() == fabric.RoleCloudRoute {
			continue
		}
		for _, sub := range conn.Subscriptions() {
			if scope != "" && sub.Scope != "" && sub.Scope != scope {
				continue
			}
			seen[sub.Topic] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for topic := range seen {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// CountByScope returns the number of connections in the scope. The
// result is cached: it is recomputed only when the total connection
// count has changed since the last call and no concurrent recompute is
// in flight. A contended caller gets the last cached value, trading a
// few seconds of staleness for avoiding an O(n) scan on every
// high-frequency caller.
func (r *Registry) CountByScope(scope string) int {
	r.mu.RLock()
	total := len(r.conns)
	r.mu.RUnlock()

	r.countMu.Lock()
	cached, ok := r.scopeCounts[scope]
	r.countMu.Unlock()
	if ok && cached.total == total {
		return cached.value
	}

	if !r.countInFlight.CompareAndSwap(false, true) {
		// Another caller is recomputing; best-effort stale value.
		return cached.value
	}
	defer r.countInFlight.Store(false)

	value := len(r.GetByScope(scope))
	r.countMu.Lock()
	r.scopeCounts[scope] = scopeCount{value: value, total: total}
	r.countMu.Unlock()
	return value
}

// RegisterCleanupHook records a cancellation for pending UI-subscription
// cleanup tied to the node. Remove cancels all hooks for the node.
func (r *Registry) RegisterCleanupHook(nodeID string, cancel func()) {
	if nodeID == "" || cancel == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupHooks[nodeID] = append(r.cleanupHooks[nodeID], cancel)
}

// TotalCount returns the number of registered connections.
func (r *Registry) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// OnSessionExpired reacts to a session-store expiry: the connection
// owning the session is treated as a connection problem and removed.
func (r *Registry) OnSessionExpired(sessionID string) {
	conn, ok := r.GetBySessionID(sessionID)
	if !ok {
		return
	}
	r.log.Warn("session expired for live connection, tearing down",
		zap.String("node_id", conn.NodeID()),
		zap.String("session_id", sessionID))
	r.Remove(conn.NodeID())
}

// Name implements fabric.Diagnosable.
func (r *Registry) Name() string { return "connection-registry" }

// Count implements fabric.Diagnosable.
func (r *Registry) Count() int { return r.TotalCount() }

// SizeBytes implements fabric.Diagnosable.
func (r *Registry) SizeBytes() int64 {
	var total int64
	for _, conn := range r.Snapshot() {
		info := conn.Info()
		total += int64(len(info.NodeID) + len(info.URL) + len(info.Scope) +
			len(info.SessionID) + 128 + conn.QueueLen()*16)
	}
	return total
}

var _ fabric.Diagnosable = (*Registry)(nil)
