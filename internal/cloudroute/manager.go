// Package cloudroute maintains outbound connections to zero or more
// configured upstream relay endpoints, independent of inbound peer
// connections, and buffers master-bound traffic while no master node
// is known.
package cloudroute

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayfabric/relayfabric/internal/metrics"
	"github.com/relayfabric/relayfabric/internal/registry"
	"github.com/relayfabric/relayfabric/pkg/fabric"
)

var (
	// ErrDisabled is returned when cloud connectivity is switched off.
	ErrDisabled = errors.New("cloud connectivity is disabled")

	// ErrNoRoutes is returned for an empty url list.
	ErrNoRoutes = errors.New("no cloud route urls given")

	// ErrUnscoped is returned when this node has no security scope yet.
	// A relay must be scoped before it may reach out to the cloud, so
	// unscoped traffic never leaks upstream.
	ErrUnscoped = errors.New("node has no security scope configured")
)

// StateListener is notified on cloud up/down transitions.
type StateListener func(url string, up bool)

// Config wires the manager.
type Config struct {
	// Enabled switches cloud connectivity on.
	Enabled bool

	// NodeID is this node's identity, used as the handshake originator.
	NodeID string

	// ScopeFn returns this node's current security scope. Routes are
	// refused while it returns "".
	ScopeFn func() string

	Registry *registry.Registry
	Dialer   RouteDialer

	// Engines supplies the locally registered engines used to assemble
	// the default subscription topics sent to a fresh upstream.
	Engines fabric.EngineResolver

	// Inbound receives every envelope read off a live route, typically
	// the message router's entry point. May be nil.
	Inbound func(from *fabric.PeerConnection, e *fabric.Envelope)

	QueueSize         int
	RetryInterval     time.Duration
	HeartbeatInterval time.Duration

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

// Manager owns the cloud routes and the master-node queue.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	routes    map[string]context.CancelFunc
	listeners map[string]StateListener

	// masterMu guards the master id and its buffer; the drain happens
	// atomically under this single lock so no message is dropped in
	// the window before the master route comes up.
	masterMu    sync.Mutex
	masterID    string
	masterQueue []*fabric.Envelope
}

// New builds a manager. Routes are established via RegisterRoutes.
func New(cfg Config) *Manager {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		routes:    make(map[string]context.CancelFunc),
		listeners: make(map[string]StateListener),
	}
}

// RegisterRoutes starts maintaining a connection to every url not
// already backed by a live cloud-route connection. Establishment is
// asynchronous; up/down transitions reach the registered listeners.
func (m *Manager) RegisterRoutes(ctx context.Context, urls []string) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}
	if len(urls) == 0 {
		return ErrNoRoutes
	}
	if m.cfg.ScopeFn == nil || m.cfg.ScopeFn() == "" {
		return ErrUnscoped
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, url := range urls {
		if url == "" {
			continue
		}
		if _, maintained := m.routes[url]; maintained {
			continue
		}
		if conn, ok := m.cfg.Registry.GetByURL(url); ok &&
			conn.Role() == fabric.RoleCloudRoute &&
			(conn.IsConnected() || conn.IsConnecting()) {
			continue
		}
		routeCtx, cancel := context.WithCancel(ctx)
		m.routes[url] = cancel
		go m.maintainRoute(routeCtx, url)
	}
	return nil
}

// UnregisterRoutes tears down every cloud-route connection and
// detaches the up/down listeners.
func (m *Manager) UnregisterRoutes() {
	m.mu.Lock()
	for url, cancel := range m.routes {
		cancel()
		delete(m.routes, url)
	}
	m.listeners = make(map[string]StateListener)
	m.mu.Unlock()

	for _, conn := range m.cfg.Registry.GetByRole(fabric.RoleCloudRoute) {
		m.cfg.Registry.Remove(conn.NodeID())
	}
	m.updateRouteGauge()
}

// IsRouteConnected reports whether any (or, with requireAll, every)
// cloud route is connected and not mid-handshake.
func (m *Manager) IsRouteConnected(requireAll bool) bool {
	routes := m.cfg.Registry.GetByRole(fabric.RoleCloudRoute)
	if len(routes) == 0 {
		return false
	}
	for _, conn := range routes {
		up := conn.IsConnected() && !conn.IsConnecting()
		if requireAll && !up {
			return false
		}
		if !requireAll && up {
			return true
		}
	}
	return requireAll
}

// RegisterStateListener adds a named up/down listener.
func (m *Manager) RegisterStateListener(name string, l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[name] = l
}

// UnregisterStateListener removes a listener. Idempotent, safe for
// names never registered.
func (m *Manager) UnregisterStateListener(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, name)
}

func (m *Manager) notify(url string, up bool) {
	m.mu.Lock()
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(url, up)
	}
	m.updateRouteGauge()
}

func (m *Manager) updateRouteGauge() {
	up := 0
	for _, conn := range m.cfg.Registry.GetByRole(fabric.RoleCloudRoute) {
		if conn.IsConnected() && !conn.IsConnecting() {
			up++
		}
	}
	m.metrics.SetCloudRoutesUp(up)
}

// maintainRoute keeps one upstream link alive until its context is
// cancelled, reconnecting with a fixed backoff.
func (m *Manager) maintainRoute(ctx context.Context, url string) {
	for {
		if err := m.runRoute(ctx, url); err != nil && ctx.Err() == nil {
			m.log.Warn("cloud route down",
				zap.String("url", url),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RetryInterval):
		}
	}
}

// runRoute performs one connect attempt and, on success, services the
// route until it fails. On cancellation before the handshake completes
// no registry entry is ever inserted.
func (m *Manager) runRoute(ctx context.Context, url string) error {
	hello := fabric.NewEnvelope(m.cfg.NodeID, fabric.TopicSystemwide)
	hello.Command = fabric.CmdConnect
	hello.Scope = m.cfg.ScopeFn()

	route, result, err := m.cfg.Dialer.Dial(ctx, url, hello)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		route.Close()
		return ctx.Err()
	}
	defer route.Close()

	scope := result.Scope
	if scope == "" {
		scope = m.cfg.ScopeFn()
	}
	conn := fabric.NewPeerConnection(fabric.ChannelInfo{
		NodeID: result.NodeID,
		URL:    url,
		Scope:  scope,
		Role:   fabric.RoleCloudRoute,
	}, m.cfg.QueueSize)
	conn.MarkConnected()
	conn.SetTrusted(true)

	if m.cfg.Registry.Add(conn) == registry.AddAlreadyExists {
		// A stale entry from a previous incarnation of this route.
		m.cfg.Registry.Remove(result.NodeID)
		if m.cfg.Registry.Add(conn) != registry.AddRegistered {
			return errors.New("could not register cloud route connection")
		}
	}
	defer m.cfg.Registry.Remove(result.NodeID)
	defer m.notify(url, false)

	m.log.Info("cloud route up",
		zap.String("url", url),
		zap.String("node_id", result.NodeID),
		zap.String("scope", scope))
	m.notify(url, true)
	m.sendDefaultSubscriptions(route, scope)
	m.drainMasterQueueTo(result.NodeID)

	return m.serviceRoute(ctx, conn, route)
}

// sendDefaultSubscriptions subscribes the upstream to every locally
// registered engine topic.
func (m *Manager) sendDefaultSubscriptions(route RouteConn, scope string) {
	if m.cfg.Engines == nil {
		return
	}
	for _, engine := range m.cfg.Engines.LocalEngines() {
		sub := fabric.NewEnvelope(m.cfg.NodeID, engine)
		sub.Command = fabric.CmdSubscribe
		sub.Scope = scope
		if err := route.Send(sub); err != nil {
			m.log.Warn("default subscription failed",
				zap.String("engine", engine),
				zap.Error(err))
			return
		}
	}
}

// serviceRoute pumps the connection's outbound queue to the wire,
// hands inbound envelopes to the router, and probes liveness on the
// heartbeat cadence. The reader goroutine exits when Close unblocks its
// pending Receive.
func (m *Manager) serviceRoute(ctx context.Context, conn *fabric.PeerConnection, route RouteConn) error {
	recvErr := make(chan error, 1)
	go func() {
		for {
			e, err := route.Receive()
			if err != nil {
				recvErr <- err
				return
			}
			conn.MarkHeartbeat()
			if m.cfg.Inbound != nil {
				m.cfg.Inbound(conn, e)
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			return err
		case e := <-conn.Outbound():
			if err := route.Send(e); err != nil {
				return err
			}
		case <-ticker.C:
			if err := route.Ping(); err != nil {
				return err
			}
			conn.MarkHeartbeat()
		}
	}
}

// SetMasterNode records the master node and drains the buffered
// master-bound messages to it in original order. Buffer and drain are
// atomic under a single lock.
func (m *Manager) SetMasterNode(nodeID string) {
	m.masterMu.Lock()
	m.masterID = nodeID
	m.masterMu.Unlock()
	if nodeID != "" {
		m.drainMasterQueueTo(nodeID)
	}
}

// MasterNode returns the currently known master node id, if any.
func (m *Manager) MasterNode() string {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()
	return m.masterID
}

// SendToMaster delivers a system-wide message to the master node,
// buffering it in order while no master connection exists. The buffer
// is unbounded by design; its depth is exported for operators.
func (m *Manager) SendToMaster(e *fabric.Envelope) bool {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()

	if m.masterID != "" {
		if conn, ok := m.cfg.Registry.GetByNodeID(m.masterID); ok && conn.IsConnected() {
			return conn.Enqueue(e)
		}
	}
	m.masterQueue = append(m.masterQueue, e)
	m.metrics.SetMasterQueueDepth(len(m.masterQueue))
	return true
}

// drainMasterQueueTo flushes the buffer onto the master connection,
// preserving order, and clears it. Messages that cannot be enqueued
// stay buffered.
func (m *Manager) drainMasterQueueTo(nodeID string) {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()

	if m.masterID == "" {
		m.masterID = nodeID
	}
	conn, ok := m.cfg.Registry.GetByNodeID(m.masterID)
	if !ok || !conn.IsConnected() {
		return
	}
	for i, e := range m.masterQueue {
		if !conn.Enqueue(e) {
			m.masterQueue = m.masterQueue[i:]
			m.metrics.SetMasterQueueDepth(len(m.masterQueue))
			return
		}
	}
	m.masterQueue = nil
	m.metrics.SetMasterQueueDepth(0)
}

// MasterQueueDepth returns the number of buffered master-bound
// messages.
func (m *Manager) MasterQueueDepth() int {
	m.masterMu.Lock()
	defer m.masterMu.Unlock()
	return len(m.masterQueue)
}
