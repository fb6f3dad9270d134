package fabric

import (
	"strings"
	"sync"
	"time"
)

// PeerConnection ("sender") is one logical connection to a peer node.
// It is created and destroyed only by the connection registry; all other
// components read its state and enqueue onto its outbound queue.
//
// Within one connection the outbound queue preserves enqueue order.
// Across connections there is no ordering guarantee.
type PeerConnection struct {
	mu   sync.RWMutex
	info ChannelInfo

	queue chan *Envelope

	alive      bool
	connected  bool
	connecting bool
	trusted    bool

	oneWayFilter  string
	lastHeartbeat time.Time

	subs map[SubscriptionEntry]struct{}
}

// DefaultQueueSize is the outbound queue capacity used when the caller
// passes zero.
const DefaultQueueSize = 256

// NewPeerConnection builds a connection in the Connecting state.
func NewPeerConnection(info ChannelInfo, queueSize int) *PeerConnection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &PeerConnection{
		info:          info.Clone(),
		queue:         make(chan *Envelope, queueSize),
		connecting:    true,
		lastHeartbeat: time.Now(),
		subs:          make(map[SubscriptionEntry]struct{}),
	}
}

// Info returns a copy of the addressing information.
func (p *PeerConnection) Info() ChannelInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.Clone()
}

// NodeID returns the peer's node identity.
func (p *PeerConnection) NodeID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.NodeID
}

// Scope returns the peer's primary scope.
func (p *PeerConnection) Scope() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.Scope
}

// Role returns the sender role.
func (p *PeerConnection) Role() SenderRole {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.Role
}

// SessionID returns the backing session id, empty if none.
func (p *PeerConnection) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.SessionID
}

// SetNodeID rewrites the peer identity. Only the registry calls this,
// as part of an atomic re-key.
func (p *PeerConnection) SetNodeID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.NodeID = id
}

// SetSessionID attaches or replaces the backing session.
func (p *PeerConnection) SetSessionID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.SessionID = id
}

// SetScope assigns the peer's scope once the handshake resolves it.
func (p *PeerConnection) SetScope(scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.Scope = scope
}

// Enqueue appends the envelope to the outbound queue. It never blocks:
// a full queue rejects the message and the caller counts the drop.
func (p *PeerConnection) Enqueue(e *Envelope) bool {
	select {
	case p.queue <- e:
		return true
	default:
		return false
	}
}

// Outbound exposes the queue for the transport writer.
func (p *PeerConnection) Outbound() <-chan *Envelope {
	return p.queue
}

// QueueLen returns the number of pending outbound envelopes.
func (p *PeerConnection) QueueLen() int {
	return len(p.queue)
}

// DrainTo moves every pending envelope onto another connection's queue,
// preserving order. Used by the registry when a peer is re-keyed so no
// in-flight message queued under the old key is lost.
func (p *PeerConnection) DrainTo(dst *PeerConnection) int {
	moved := 0
	for {
		select {
		case e := <-p.queue:
			if dst.Enqueue(e) {
				moved++
			}
		default:
			return moved
		}
	}
}

// IsAlive reports recent-heartbeat liveness.
func (p *PeerConnection) IsAlive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.alive
}

// IsConnected reports a completed handshake.
func (p *PeerConnection) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// IsConnecting reports a handshake still in flight.
func (p *PeerConnection) IsConnecting() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connecting
}

// MarkConnected transitions Connecting→Connected. It also marks the
// connection alive and stamps the heartbeat.
func (p *PeerConnection) MarkConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connecting = false
	p.connected = true
	p.alive = true
	p.lastHeartbeat = time.Now()
}

// MarkDisconnected transitions to the dead state.
func (p *PeerConnection) MarkDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connecting = false
	p.connected = false
	p.alive = false
}

// SetAlive flips the liveness flag, typically from the heartbeat sweep.
func (p *PeerConnection) SetAlive(alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = alive
}

// MarkHeartbeat records a liveness signal from the peer.
func (p *PeerConnection) MarkHeartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeartbeat = time.Now()
	p.alive = true
}

// SinceHeartbeat returns the elapsed time since the last liveness
// signal. Callers use this for the implicit Suspect state: there is no
// explicit field, staleness is always derived.
func (p *PeerConnection) SinceHeartbeat() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Since(p.lastHeartbeat)
}

// Trusted reports whether this peer may feed one-way connections.
func (p *PeerConnection) Trusted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trusted
}

// SetTrusted flips the trust flag.
func (p *PeerConnection) SetTrusted(trusted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trusted = trusted
}

// SetOneWayFilter installs the topic filter for a one-way connection.
func (p *PeerConnection) SetOneWayFilter(filter string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oneWayFilter = filter
}

// AcceptsOneWay decides whether a one-way connection receives the
// envelope. Non-one-way connections always pass. A one-way connection
// only receives messages that match its filter and arrive from a
// trusted sender; everything else is silently skipped.
func (p *PeerConnection) AcceptsOneWay(e *Envelope, base string, fromTrusted bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.info.Role != RoleOneWay {
		return true
	}
	if !e.OneWay || !fromTrusted {
		return false
	}
	return p.oneWayFilter == "" || strings.Contains(base, p.oneWayFilter)
}

// Subscribe records a (topic, scope) interest. Returns false when the
// entry was already present.
func (p *PeerConnection) Subscribe(entry SubscriptionEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[entry]; ok {
		return false
	}
	p.subs[entry] = struct{}{}
	return true
}

// Unsubscribe removes a (topic, scope) interest. Idempotent.
func (p *PeerConnection) Unsubscribe(entry SubscriptionEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[entry]; !ok {
		return false
	}
	delete(p.subs, entry)
	return true
}

// Subscriptions returns a snapshot of the subscription set.
func (p *PeerConnection) Subscriptions() []SubscriptionEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SubscriptionEntry, 0, len(p.subs))
	for s := range p.subs {
		out = append(out, s)
	}
	return out
}

// SubscribesTo reports whether any subscription matches the base topic
// in the given scope.
func (p *PeerConnection) SubscribesTo(topic, scope string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for s := range p.subs {
		if s.Matches(topic, scope) {
			return true
		}
	}
	return false
}

// HasSubscriptionFragment reports whether any subscribed topic contains
// the fragment, compared case-insensitively.
func (p *PeerConnection) HasSubscriptionFragment(fragment string) bool {
	frag := strings.ToLower(fragment)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for s := range p.subs {
		if strings.Contains(strings.ToLower(s.Topic), frag) {
			return true
		}
	}
	return false
}
