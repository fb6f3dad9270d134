// Package router implements the publish/route/subscribe state machine:
// given a scoped topic and a message it determines the set of target
// connections and hands the message to each connection's send queue.
// Simplex control messages (subscribe/unsubscribe/connect handshake)
// are consumed here and never relayed further.
package router

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/relayfabric/relayfabric/internal/dedup"
	"github.com/relayfabric/relayfabric/internal/metrics"
	"github.com/relayfabric/relayfabric/internal/registry"
	"github.com/relayfabric/relayfabric/internal/session"
	"github.com/relayfabric/relayfabric/pkg/fabric"
)

// Outcome classifies what happened to an inbound message. Dropped
// outcomes are normal operation, not errors; nothing here unwinds into
// the transport layer.
type Outcome int

const (
	// Delivered means the message was enqueued to at least one target
	// or consumed by a local engine.
	Delivered Outcome = iota

	// NoTargets means routing ran but nothing matched.
	NoTargets

	// Control means the message was a simplex control message and was
	// consumed locally.
	Control

	// DroppedMalformed covers unparseable or incomplete messages.
	DroppedMalformed

	// DroppedDuplicate means the dedup cache had seen the message.
	DroppedDuplicate

	// DroppedHopLimit means the hop count reached the configured
	// maximum; the message may still have been processed locally.
	DroppedHopLimit

	// DroppedBlacklisted means the originator is banned; the sending
	// connection is torn down.
	DroppedBlacklisted
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case NoTargets:
		return "no-targets"
	case Control:
		return "control"
	case DroppedMalformed:
		return "malformed"
	case DroppedDuplicate:
		return "duplicate"
	case DroppedHopLimit:
		return "hop-limit"
	case DroppedBlacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// Config wires the router.
type Config struct {
	// NodeID is this node's identity.
	NodeID string

	// ScopeFn returns this node's security scope, used when stamping
	// unscoped outgoing messages.
	ScopeFn func() string

	// MaxHops bounds relay traversals; zero disables the limit.
	MaxHops int

	// RelayNMIToCloud, when false, keeps NMI (UI) traffic away from
	// cloud-route connections.
	RelayNMIToCloud bool

	// Blacklist lists banned node ids.
	Blacklist []string

	Registry *registry.Registry
	Dedup    *dedup.Cache
	Sessions *session.Store
	Scopes   fabric.ScopeService
	Engines  fabric.EngineResolver

	// OnSubscription fires after a subscribe/unsubscribe control
	// message changed a connection's subscription set.
	OnSubscription func(nodeID string, entry fabric.SubscriptionEntry, added bool)

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

// Router is safe for concurrent use. It only reads connections and
// enqueues onto their queues; connection lifecycle stays with the
// registry.
type Router struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	blacklist map[string]struct{}

	// shutdown disables the single-target fast path so draining
	// traffic still evaluates every match.
	shutdown atomic.Bool
}

// New builds a router.
func New(cfg Config) *Router {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Scopes == nil {
		cfg.Scopes = fabric.PassthroughScopes{}
	}
	banned := make(map[string]struct{}, len(cfg.Blacklist))
	for _, id := range cfg.Blacklist {
		banned[id] = struct{}{}
	}
	return &Router{
		cfg:       cfg,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		blacklist: banned,
	}
}

// SetShuttingDown switches the router into drain mode.
func (r *Router) SetShuttingDown() {
	r.shutdown.Store(true)
}

// HandleInbound runs the full inbound pipeline for a message received
// from a peer connection (from may be nil for locally originated
// traffic). Internal panics are caught, logged with context, and
// converted into a dropped-message outcome.
func (r *Router) HandleInbound(ctx context.Context, from *fabric.PeerConnection, e *fabric.Envelope) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("message processing panicked",
				zap.Any("panic", rec),
				zap.String("topic", safeTopic(e)),
				zap.String("originator", safeOriginator(e)))
			r.metrics.RecordDropped("panic")
			outcome = DroppedMalformed
		}
	}()

	if e == nil || e.Topic == "" {
		r.metrics.RecordDropped("malformed")
		r.log.Debug("dropping malformed message: empty topic")
		return DroppedMalformed
	}
	if _, banned := r.blacklist[e.Originator]; banned {
		return r.rejectBlacklisted(from, e)
	}
	if e.Originator == "" && !e.IsControl() {
		r.metrics.RecordDropped("malformed")
		r.log.Debug("dropping message without originator",
			zap.String("topic", e.Topic))
		return DroppedMalformed
	}

	addr := fabric.ParseTopic(e.Topic)

	if e.IsControl() {
		r.handleControl(ctx, from, e, addr)
		return Control
	}

	// Loop/duplicate guard runs before any routing decision.
	if !r.cfg.Dedup.Check(e) {
		r.metrics.RecordDropped("duplicate")
		return DroppedDuplicate
	}

	if e.SessionID != "" {
		r.cfg.Sessions.Touch(e.SessionID)
	}
	if from != nil {
		from.MarkHeartbeat()
	}

	// Local delivery happens even when the hop limit stops relaying.
	r.deliverLocal(ctx, e, addr)

	if r.cfg.MaxHops > 0 && e.HopCount >= r.cfg.MaxHops {
		r.metrics.RecordDropped("hop-limit")
		r.log.Debug("hop limit reached, not relaying",
			zap.String("topic", e.Topic),
			zap.Int("hops", e.HopCount))
		return DroppedHopLimit
	}

	return r.Publish(ctx, from, e, addr)
}

// Publish routes an already-validated envelope. Precedence, first match
// wins: next-hop hint, explicit direct target, filtered broadcast.
func (r *Router) Publish(ctx context.Context, from *fabric.PeerConnection, e *fabric.Envelope, addr fabric.TopicAddress) Outcome {
	r.stampScope(e, addr)

	out := e.Clone()
	out.HopCount++

	// Routing-table shortcut: a next-hop hint naming a live connection
	// wins over everything and avoids the full scan.
	if out.NextHop != "" {
		if conn, ok := r.cfg.Registry.GetByNodeID(out.NextHop); ok && r.isLive(conn) {
			return r.enqueueOutcome(conn, out, "next-hop")
		}
	}

	// Explicit direct target, from the topic suffix or the envelope.
	target := addr.TargetNode
	if target == "" {
		target = out.TargetNode
	}
	if target != "" {
		delivered := NoTargets
		if conn, ok := r.cfg.Registry.GetByNodeID(target); ok && r.isLive(conn) {
			delivered = r.enqueueOutcome(conn, out, "direct")
			// The first successful enqueue to a directly-addressed
			// target short-circuits unless the node is draining.
			if delivered == Delivered && !r.shutdown.Load() {
				return Delivered
			}
		}
		if delivered == NoTargets {
			r.metrics.RecordDropped("target-down")
			r.log.Debug("direct target not reachable",
				zap.String("target", target),
				zap.String("topic", e.Topic))
		}
		if !r.shutdown.Load() {
			return delivered
		}
		// Drain mode keeps evaluating the remaining matches.
		if r.broadcast(from, out, addr) == Delivered || delivered == Delivered {
			return Delivered
		}
		return NoTargets
	}

	return r.broadcast(from, out, addr)
}

// broadcast evaluates every live connection against the scope, role
// policy, subscription table, and one-way filter.
func (r *Router) broadcast(from *fabric.PeerConnection, e *fabric.Envelope, addr fabric.TopicAddress) Outcome {
	fromTrusted := from == nil || from.Trusted()
	delivered := 0

	for _, conn := range r.cfg.Registry.Snapshot() {
		if !r.isLive(conn) {
			continue
		}
		if conn.NodeID() == e.Originator {
			continue
		}
		if from != nil && conn == from {
			continue
		}
		if !r.cfg.RelayNMIToCloud && e.Engine == fabric.EngineNMI &&
			conn.Role() == fabric.RoleCloudRoute {
			continue
		}
		if !conn.AcceptsOneWay(e, addr.Base, fromTrusted) {
			continue
		}
		if e.Scope != "" && !conn.Info().InScope(e.Scope) {
			continue
		}
		if !addr.IsSystemwide() && !conn.SubscribesTo(addr.Base, e.Scope) {
			continue
		}
		if conn.Enqueue(e) {
			delivered++
		} else {
			r.metrics.RecordDropped("queue-full")
			r.log.Warn("outbound queue full",
				zap.String("node_id", conn.NodeID()),
				zap.String("topic", e.Topic))
		}
	}

	if delivered == 0 {
		return NoTargets
	}
	r.metrics.RecordRouted()
	return Delivered
}

// enqueueOutcome delivers to a single directly-addressed target.
func (r *Router) enqueueOutcome(conn *fabric.PeerConnection, e *fabric.Envelope, path string) Outcome {
	if conn.Enqueue(e) {
		r.metrics.RecordRouted()
		return Delivered
	}
	r.metrics.RecordDropped("queue-full")
	r.log.Warn("outbound queue full",
		zap.String("node_id", conn.NodeID()),
		zap.String("path", path))
	return NoTargets
}

// stampScope sets the outgoing scope exactly once, when the topic
// carries one or scoping is globally enabled.
func (r *Router) stampScope(e *fabric.Envelope, addr fabric.TopicAddress) {
	if e.Scope != "" || e.ScopeStamped() {
		return
	}
	scope := addr.Scope
	if scope == "" && r.cfg.Scopes.Enabled() && r.cfg.ScopeFn != nil {
		scope = r.cfg.ScopeFn()
	}
	if scope != "" {
		e.StampScope(r.cfg.Scopes.Descramble(scope))
	}
}

// deliverLocal hands the envelope to a local engine when one is
// registered for its tag.
func (r *Router) deliverLocal(ctx context.Context, e *fabric.Envelope, addr fabric.TopicAddress) {
	if r.cfg.Engines == nil || e.Engine == "" {
		return
	}
	if addr.IsDirect() && addr.TargetNode != r.cfg.NodeID {
		return
	}
	handler, ok := r.cfg.Engines.Resolve(e.Engine)
	if !ok || handler == nil {
		return
	}
	if err := handler(ctx, e); err != nil {
		r.log.Warn("local engine rejected message",
			zap.String("engine", e.Engine),
			zap.String("topic", e.Topic),
			zap.Error(err))
	}
}

func (r *Router) isLive(conn *fabric.PeerConnection) bool {
	return conn.IsConnected() && conn.IsAlive()
}

// rejectBlacklisted tears down the sending connection, invalidates its
// session, and logs a security-relevant event. No retry for this
// connection attempt.
func (r *Router) rejectBlacklisted(from *fabric.PeerConnection, e *fabric.Envelope) Outcome {
	r.metrics.RecordDropped("blacklisted")
	r.log.Warn("message from blacklisted node",
		zap.String("originator", e.Originator),
		zap.String("topic", e.Topic))

	if from != nil {
		if sessionID := from.SessionID(); sessionID != "" {
			r.cfg.Sessions.ExpireSession(sessionID)
		}
		r.cfg.Registry.Remove(from.NodeID())
	}
	return DroppedBlacklisted
}

func safeTopic(e *fabric.Envelope) string {
	if e == nil {
		return ""
	}
	return e.Topic
}

func safeOriginator(e *fabric.Envelope) string {
	if e == nil {
		return ""
	}
	return e.Originator
}
