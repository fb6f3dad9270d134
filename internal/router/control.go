package router

import (
	"context"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/relayfabric/relayfabric/pkg/fabric"
)

// handleControl consumes a simplex control message. Control messages
// change routing state on this node and are terminal: they are never
// relayed past the first node that receives them.
func (r *Router) handleControl(ctx context.Context, from *fabric.PeerConnection, e *fabric.Envelope, addr fabric.TopicAddress) {
	switch e.Command {
	case fabric.CmdSubscribe:
		r.handleSubscription(from, e, addr, true)
	case fabric.CmdUnsubscribe:
		r.handleSubscription(from, e, addr, false)
	case fabric.CmdConnect:
		r.handleConnect(from, e)
	case fabric.CmdDeleteOrphan:
		r.handleDeleteOrphan(e)
	case fabric.CmdServiceInfo:
		r.handleServiceInfo(from, e)
	}
}

func (r *Router) handleSubscription(from *fabric.PeerConnection, e *fabric.Envelope, addr fabric.TopicAddress, subscribe bool) {
	if from == nil {
		return
	}
	scope := addr.Scope
	if scope == "" {
		scope = e.Scope
	}
	entry := fabric.SubscriptionEntry{Topic: addr.Base, Scope: scope}

	var changed bool
	if subscribe {
		changed = from.Subscribe(entry)
	} else {
		changed = from.Unsubscribe(entry)
	}
	if !changed {
		return
	}

	r.log.Info("subscription changed",
		zap.String("node_id", from.NodeID()),
		zap.String("topic", entry.Topic),
		zap.String("scope", entry.Scope),
		zap.Bool("subscribed", subscribe))

	if r.cfg.OnSubscription != nil {
		r.cfg.OnSubscription(from.NodeID(), entry, subscribe)
	}
}

// handleConnect completes the peer handshake: the connection moves
// Connecting→Connected and a connect reply carrying this node's
// identity and scope is queued back to the peer.
func (r *Router) handleConnect(from *fabric.PeerConnection, e *fabric.Envelope) {
	if from == nil {
		return
	}
	from.MarkConnected()

	if e.SessionID != "" {
		from.SetSessionID(e.SessionID)
		r.cfg.Sessions.Touch(e.SessionID)
	}

	reply := fabric.NewEnvelope(r.cfg.NodeID, fabric.TopicSystemwide)
	reply.Command = fabric.CmdConnect
	if r.cfg.ScopeFn != nil {
		reply.Scope = r.cfg.ScopeFn()
	}
	if !from.Enqueue(reply) {
		r.log.Warn("connect reply dropped, queue full",
			zap.String("node_id", from.NodeID()))
	}

	r.log.Info("peer handshake completed",
		zap.String("node_id", from.NodeID()),
		zap.String("originator", e.Originator))
}

// handleDeleteOrphan removes a stale, no-longer-alive entry whose node
// id is carried in the message text.
func (r *Router) handleDeleteOrphan(e *fabric.Envelope) {
	orphanID := e.Text
	if orphanID == "" {
		return
	}
	conn, ok := r.cfg.Registry.GetByNodeID(orphanID)
	if !ok {
		return
	}
	if conn.IsAlive() {
		r.log.Debug("delete-orphan ignored for live connection",
			zap.String("node_id", orphanID))
		return
	}
	r.cfg.Registry.Remove(orphanID)
}

// handleServiceInfo refreshes cached peer metadata from the message
// text, a small JSON object.
func (r *Router) handleServiceInfo(from *fabric.PeerConnection, e *fabric.Envelope) {
	if from == nil || e.Text == "" {
		return
	}
	if scope := gjson.Get(e.Text, "scope").String(); scope != "" {
		from.SetScope(r.cfg.Scopes.Descramble(scope))
	}
	if trusted := gjson.Get(e.Text, "trusted"); trusted.Exists() {
		from.SetTrusted(trusted.Bool())
	}
	if filter := gjson.Get(e.Text, "oneWayFilter").String(); filter != "" {
		from.SetOneWayFilter(filter)
	}
	r.log.Debug("service info updated",
		zap.String("node_id", from.NodeID()))
}
