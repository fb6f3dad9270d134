package fabric

import (
	"encoding/json"
	"time"
)

// Envelope is the unit routed through the fabric. One envelope may be
// fanned out to many peer connections; the router clones before any
// per-connection mutation so a shared envelope is never written twice.
type Envelope struct {
	// Originator is the node id of the message source. Every routed
	// message must carry a resolvable originator unless it is a pure
	// control/heartbeat message.
	Originator string `json:"originator"`

	// SessionID tags the scoped session this message belongs to.
	SessionID string `json:"sessionId,omitempty"`

	// Scope is the tenant/security partition. Empty means unscoped;
	// the router stamps it at most once per publish.
	Scope string `json:"scope,omitempty"`

	// Engine is the engine/topic tag resolved by the engine registry
	// for purely-local delivery.
	Engine string `json:"engine,omitempty"`

	// Topic is the raw topic string, possibly carrying direct and
	// scope suffixes. See ParseTopic.
	Topic string `json:"topic"`

	// Command is the free-text command; reserved CDE_* values make
	// this a simplex control message.
	Command string `json:"command,omitempty"`

	// Text and Binary carry the payload. Either may be empty.
	Text   string `json:"text,omitempty"`
	Binary []byte `json:"binary,omitempty"`

	// Sequence is the per-session message sequence number ("FID").
	Sequence uint64 `json:"seq,omitempty"`

	// HopCount is the number of relay traversals so far.
	HopCount int `json:"hops,omitempty"`

	// NextHop, when set, names a connection the sender believes is the
	// right next hop. The router uses it as a routing-table shortcut
	// when it points at a live connection.
	NextHop string `json:"nextHop,omitempty"`

	// TargetNode marks "this message targets node X directly".
	TargetNode string `json:"targetNode,omitempty"`

	// OneWay marks messages eligible for one-way filtered connections.
	OneWay bool `json:"oneWay,omitempty"`

	// Timestamp is when the envelope was created.
	Timestamp time.Time `json:"ts"`

	// scopeStamped prevents double-stamping when the router fans out
	// to multiple connections.
	scopeStamped bool
}

// NewEnvelope creates an envelope with the creation timestamp set.
func NewEnvelope(originator, topic string) *Envelope {
	return &Envelope{
		Originator: originator,
		Topic:      topic,
		Timestamp:  time.Now().UTC(),
	}
}

// IsControl reports whether the envelope carries a reserved simplex
// control command rather than user payload.
func (e *Envelope) IsControl() bool {
	return IsControlCommand(e.Command)
}

// StampScope sets the scope exactly once. Later calls are no-ops so a
// fan-out over many connections cannot re-stamp.
func (e *Envelope) StampScope(scope string) bool {
	if e.scopeStamped || scope == "" {
		return false
	}
	e.Scope = scope
	e.scopeStamped = true
	return true
}

// ScopeStamped reports whether StampScope already ran on this envelope.
func (e *Envelope) ScopeStamped() bool {
	return e.scopeStamped
}

// Clone returns a deep copy. The binary payload is copied so queued
// envelopes cannot alias a buffer the transport will reuse.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Binary != nil {
		clone.Binary = make([]byte, len(e.Binary))
		copy(clone.Binary, e.Binary)
	}
	return &clone
}

// Encode serializes the envelope for the WebSocket cloud-route link.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope off the wire. A zero timestamp is
// replaced so dedup fingerprints never see the zero time.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return &e, nil
}
