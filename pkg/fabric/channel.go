package fabric

// ChannelInfo is the addressable identity of a peer: everything needed
// to name and reach it, without the live connection state. It is
// embedded in PeerConnection and also passed standalone when only
// addressing information is needed.
type ChannelInfo struct {
	// NodeID is the unique identity of the peer node.
	NodeID string

	// URL is the target URL for outbound connections, empty for
	// inbound peers.
	URL string

	// Scope is the security/tenant scope this peer belongs to.
	// Empty means unscoped.
	Scope string

	// AltScopes lists additional scopes the peer is a member of.
	AltScopes []string

	// Role classifies the peer.
	Role SenderRole

	// SessionID references the session backing this peer, if any.
	SessionID string
}

// InScope reports whether the peer belongs to the given scope, either
// as its primary scope or one of its alternates. The empty scope
// matches only unscoped peers.
func (c ChannelInfo) InScope(scope string) bool {
	if c.Scope == scope {
		return true
	}
	for _, alt := range c.AltScopes {
		if alt == scope {
			return true
		}
	}
	return false
}

// Clone returns a copy with its own alternate-scope slice.
func (c ChannelInfo) Clone() ChannelInfo {
	out := c
	if c.AltScopes != nil {
		out.AltScopes = make([]string, len(c.AltScopes))
		copy(out.AltScopes, c.AltScopes)
	}
	return out
}
