package fabric

// SubscriptionEntry is one (topic, scope) pair a connection has asked to
// have relayed to it. The zero scope subscribes to the unscoped form of
// the topic only.
type SubscriptionEntry struct {
	Topic string
	Scope string
}

// Matches reports whether a publish to the given base topic and scope
// should be delivered under this subscription. A subscription without a
// scope matches any scope for its topic; a scoped subscription matches
// only its own scope.
func (s SubscriptionEntry) Matches(topic, scope string) bool {
	if s.Topic != topic {
		return false
	}
	return s.Scope == "" || s.Scope == scope
}
