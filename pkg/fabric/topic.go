package fabric

import "strings"

// Reserved topic and control command names. These are part of the wire
// contract with peers and must not be reused as user topics or payload.
const (
	// TopicSystemwide denotes "broadcast unless a direct suffix narrows it".
	TopicSystemwide = "CDE_SYSTEMWIDE"

	CmdSubscribe    = "CDE_SUBSCRIBE"
	CmdUnsubscribe  = "CDE_UNSUBSCRIBE"
	CmdConnect      = "CDE_CONNECT"
	CmdDeleteOrphan = "CDE_DELETEORPHAN"
	CmdServiceInfo  = "CDE_SERVICE_INFO"

	// EngineNMI tags node management interface (UI) traffic, which a
	// policy switch can keep away from cloud routes.
	EngineNMI = "NMI"
)

// Topic string separators: "Base;TargetNode" addresses a single node,
// "Base@Scope" pins the message to a security scope. Both may appear,
// direct suffix first: "CDE_SYSTEMWIDE;node-17@S1".
const (
	DirectSeparator = ";"
	ScopeSeparator  = "@"
)

// TopicAddress is the parsed form of a topic string.
type TopicAddress struct {
	// Base is the topic with any suffixes stripped.
	Base string

	// TargetNode is the node id from a ";node" direct suffix, or empty.
	TargetNode string

	// Scope is the scope id from an "@scope" suffix, or empty.
	Scope string
}

// ParseTopic splits a topic string into its base, direct-target and scope
// parts. Parsing is done once per publish call; the router passes the
// parsed address around instead of re-splitting.
func ParseTopic(topic string) TopicAddress {
	addr := TopicAddress{Base: topic}

	if i := strings.Index(addr.Base, ScopeSeparator); i >= 0 {
		addr.Scope = addr.Base[i+len(ScopeSeparator):]
		addr.Base = addr.Base[:i]
	}
	if i := strings.Index(addr.Base, DirectSeparator); i >= 0 {
		addr.TargetNode = addr.Base[i+len(DirectSeparator):]
		addr.Base = addr.Base[:i]
	}
	return addr
}

// String re-assembles the topic string from its parts.
func (a TopicAddress) String() string {
	var b strings.Builder
	b.WriteString(a.Base)
	if a.TargetNode != "" {
		b.WriteString(DirectSeparator)
		b.WriteString(a.TargetNode)
	}
	if a.Scope != "" {
		b.WriteString(ScopeSeparator)
		b.WriteString(a.Scope)
	}
	return b.String()
}

// IsSystemwide reports whether the base topic is the reserved
// broadcast-unless-narrowed topic.
func (a TopicAddress) IsSystemwide() bool {
	return a.Base == TopicSystemwide
}

// IsDirect reports whether the address names a single target node.
func (a TopicAddress) IsDirect() bool {
	return a.TargetNode != ""
}

// IsControlCommand reports whether cmd is one of the reserved simplex
// control commands that are processed locally and never relayed further
// than one hop.
func IsControlCommand(cmd string) bool {
	switch cmd {
	case CmdSubscribe, CmdUnsubscribe, CmdConnect, CmdDeleteOrphan, CmdServiceInfo:
		return true
	}
	return false
}
