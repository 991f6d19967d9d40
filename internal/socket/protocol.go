package socket

// Protocol identifies a socket sub-protocol. The set is closed: routing
// is a switch over these values, so adding a protocol is a compile-time
// change.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolEcho
	ProtocolAgent
	ProtocolSubscriptions
)

// ParseProtocol maps a URL path segment to a protocol.
func ParseProtocol(name string) Protocol {
	switch name {
	case "echo":
		return ProtocolEcho
	case "agent":
		return ProtocolAgent
	case "subscriptions-r4":
		return ProtocolSubscriptions
	default:
		return ProtocolUnknown
	}
}

// String returns the wire name of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolEcho:
		return "echo"
	case ProtocolAgent:
		return "agent"
	case ProtocolSubscriptions:
		return "subscriptions-r4"
	default:
		return "unknown"
	}
}
