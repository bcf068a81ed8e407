package domain

// ConnectionState is the lifecycle state of a feed connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name so JSON payloads stay readable.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
