package protocol

// CloseCode is the numeric close reason sent to clients. The values are part
// of the external contract with deployed clients and sit in the
// application-reserved websocket range.
type CloseCode int

const (
	CloseShutdown              CloseCode = 4000
	CloseInitialAuthTimeout    CloseCode = 4001
	CloseHeartbeatTimeout      CloseCode = 4002
	CloseAuthenticationFailed  CloseCode = 4003
	CloseEncryptionUnavailable CloseCode = 4004
)

func (c CloseCode) String() string {
	switch c {
	case CloseShutdown:
		return "server shutting down"
	case CloseInitialAuthTimeout:
		return "authentication window elapsed"
	case CloseHeartbeatTimeout:
		return "heartbeat timeout"
	case CloseAuthenticationFailed:
		return "authentication failed"
	case CloseEncryptionUnavailable:
		return "encryption required but unavailable"
	default:
		return "closed"
	}
}
