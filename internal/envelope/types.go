package envelope

// MessageType identifies the kind of an envelope. The set is closed: any
// value outside it decodes as a validation failure.
type MessageType uint8

const (
	TypeUnknown MessageType = iota
	TypeConnect
	TypeDisconnect
	TypePing
	TypePong
	TypeError
	TypeAuthRequest
	TypeAuthResponse
	TypeTokenRefresh
	TypeRPCRequest
	TypeRPCResponse
	TypeRPCNotification
	TypeSubscribe
	TypeUnsubscribe
	TypeEvent
	TypeSyncRequest
	TypeSyncResponse
	TypeSyncComplete

	typeCount
)

var typeNames = [typeCount]string{
	TypeUnknown:         "unknown",
	TypeConnect:         "connect",
	TypeDisconnect:      "disconnect",
	TypePing:            "ping",
	TypePong:            "pong",
	TypeError:           "error",
	TypeAuthRequest:     "auth_request",
	TypeAuthResponse:    "auth_response",
	TypeTokenRefresh:    "token_refresh",
	TypeRPCRequest:      "rpc_request",
	TypeRPCResponse:     "rpc_response",
	TypeRPCNotification: "rpc_notification",
	TypeSubscribe:       "subscribe",
	TypeUnsubscribe:     "unsubscribe",
	TypeEvent:           "event",
	TypeSyncRequest:     "sync_request",
	TypeSyncResponse:    "sync_response",
	TypeSyncComplete:    "sync_complete",
}

var typesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, typeCount-1)
	for t := TypeConnect; t < typeCount; t++ {
		m[typeNames[t]] = t
	}
	return m
}()

func (t MessageType) String() string {
	if t >= typeCount {
		return typeNames[TypeUnknown]
	}
	return typeNames[t]
}

// Valid reports whether t is one of the recognized message kinds.
func (t MessageType) Valid() bool {
	return t > TypeUnknown && t < typeCount
}

// ParseMessageType maps a wire name to its MessageType.
func ParseMessageType(name string) (MessageType, bool) {
	t, ok := typesByName[name]
	return t, ok
}

// Types returns every recognized message kind in declaration order.
func Types() []MessageType {
	out := make([]MessageType, 0, typeCount-1)
	for t := TypeConnect; t < typeCount; t++ {
		out = append(out, t)
	}
	return out
}
