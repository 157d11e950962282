package kephasgate

// Close codes sent to clients when the gateway ends a connection.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// Error codes carried in error envelopes and *Error values.
const (
	// Security
	CodeIPBlocked         = "ip_blocked"
	CodeRateLimited       = "rate_limited"
	CodeLockedOut         = "locked_out"
	CodeIPCapExceeded     = "ip_cap_exceeded"
	CodeDeviceCapExceeded = "device_cap_exceeded"
	CodeCapacityExceeded  = "capacity_exceeded"
	CodeMessageRejected   = "message_rejected"
	CodeForbidden         = "forbidden"

	// Authentication
	CodeMissingCredentials = "missing_credentials"
	CodeDeviceMismatch     = "device_mismatch"
	CodeInvalidToken       = "invalid_token"
	CodeSessionExpired     = "session_expired"

	// Validation
	CodeMalformed         = "malformed_envelope"
	CodeMissingField      = "missing_field"
	CodeUnknownType       = "unknown_type"
	CodeUnsupportedType   = "unsupported_type"
	CodeInvalidPayload    = "invalid_payload"
	CodeMissingMethod     = "missing_method"
	CodeUnknownMethod     = "unknown_method"
	CodeDuplicateClient   = "duplicate_client"
	CodeInvalidTransition = "invalid_transition"

	// Integrity
	CodeHashMismatch = "hash_mismatch"

	// Not found
	CodeUnknownSession = "unknown_session"

	// Timeout
	CodeRPCTimeout = "rpc_timeout"
)

// Distributed bus channels shared by every gateway instance.
const (
	ChannelSessionInvalidate = "kephasgate:session:invalidate"
	ChannelIPBlock           = "kephasgate:ip:block"
	ChannelEvents            = "kephasgate:events"
	ChannelRPCNotify         = "kephasgate:rpc:notify"
)

// Store keys.
const (
	KeyBlockedIPs    = "kephasgate:blocked_ips"
	KeySessionPrefix = "kephasgate:session:"
	KeyQueuePrefix   = "kephasgate:queue:"

	// KeySubscriptionsPrefix holds the event types a client subscribed to.
	KeySubscriptionsPrefix = "kephasgate:subs:"
)

// DeviceRoomPrefix prefixes the room every connection of a device joins.
const DeviceRoomPrefix = "device:"
