package protocol

// Event names pushed from server to subscribed clients.
const (
	EventLaneOverflow          = "lane.overflow"
	EventConfigUpdated         = "config.updated"
	EventConfigRestartRequired = "config.restart_required"
	EventConfigError           = "config.error"
	EventHandoff               = "handoff"
	EventShutdown              = "shutdown"
)

// Frame types.
const (
	FrameTypeMessage   = "message"
	FrameTypeAck       = "ack"
	FrameTypeError     = "error"
	FrameTypeEvent     = "event"
	FrameTypeSubscribe = "subscribe"
)

// Error codes carried in ErrorShape.Code.
const (
	ErrRateLimited    = "RATE_LIMITED"
	ErrUnroutable     = "UNROUTABLE"
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnavailable    = "UNAVAILABLE"
)
