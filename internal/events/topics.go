package events

// Topics published on the application bus.
const (
	// TopicGatewayStatus carries gateway.Status values on every
	// connection state transition.
	TopicGatewayStatus = "gateway.status"

	// TopicGatewayNotify carries protocol notifications pushed by the
	// gateway (frames without an id).
	TopicGatewayNotify = "gateway.notify"
)
