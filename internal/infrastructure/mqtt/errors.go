package mqtt

import "errors"

// Errors returned by the client. Operation errors wrap one of the first
// group and, where it applies, ErrTimeout or the paho error.
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
)

var (
	// ErrNotConnected is returned while the broker connection is down.
	// Callers treat it as transient; paho reconnects in the background.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrTimeout is wrapped when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrInvalidTopic covers empty topics, wildcards in publish topics and
	// misplaced wildcards in subscription filters.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")

	// ErrPayloadTooLarge is returned for payloads above maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)
