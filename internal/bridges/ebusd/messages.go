package ebusd

import (
	"time"

	"github.com/google/uuid"
)

// MQTT message types published and consumed by the bridge on its own
// topic tree (see Topics).

// StateMessage carries the decoded values of one kept message.
// Topic: {prefix}/state/{circuit}/{message}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Circuit   string       `json:"circuit"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
	Values    []FieldValue `json:"values"`
}

// NewStateMessage builds a state message from a decode result, keeping
// only fields that carried a value.
func NewStateMessage(circuit string, d MessageDecode) StateMessage {
	return StateMessage{
		Circuit:   circuit,
		Message:   d.Message,
		Timestamp: time.Now().UTC(),
		Values:    d.Present(),
	}
}

// CommandMessage asks the bridge to set a message value on the bus.
// Topic: {prefix}/command/{circuit}/{message}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. Generated when empty.
	ID string `json:"id,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Value is the typed value to encode for the message's primary field.
	Value any `json:"value"`

	// Source indicates where the command originated ("api", "mqtt", "cli").
	Source string `json:"source,omitempty"`
}

// AckStatus is the outcome of a set command.
type AckStatus string

const (
	// AckAccepted indicates the set payload was published to ebusd.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command was rejected or could not be published.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: {prefix}/ack/{circuit}/{message}
// QoS: 1, Retained: No
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Circuit   string    `json:"circuit"`
	Message   string    `json:"message"`
	Status    AckStatus `json:"status"`
	Payload   string    `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewAckMessage builds an acknowledgment. A nil err yields AckAccepted.
func NewAckMessage(commandID, circuit, message, payload string, err error) AckMessage {
	ack := AckMessage{
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
		Circuit:   circuit,
		Message:   message,
		Status:    AckAccepted,
		Payload:   payload,
	}
	if err != nil {
		ack.Status = AckFailed
		ack.Error = err.Error()
	}
	return ack
}

// NewCommandID returns a fresh command correlation ID.
func NewCommandID() string {
	return uuid.NewString()
}

// HealthStatus is the overall status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates every circuit is active.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates some circuits are not active or MQTT is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates no circuit is active.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline is published by the broker through the LWT.
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// CircuitHealth is the health of one managed circuit.
type CircuitHealth struct {
	Circuit   string    `json:"circuit"`
	Status    Status    `json:"status"`
	Code      int       `json:"code"`
	Reason    string    `json:"reason,omitempty"`
	Signal    bool      `json:"signal"`
	Messages  int       `json:"messages"`
	Kept      int       `json:"kept"`
	Revision  uint64    `json:"revision"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	NextCheck string    `json:"next_check,omitempty"`
}

// HealthMessage reports the bridge status.
// Topic: {prefix}/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string          `json:"bridge"`
	Timestamp     time.Time       `json:"timestamp"`
	Status        HealthStatus    `json:"status"`
	Version       string          `json:"version,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Circuits      []CircuitHealth `json:"circuits,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// NewHealthMessage creates a health message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, circuits []CircuitHealth, startTime time.Time) HealthMessage {
	return HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Circuits:      circuits,
	}
}

// NewLWTMessage creates the message the broker publishes when the
// bridge disappears.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}
