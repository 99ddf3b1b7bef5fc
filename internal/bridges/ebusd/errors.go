package ebusd

import "errors"

// Domain errors for the ebusd bridge package.
var (
	// ErrUnknownType is returned when a field uses a type name the
	// registry does not know. The message cannot be decoded.
	ErrUnknownType = errors.New("ebusd: unknown field type")

	// ErrUnknownKind is returned when a value is coerced to a kind the
	// codec has no rule for. This indicates a registry/model mismatch.
	ErrUnknownKind = errors.New("ebusd: unknown value kind")

	// ErrUnsupportedKind is returned when encoding resolves to a kind
	// with no wire format.
	ErrUnsupportedKind = errors.New("ebusd: unsupported kind for encoding")

	// ErrNoPrimaryField is returned when a message has no non-IGN field
	// to carry a set value.
	ErrNoPrimaryField = errors.New("ebusd: message has no primary field")

	// ErrFieldOutOfRange is returned when a field index is outside the
	// message's field list.
	ErrFieldOutOfRange = errors.New("ebusd: field index out of range")

	// ErrInvalidPayload is returned when an inbound payload is not a JSON
	// array or object of field slots.
	ErrInvalidPayload = errors.New("ebusd: invalid payload")

	// ErrInvalidDefinition is returned when a gateway message catalog
	// cannot be parsed into message definitions.
	ErrInvalidDefinition = errors.New("ebusd: invalid message definition")

	// ErrCircuitNotFound is returned when the gateway response has no
	// messages for the requested circuit.
	ErrCircuitNotFound = errors.New("ebusd: circuit not found")

	// ErrUnexpectedMessageCount is returned when the gateway answers a
	// catalog request with a single message, which it does on errors.
	ErrUnexpectedMessageCount = errors.New("ebusd: unexpected message count")

	// ErrMessageNotFound is returned when a message name is not part of
	// the circuit's current message set.
	ErrMessageNotFound = errors.New("ebusd: message not found")

	// ErrNotWritable is returned when a set is attempted on a read-only message.
	ErrNotWritable = errors.New("ebusd: message is not writable")

	// ErrNotConnected is returned when the MQTT transport is down.
	ErrNotConnected = errors.New("ebusd: not connected to broker")

	// ErrGatewayRequest is returned when an HTTP request to ebusd fails,
	// returns a non-2xx status, or yields a non-object JSON body.
	ErrGatewayRequest = errors.New("ebusd: gateway request failed")

	// ErrNoConfiguration is returned when an operation needs a message set
	// but none has been fetched yet.
	ErrNoConfiguration = errors.New("ebusd: no message configuration loaded")

	// ErrUnknownCircuit is returned when a circuit is not managed by the bridge.
	ErrUnknownCircuit = errors.New("ebusd: unknown circuit")

	// ErrInvalidPriority is returned for negative poll priorities.
	ErrInvalidPriority = errors.New("ebusd: invalid poll priority")
)
