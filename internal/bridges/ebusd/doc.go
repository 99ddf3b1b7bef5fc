// Package ebusd implements the ebusd bridge.
//
// ebusd publishes decoded eBUS messages as JSON over MQTT and serves its
// message catalog over HTTP. This package turns those broadcasts into
// typed values with stable identifiers, publishes set and poll commands
// back to ebusd, and tracks the connection health of every managed
// circuit.
//
// # Architecture
//
//	┌─────────────────┐   MQTT   ┌─────────────────┐   MQTT    ┌────────┐
//	│  ebusbridge/#   │◄────────►│  ebusd Bridge   │◄─────────►│ ebusd  │◄──► eBUS
//	│  (state, ack)   │          │   (this pkg)    │◄─────────►│        │
//	└─────────────────┘          └─────────────────┘   HTTP    └────────┘
//
// # Key Responsibilities
//
//   - Read the message catalog of a circuit (GET /data/{circuit}?def)
//   - Classify field types and value ranges (TypeRegistry)
//   - Derive field identifiers and labels (FieldIdentifier, FieldLabel)
//   - Decode broadcast payloads and encode set payloads (Codec)
//   - Publish poll priority changes as "?N" get commands (DiffPollPriorities)
//   - Evaluate connection health with backoff (EvaluateHealth, Backoff)
//
// # Topics
//
// The ebusd side uses the group topic, "ebusd" by default:
//
//	ebusd/{circuit}/{message}        broadcast (subscribed)
//	ebusd/{circuit}/{message}/get    read request, payload "" or "?N"
//	ebusd/{circuit}/{message}/set    write request
//	ebusd/global/signal              bus signal
//
// The bridge side uses its own prefix, "ebusbridge" by default:
//
//	ebusbridge/state/{circuit}/{message}    decoded values (retained)
//	ebusbridge/command/{circuit}/{message}  set commands (subscribed)
//	ebusbridge/ack/{circuit}/{message}      command results
//	ebusbridge/health                       bridge health (retained, LWT)
//
// Example:
//
//	set := ebusd.NewMessageSet("bai", 1, time.Now(), ebusd.BuildMessages(raw))
//	codec := ebusd.NewCodec(ebusd.NewDefaultTypeRegistry(), ebusd.DefaultLabelOptions())
//	msg, _ := set.Get("FlowTemp")
//	payload, _ := ebusd.ParsePayload(data)
//	d, err := codec.DecodeMessage(msg, payload, false)
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// MessageSet values are immutable once built.
//
// # References
//
//   - ebusd: https://github.com/john30/ebusd
//   - ebusd MQTT integration: https://github.com/john30/ebusd/wiki/MQTT-client
package ebusd
