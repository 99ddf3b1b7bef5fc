package ebusd

import "strings"

// Default topic roots.
const (
	DefaultGroupTopic  = "ebusd"
	DefaultTopicPrefix = "ebusbridge"
)

// Topics builds the MQTT topics of both sides of the bridge: the ebusd
// group topic tree and the bridge's own tree.
type Topics struct {
	Group  string
	Prefix string
}

// NewTopics returns topic builders, applying defaults to empty roots.
func NewTopics(group, prefix string) Topics {
	if group == "" {
		group = DefaultGroupTopic
	}
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Group: strings.TrimRight(group, "/"), Prefix: strings.TrimRight(prefix, "/")}
}

// CircuitPrefix returns "{group}/{circuit}/" for a lower-cased circuit.
func (t Topics) CircuitPrefix(circuit string) string {
	return t.Group + "/" + strings.ToLower(circuit) + "/"
}

// CircuitWildcard returns the subscription for all of a circuit's messages.
func (t Topics) CircuitWildcard(circuit string) string {
	return t.CircuitPrefix(circuit) + "#"
}

// Get returns the get topic of a message.
func (t Topics) Get(circuit, message string) string {
	return t.CircuitPrefix(circuit) + message + "/get"
}

// Set returns the set topic of a message.
func (t Topics) Set(circuit, message string) string {
	return t.CircuitPrefix(circuit) + message + "/set"
}

// GlobalPrefix returns "{group}/global/".
func (t Topics) GlobalPrefix() string {
	return t.Group + "/" + GlobalCircuit + "/"
}

// Signal returns the global bus signal topic.
func (t Topics) Signal() string {
	return t.GlobalPrefix() + "signal"
}

// Health returns the bridge health topic.
func (t Topics) Health() string {
	return t.Prefix + "/health"
}

// State returns the decoded state topic of a message.
func (t Topics) State(circuit, message string) string {
	return t.Prefix + "/state/" + strings.ToLower(circuit) + "/" + message
}

// Command returns the command topic of a message.
func (t Topics) Command(circuit, message string) string {
	return t.Prefix + "/command/" + strings.ToLower(circuit) + "/" + message
}

// CommandWildcard returns the subscription for all commands.
func (t Topics) CommandWildcard() string {
	return t.Prefix + "/command/+/+"
}

// Ack returns the acknowledgment topic of a message.
func (t Topics) Ack(circuit, message string) string {
	return t.Prefix + "/ack/" + strings.ToLower(circuit) + "/" + message
}

// ParseCommand splits a command topic into circuit and message.
func (t Topics) ParseCommand(topic string) (circuit, message string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/command/")
	if !found {
		return "", "", false
	}
	circuit, message, found = strings.Cut(rest, "/")
	if !found || circuit == "" || message == "" || strings.Contains(message, "/") {
		return "", "", false
	}
	return circuit, message, true
}

// MessageFromTopic recovers the message name from an inbound circuit
// topic. Own get/set topics and nested topics are rejected.
func (t Topics) MessageFromTopic(circuit, topic string) (string, bool) {
	rest, found := strings.CutPrefix(topic, t.CircuitPrefix(circuit))
	if !found || rest == "" {
		return "", false
	}
	if strings.HasSuffix(rest, "/get") || strings.HasSuffix(rest, "/set") {
		return "", false
	}
	if strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
