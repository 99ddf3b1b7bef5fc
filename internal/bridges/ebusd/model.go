package ebusd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// writeSuffix marks a message key that only donates write capability
// to its read twin.
const writeSuffix = "-w"

// ValueAssociation maps one enumeration code to its display label.
type ValueAssociation struct {
	Code  int    `json:"code"`
	Label string `json:"label"`
}

// FieldDefinition is one data field within a message.
type FieldDefinition struct {
	Name    string             `json:"name"`
	Type    string             `json:"type"`
	Comment string             `json:"comment,omitempty"`
	Unit    string             `json:"unit,omitempty"`
	Divisor *float64           `json:"divisor,omitempty"`
	Values  []ValueAssociation `json:"values,omitempty"`
}

// Ignored reports whether the field is a wire placeholder.
func (f FieldDefinition) Ignored() bool {
	return f.Type == IgnoreType
}

// HasDivisor reports whether the field carries a positive divisor.
func (f FieldDefinition) HasDivisor() bool {
	return f.Divisor != nil && *f.Divisor > 0
}

// CodeForLabel returns the code of the first association whose label
// equals label.
func (f FieldDefinition) CodeForLabel(label string) (int, bool) {
	for _, a := range f.Values {
		if a.Label == label {
			return a.Code, true
		}
	}
	return 0, false
}

// MessageDefinition is one addressable ebusd message after normalisation.
type MessageDefinition struct {
	Name    string            `json:"name"`
	Comment string            `json:"comment,omitempty"`
	Fields  []FieldDefinition `json:"fields"`
	Read    bool              `json:"read"`
	Write   bool              `json:"write"`
	Passive bool              `json:"passive"`
}

// RawMessage is a message as it appears in the gateway catalog, together
// with the key it was listed under.
type RawMessage struct {
	Key     string
	Name    string
	Comment string
	Passive bool
	Write   bool
	Fields  []FieldDefinition
}

type rawFieldJSON struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Comment string          `json:"comment"`
	Unit    string          `json:"unit"`
	Divisor *float64        `json:"divisor"`
	Values  json.RawMessage `json:"values"`
}

type rawMessageJSON struct {
	Name      string         `json:"name"`
	Comment   string         `json:"comment"`
	Passive   bool           `json:"passive"`
	Write     bool           `json:"write"`
	Fielddefs []rawFieldJSON `json:"fielddefs"`
}

// ParseMessages decodes the "messages" object of a circuit catalog,
// keeping the gateway's key order.
func ParseMessages(data []byte) ([]RawMessage, error) {
	entries, err := decodeOrderedObject(data)
	if err != nil {
		return nil, fmt.Errorf("%w: messages: %w", ErrInvalidDefinition, err)
	}

	out := make([]RawMessage, 0, len(entries))
	for _, e := range entries {
		var rm rawMessageJSON
		if err := json.Unmarshal(e.Value, &rm); err != nil {
			return nil, fmt.Errorf("%w: message %q: %w", ErrInvalidDefinition, e.Key, err)
		}
		msg := RawMessage{
			Key:     e.Key,
			Name:    rm.Name,
			Comment: rm.Comment,
			Passive: rm.Passive,
			Write:   rm.Write,
			Fields:  make([]FieldDefinition, 0, len(rm.Fielddefs)),
		}
		for i, rf := range rm.Fielddefs {
			values, err := parseAssociations(rf.Values)
			if err != nil {
				return nil, fmt.Errorf("%w: message %q field %d: %w", ErrInvalidDefinition, e.Key, i, err)
			}
			msg.Fields = append(msg.Fields, FieldDefinition{
				Name:    rf.Name,
				Type:    rf.Type,
				Comment: rf.Comment,
				Unit:    rf.Unit,
				Divisor: rf.Divisor,
				Values:  values,
			})
		}
		out = append(out, msg)
	}
	return out, nil
}

// ParseCircuitMessages extracts and parses doc[circuit].messages from a
// gateway catalog response.
func ParseCircuitMessages(doc []byte, circuit string) ([]RawMessage, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	body, ok := top[circuit]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotFound, circuit)
	}
	var c struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("%w: circuit %s: %w", ErrInvalidDefinition, circuit, err)
	}
	if len(c.Messages) == 0 || bytes.Equal(bytes.TrimSpace(c.Messages), []byte("null")) {
		return nil, fmt.Errorf("%w: %s has no messages", ErrCircuitNotFound, circuit)
	}

	msgs, err := ParseMessages(c.Messages)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedMessageCount, len(msgs))
	}
	return msgs, nil
}

// BuildMessages merges write-pair twins and returns the normalised
// definitions keyed by message name.
func BuildMessages(raw []RawMessage) map[string]MessageDefinition {
	writable := make(map[string]bool)
	for _, m := range raw {
		if m.Write {
			writable[m.Name] = true
		}
	}

	out := make(map[string]MessageDefinition, len(raw))
	for _, m := range raw {
		if strings.Contains(m.Key, writeSuffix) {
			continue
		}
		out[m.Name] = MessageDefinition{
			Name:    m.Name,
			Comment: m.Comment,
			Fields:  m.Fields,
			Read:    !m.Write || m.Passive,
			Write:   m.Write || writable[m.Name],
			Passive: m.Passive,
		}
	}
	return out
}

// MessageSet is the immutable message configuration of one circuit.
// A fetch produces a new set; readers hold a pointer that never changes
// underneath them.
type MessageSet struct {
	circuit   string
	revision  uint64
	fetchedAt time.Time
	messages  map[string]MessageDefinition
	names     []string
}

// NewMessageSet wraps normalised definitions. The map is copied.
func NewMessageSet(circuit string, revision uint64, fetchedAt time.Time, msgs map[string]MessageDefinition) *MessageSet {
	s := &MessageSet{
		circuit:   circuit,
		revision:  revision,
		fetchedAt: fetchedAt,
		messages:  make(map[string]MessageDefinition, len(msgs)),
		names:     make([]string, 0, len(msgs)),
	}
	for name, m := range msgs {
		s.messages[name] = m
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s
}

// Circuit returns the circuit the set belongs to.
func (s *MessageSet) Circuit() string { return s.circuit }

// Revision returns the fetch counter the set was built from.
func (s *MessageSet) Revision() uint64 { return s.revision }

// FetchedAt returns when the catalog was fetched.
func (s *MessageSet) FetchedAt() time.Time { return s.fetchedAt }

// Len returns the number of messages.
func (s *MessageSet) Len() int { return len(s.messages) }

// Names returns the message names in sorted order.
func (s *MessageSet) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Get returns the definition of a message.
func (s *MessageSet) Get(name string) (MessageDefinition, bool) {
	m, ok := s.messages[name]
	return m, ok
}

// Messages returns all definitions in name order.
func (s *MessageSet) Messages() []MessageDefinition {
	out := make([]MessageDefinition, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.messages[n])
	}
	return out
}

// orderedEntry is one key/value pair of a JSON object in source order.
type orderedEntry struct {
	Key   string
	Value json.RawMessage
}

// decodeOrderedObject decodes a JSON object into its entries without
// losing key order.
func decodeOrderedObject(data []byte) ([]orderedEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var out []orderedEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected key, got %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, orderedEntry{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseAssociations decodes a "values" object ({"0":"off","1":"on"}).
func parseAssociations(data json.RawMessage) ([]ValueAssociation, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	entries, err := decodeOrderedObject(trimmed)
	if err != nil {
		return nil, fmt.Errorf("values: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	out := make([]ValueAssociation, 0, len(entries))
	seen := make(map[int]bool, len(entries))
	for _, e := range entries {
		code, err := strconv.Atoi(strings.TrimSpace(e.Key))
		if err != nil {
			return nil, fmt.Errorf("values: code %q: %w", e.Key, err)
		}
		if seen[code] {
			continue
		}
		seen[code] = true

		var label string
		if err := json.Unmarshal(e.Value, &label); err != nil {
			return nil, fmt.Errorf("values: label for %d: %w", code, err)
		}
		out = append(out, ValueAssociation{Code: code, Label: label})
	}
	return out, nil
}
