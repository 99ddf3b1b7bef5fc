package ebusd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PayloadSlot is one per-field object of a wire payload.
type PayloadSlot struct {
	Name     string
	Value    any
	HasValue bool
}

// Payload is the positional list of field slots of one message payload.
// IGN fields never occupy a slot.
type Payload []PayloadSlot

// ParsePayload decodes a message payload as broadcast by ebusd. Both a
// JSON array of slot objects and a JSON object of slot objects keyed by
// field name are accepted; object order is preserved.
func ParsePayload(data []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	switch trimmed[0] {
	case '{':
		entries, err := decodeOrderedObject(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		p := make(Payload, 0, len(entries))
		for _, e := range entries {
			slot, err := parseSlot(e.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %w", ErrInvalidPayload, e.Key, err)
			}
			if slot.Name == "" {
				slot.Name = e.Key
			}
			p = append(p, slot)
		}
		return p, nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		p := make(Payload, 0, len(items))
		for i, item := range items {
			slot, err := parseSlot(item)
			if err != nil {
				return nil, fmt.Errorf("%w: slot %d: %w", ErrInvalidPayload, i, err)
			}
			p = append(p, slot)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: expected array or object", ErrInvalidPayload)
	}
}

// parseSlot decodes one slot. Anything that is not an object yields a
// slot without a value.
func parseSlot(data json.RawMessage) (PayloadSlot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return PayloadSlot{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return PayloadSlot{}, err
	}

	var slot PayloadSlot
	if name, ok := obj["name"].(string); ok {
		slot.Name = name
	}
	if v, ok := obj["value"]; ok && v != nil {
		slot.Value = normalizeJSONValue(v)
		slot.HasValue = true
	}
	return slot, nil
}

// normalizeJSONValue turns json.Number into int64 or float64.
func normalizeJSONValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// FieldDecode is the result of decoding one payload slot.
type FieldDecode struct {
	Value   any
	Present bool

	// Unresolved is set when a string value matched no association label.
	// Value then holds the string as received, without coercion.
	Unresolved bool
}

// DecodeField decodes the slot at payload index idx.
//
// A missing slot or value yields Present=false and no error. In numeric
// mode the raw value is returned without association lookup or coercion,
// and an unresolved association label is returned as received.
// Only an unknown kind is an error.
func DecodeField(payload Payload, idx int, kind Kind, assoc []ValueAssociation, numeric bool) (FieldDecode, error) {
	if idx < 0 || idx >= len(payload) || !payload[idx].HasValue {
		return FieldDecode{}, nil
	}
	value := payload[idx].Value
	res := FieldDecode{Present: true}

	if !numeric && len(assoc) > 0 {
		if s, ok := value.(string); ok {
			if code, found := lookupAssociation(assoc, s); found {
				value = int64(code)
			} else {
				res.Unresolved = true
				res.Value = value
				return res, nil
			}
		}
	}

	if numeric {
		res.Value = value
		return res, nil
	}

	coerced, err := coerce(value, kind)
	if err != nil {
		return FieldDecode{}, err
	}
	res.Value = coerced
	return res, nil
}

func lookupAssociation(assoc []ValueAssociation, label string) (int, bool) {
	for _, a := range assoc {
		if a.Label == label {
			return a.Code, true
		}
	}
	return 0, false
}

// coerce converts a decoded JSON value to the given kind.
func coerce(v any, kind Kind) (any, error) {
	switch kind {
	case KindBoolean:
		return toBool(v), nil
	case KindInteger:
		return toInt(v), nil
	case KindFloat:
		return toFloat(v), nil
	case KindString:
		return toString(v), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func toBool(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != "" && x != "0"
	default:
		return true
	}
}

func toInt(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return truncFloat(x)
	case string:
		return truncFloat(leadingNumber(x))
	default:
		return 0
	}
}

func truncFloat(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0
	}
	return int64(f)
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case float64:
		return x
	case string:
		return leadingNumber(x)
	default:
		return 0
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "1"
		}
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return formatFloat(x)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	if math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'E', -1, 64)
}

// leadingNumber parses the longest numeric prefix of s, ignoring leading
// whitespace. A string without one parses as 0.
func leadingNumber(s string) float64 {
	s = strings.TrimLeft(s, " \t\n\r\v\f")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := 0
	for end < len(s) && isDigit(s[end]) {
		end++
		digits++
	}
	if end < len(s) && s[end] == '.' {
		end++
		for end < len(s) && isDigit(s[end]) {
			end++
			digits++
		}
	}
	if digits == 0 {
		return 0
	}
	if end < len(s) && (s[end] == 'e' || s[end] == 'E') {
		exp := end + 1
		if exp < len(s) && (s[exp] == '+' || s[exp] == '-') {
			exp++
		}
		start := exp
		for exp < len(s) && isDigit(s[exp]) {
			exp++
		}
		if exp > start {
			end = exp
		}
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(s[:end], "."), 64)
	if err != nil {
		return 0
	}
	return f
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// IssueClass separates recoverable field problems from configuration and
// programming errors.
type IssueClass string

const (
	// IssueDataQuality covers missing values and unresolved labels.
	IssueDataQuality IssueClass = "data_quality"

	// IssueConfiguration covers definitions that cannot be decoded.
	IssueConfiguration IssueClass = "configuration"

	// IssueProgrammer covers registry/model inconsistencies.
	IssueProgrammer IssueClass = "programmer"
)

// Field issue causes.
var (
	// ErrMissingValue marks a field whose payload slot or value is absent.
	ErrMissingValue = errors.New("ebusd: value missing from payload")

	// ErrUnresolvedLabel marks a string value with no matching association.
	ErrUnresolvedLabel = errors.New("ebusd: value not defined in associations")
)

// FieldIssue describes a problem with one field of a decoded message.
type FieldIssue struct {
	Message string     `json:"message"`
	Index   int        `json:"index"`
	Ident   string     `json:"ident"`
	Class   IssueClass `json:"class"`
	Err     error      `json:"-"`
}

func (i FieldIssue) Error() string {
	return fmt.Sprintf("%s[%d] %s: %v", i.Message, i.Index, i.Ident, i.Err)
}

func (i FieldIssue) Unwrap() error { return i.Err }

// FieldValue is one decoded field of a message.
type FieldValue struct {
	Index   int    `json:"index"`
	Ident   string `json:"ident"`
	Label   string `json:"label"`
	Kind    Kind   `json:"kind"`
	Value   any    `json:"value"`
	Present bool   `json:"present"`
}

// MessageDecode is the outcome of decoding a full message payload.
type MessageDecode struct {
	Message string       `json:"message"`
	Values  []FieldValue `json:"values"`
	Issues  []FieldIssue `json:"issues,omitempty"`
}

// Present returns only the fields that carried a value.
func (d MessageDecode) Present() []FieldValue {
	out := make([]FieldValue, 0, len(d.Values))
	for _, v := range d.Values {
		if v.Present {
			out = append(out, v)
		}
	}
	return out
}

// Codec decodes and encodes message payloads against a type registry.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	types  *TypeRegistry
	labels LabelOptions
}

// NewCodec returns a codec using the given registry and label words.
func NewCodec(types *TypeRegistry, labels LabelOptions) *Codec {
	if types == nil {
		types = NewDefaultTypeRegistry()
	}
	return &Codec{types: types, labels: labels}
}

// Types returns the codec's registry.
func (c *Codec) Types() *TypeRegistry { return c.types }

// Labels returns the codec's label words.
func (c *Codec) Labels() LabelOptions { return c.labels }

// DecodeMessage decodes every relevant field of msg from payload.
//
// An unknown field type fails the whole message. Per-field problems are
// reported in Issues and never stop the remaining fields.
func (c *Codec) DecodeMessage(msg MessageDefinition, payload Payload, numeric bool) (MessageDecode, error) {
	for _, f := range msg.Fields {
		if f.Ignored() {
			continue
		}
		if _, err := c.types.Lookup(f.Type); err != nil {
			return MessageDecode{}, fmt.Errorf("message %s: %w", msg.Name, err)
		}
	}

	out := MessageDecode{Message: msg.Name}
	slot := 0
	for i, f := range msg.Fields {
		if f.Ignored() {
			continue
		}
		idx := slot
		slot++

		ident := FieldIdentifier(msg, i)
		label := FieldLabel(msg, i, c.labels)
		if ident == "" || label == "" {
			continue
		}

		kind, _ := c.types.FieldKind(f)
		res, err := DecodeField(payload, idx, kind, f.Values, numeric)
		if err != nil {
			out.Issues = append(out.Issues, FieldIssue{Message: msg.Name, Index: i, Ident: ident, Class: IssueProgrammer, Err: err})
			continue
		}
		if !res.Present {
			out.Issues = append(out.Issues, FieldIssue{Message: msg.Name, Index: i, Ident: ident, Class: IssueDataQuality, Err: ErrMissingValue})
		}
		if res.Unresolved {
			out.Issues = append(out.Issues, FieldIssue{Message: msg.Name, Index: i, Ident: ident, Class: IssueDataQuality, Err: ErrUnresolvedLabel})
		}

		out.Values = append(out.Values, FieldValue{
			Index:   i,
			Ident:   ident,
			Label:   label,
			Kind:    kind,
			Value:   res.Value,
			Present: res.Present,
		})
	}
	return out, nil
}

// PrimaryField returns the index of the first non-IGN field.
func PrimaryField(msg MessageDefinition) (int, bool) {
	for i, f := range msg.Fields {
		if !f.Ignored() {
			return i, true
		}
	}
	return -1, false
}

// EncodePayload formats value for a set command on msg, using the native
// kind of the message's primary field.
//
// A message without a primary field returns "" and ErrNoPrimaryField.
func (c *Codec) EncodePayload(msg MessageDefinition, value any) (string, error) {
	idx, ok := PrimaryField(msg)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoPrimaryField, msg.Name)
	}
	def, err := c.types.Lookup(msg.Fields[idx].Type)
	if err != nil {
		return "", fmt.Errorf("message %s: %w", msg.Name, err)
	}
	return encodeValue(value, def)
}

func encodeValue(value any, def TypeDef) (string, error) {
	switch def.Kind {
	case KindInteger, KindString:
		return toString(value), nil
	case KindFloat:
		return strconv.FormatFloat(toFloat(value), 'f', def.Digits, 64), nil
	case KindBoolean:
		if encodeBool(value) {
			return "1", nil
		}
		return "0", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, def.Kind)
	}
}

func encodeBool(v any) bool {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "on", "yes":
			return true
		case "false", "off", "no", "":
			return false
		}
		return toInt(s) != 0
	}
	return toBool(v)
}
