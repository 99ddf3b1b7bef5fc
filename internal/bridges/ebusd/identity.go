package ebusd

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Field-name concatenations of the multi-part sensor shapes.
const (
	shapeTempSensor       = "tempsensor"
	shapePressSensor      = "presssensor"
	shapeTempMirrorSensor = "tempmirrorsensor"
)

// Identifier suffixes for the multi-part sensor shapes.
const (
	suffixSensorStatus = "_sensorstatus"
	suffixTempMirror   = "_tempmirror"
)

// timeRangeType is the ebusd type whose fields alternate from/to.
const timeRangeType = "TTM"

// LabelOptions carries the words used in generated labels.
type LabelOptions struct {
	From string
	To   string
}

// DefaultLabelOptions returns English from/to words.
func DefaultLabelOptions() LabelOptions {
	return LabelOptions{From: "from", To: "to"}
}

// FieldIdentity is the derived identifier and label of one field.
type FieldIdentity struct {
	Index int    `json:"index"`
	Ident string `json:"ident"`
	Label string `json:"label"`
}

// RelevantFieldCount returns the number of non-IGN fields.
func RelevantFieldCount(fields []FieldDefinition) int {
	n := 0
	for _, f := range fields {
		if !f.Ignored() {
			n++
		}
	}
	return n
}

// FieldIdentifier derives the stable identifier of the field at index i.
func FieldIdentifier(msg MessageDefinition, i int) string {
	relevant, shape := fieldShape(msg.Fields)
	pos := relevantPosition(msg.Fields, i)

	var ident string
	switch {
	case relevant == 2 && (shape == shapeTempSensor || shape == shapePressSensor):
		ident = msg.Name
		if pos != 0 {
			ident += suffixSensorStatus
		}
	case relevant == 3 && shape == shapeTempMirrorSensor:
		switch pos {
		case 0:
			ident = msg.Name
		case 1:
			ident = msg.Name + suffixTempMirror
		default:
			ident = msg.Name + suffixSensorStatus
		}
	default:
		ident = msg.Name
		if relevant > 1 {
			ident += "_" + strconv.Itoa(i)
		}
	}
	return sanitizeIdent(ident)
}

// FieldLabel derives the human-readable label of the field at index i.
func FieldLabel(msg MessageDefinition, i int, opts LabelOptions) string {
	return decodeUnicodeEscapes(fieldLabel(msg, i, opts))
}

func fieldLabel(msg MessageDefinition, i int, opts LabelOptions) string {
	relevant, shape := fieldShape(msg.Fields)

	if msg.Comment != "" && relevant == 1 {
		return msg.Comment
	}

	if msg.Comment != "" {
		parts := strings.Split(msg.Comment, "/")
		if len(parts) > 1 && i >= 0 && i < len(parts) {
			return parts[i]
		}
	}

	if msg.Comment != "" {
		pos := relevantPosition(msg.Fields, i)
		switch {
		case relevant == 2 && (shape == shapeTempSensor || shape == shapePressSensor):
			if pos == 0 {
				return msg.Comment
			}
			return msg.Comment + " (Sensor)"
		case relevant == 3 && shape == shapeTempMirrorSensor:
			switch pos {
			case 0:
				return msg.Comment
			case 1:
				return msg.Comment + " (TempMirror)"
			default:
				return msg.Comment + " (Sensor)"
			}
		}
	}

	if i < 0 || i >= len(msg.Fields) {
		return ""
	}
	f := msg.Fields[i]

	if f.Type == timeRangeType {
		n := (i + 1) / 2
		if i%2 == 1 {
			return fmt.Sprintf("%s %d %s", msg.Comment, n, opts.From)
		}
		return fmt.Sprintf("%s %d %s", msg.Comment, n, opts.To)
	}

	if f.Comment != "" {
		if f.Comment == "Temperatur" {
			return fmt.Sprintf("%s (%s)", f.Comment, f.Name)
		}
		return f.Comment
	}

	return f.Name
}

// FieldIdentities returns identifier and label of every non-IGN field
// whose derived identifier and label are both non-empty.
func FieldIdentities(msg MessageDefinition, opts LabelOptions) []FieldIdentity {
	out := make([]FieldIdentity, 0, len(msg.Fields))
	for i, f := range msg.Fields {
		if f.Ignored() {
			continue
		}
		id := FieldIdentity{Index: i, Ident: FieldIdentifier(msg, i), Label: FieldLabel(msg, i, opts)}
		if id.Ident == "" || id.Label == "" {
			continue
		}
		out = append(out, id)
	}
	return out
}

// fieldShape returns the relevant field count and the concatenated raw
// names of the relevant fields.
func fieldShape(fields []FieldDefinition) (int, string) {
	var b strings.Builder
	n := 0
	for _, f := range fields {
		if f.Ignored() {
			continue
		}
		n++
		b.WriteString(f.Name)
	}
	return n, b.String()
}

// relevantPosition returns the position of field i among the non-IGN
// fields, or -1 if i is out of range or ignored.
func relevantPosition(fields []FieldDefinition, i int) int {
	if i < 0 || i >= len(fields) || fields[i].Ignored() {
		return -1
	}
	pos := 0
	for j := 0; j < i; j++ {
		if !fields[j].Ignored() {
			pos++
		}
	}
	return pos
}

func sanitizeIdent(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// decodeUnicodeEscapes replaces literal \uXXXX sequences left over from
// the gateway JSON with the characters they denote.
func decodeUnicodeEscapes(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, ok := parseEscape(s, i)
		if !ok {
			b.WriteByte(s[i])
			i++
			continue
		}
		i += 6
		if utf16.IsSurrogate(r) {
			if lo, ok := parseEscape(s, i); ok {
				if dec := utf16.DecodeRune(r, lo); dec != utf8.RuneError {
					b.WriteRune(dec)
					i += 6
					continue
				}
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseEscape(s string, i int) (rune, bool) {
	if i+6 > len(s) || s[i] != '\\' || s[i+1] != 'u' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[i+2:i+6], 16, 16)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}
