package ebusd

import (
	"fmt"
	"math"
	"sort"
)

// Kind is the semantic value kind of an ebusd field.
type Kind int

const (
	// KindBoolean is a single bit (BI0..BI7).
	KindBoolean Kind = iota

	// KindInteger is a whole number with a native range.
	KindInteger

	// KindFloat is a fractional number, either natively or through a divisor.
	KindFloat

	// KindString is free text, dates, times and hex dumps.
	KindString
)

// String returns the lower-case kind name used in logs and API responses.
func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText lets Kind appear as its name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for _, c := range []Kind{KindBoolean, KindInteger, KindFloat, KindString} {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown kind %q", text)
}

// IgnoreType is the ebusd placeholder type. Fields of this type occupy no
// payload slot and never get an identifier.
const IgnoreType = "IGN"

// TypeDef describes one ebusd primitive type.
type TypeDef struct {
	Name   string  `json:"name"`
	Kind   Kind    `json:"kind"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Step   float64 `json:"step"`
	Digits int     `json:"digits"`
}

// TypeRegistry maps ebusd type names to their definitions.
// A registry is immutable after construction and safe for concurrent use.
type TypeRegistry struct {
	types map[string]TypeDef
}

// NewTypeRegistry builds a registry from the given definitions.
// Later definitions with the same name replace earlier ones.
func NewTypeRegistry(defs []TypeDef) *TypeRegistry {
	r := &TypeRegistry{types: make(map[string]TypeDef, len(defs))}
	for _, d := range defs {
		r.types[d.Name] = d
	}
	return r
}

// NewDefaultTypeRegistry returns a registry holding every type ebusd emits
// in its message definitions.
func NewDefaultTypeRegistry() *TypeRegistry {
	return NewTypeRegistry(defaultTypeDefs())
}

func defaultTypeDefs() []TypeDef {
	defs := make([]TypeDef, 0, 64)

	for _, name := range []string{"BI0", "BI1", "BI2", "BI3", "BI4", "BI5", "BI6", "BI7"} {
		defs = append(defs, TypeDef{Name: name, Kind: KindBoolean})
	}

	ints := []struct {
		names    []string
		min, max float64
	}{
		{[]string{"BDY", "HDY"}, 0, 7},
		{[]string{"BCD"}, 0, 99},
		{[]string{"BCD:2"}, 0, 9999},
		{[]string{"BCD:3"}, 0, 999999},
		{[]string{"BCD:4"}, 0, 99999999},
		{[]string{"HCD"}, 0, 99999999},
		{[]string{"HCD:1"}, 0, 99},
		{[]string{"HCD:2"}, 0, 9999},
		{[]string{"HCD:3"}, 0, 999999},
		{[]string{"PIN"}, 0, 9999},
		{[]string{"UCH"}, 0, 256},
		{[]string{"SCH", "D1B"}, -127, 127},
		{[]string{"UIN", "UIR"}, 0, 65534},
		{[]string{"SIN", "SIR"}, -32767, 32767},
		{[]string{"U3N", "U3R"}, 0, 16777214},
		{[]string{"S3N", "S3R"}, -8388607, 8388607},
		{[]string{"ULG", "ULR"}, 0, 4294967294},
		{[]string{"SLG", "SLR"}, -2147483647, 2147483647},
	}
	for _, t := range ints {
		for _, name := range t.names {
			defs = append(defs, TypeDef{Name: name, Kind: KindInteger, Min: t.min, Max: t.max, Step: 1})
		}
	}

	floats := []struct {
		names          []string
		min, max, step float64
		digits         int
	}{
		{[]string{"D1C"}, 0, 100, 0.5, 1},
		{[]string{"D2B"}, -127.99, 127.99, 0.01, 2},
		{[]string{"D2C"}, -2047.9, 2047.9, 0.1, 1},
		{[]string{"FLT", "FLR"}, -32.767, 32.767, 0.001, 3},
		{[]string{"EXP", "EXR"}, -3.0e38, 3.0e38, 0.001, 3},
	}
	for _, t := range floats {
		for _, name := range t.names {
			defs = append(defs, TypeDef{Name: name, Kind: KindFloat, Min: t.min, Max: t.max, Step: t.step, Digits: t.digits})
		}
	}

	for _, name := range []string{
		"STR", "NTS", "HEX", "BDA", "BDA:3", "HDA", "HDA:3", "DAY",
		"BTI", "HTI", "VTI", "BTM", "HTM", "VTM", "MIN", "TTM", "TTH", "TTQ",
	} {
		defs = append(defs, TypeDef{Name: name, Kind: KindString})
	}

	return defs
}

// Lookup returns the definition for an ebusd type name.
// Unknown names return an error wrapping ErrUnknownType.
func (r *TypeRegistry) Lookup(name string) (TypeDef, error) {
	def, ok := r.types[name]
	if !ok {
		return TypeDef{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return def, nil
}

// Known reports whether name is a registered type.
func (r *TypeRegistry) Known(name string) bool {
	_, ok := r.types[name]
	return ok
}

// Names returns all registered type names in sorted order.
func (r *TypeRegistry) Names() []string {
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FieldKind returns the presentation kind of a field: its native kind,
// promoted to KindFloat when the field carries a positive divisor.
func (r *TypeRegistry) FieldKind(f FieldDefinition) (Kind, error) {
	def, err := r.Lookup(f.Type)
	if err != nil {
		return 0, err
	}
	if f.HasDivisor() {
		return KindFloat, nil
	}
	return def.Kind, nil
}

// DivisorDigits returns the number of decimals implied by a divisor.
func DivisorDigits(divisor float64) int {
	if divisor <= 0 {
		return 0
	}
	return int(math.Round(math.Log10(divisor)))
}

// zeroWidthSpace keeps a bare "%" unit from being trimmed by displays.
const zeroWidthSpace = "\u200b"

// Profile is the presentation metadata for one field.
type Profile struct {
	Name         string             `json:"name"`
	Kind         Kind               `json:"kind"`
	Min          float64            `json:"min"`
	Max          float64            `json:"max"`
	Step         float64            `json:"step"`
	Digits       int                `json:"digits"`
	Suffix       string             `json:"suffix,omitempty"`
	Associations []ValueAssociation `json:"associations,omitempty"`

	// Settable is true when the message can be written through a single value.
	Settable bool `json:"settable"`
}

// Profile derives the presentation profile of the field at index i.
func (r *TypeRegistry) Profile(msg MessageDefinition, i int) (Profile, error) {
	if i < 0 || i >= len(msg.Fields) {
		return Profile{}, fmt.Errorf("%w: %s[%d]", ErrFieldOutOfRange, msg.Name, i)
	}
	f := msg.Fields[i]
	def, err := r.Lookup(f.Type)
	if err != nil {
		return Profile{}, err
	}
	kind, _ := r.FieldKind(f)

	p := Profile{
		Name:     "EBM." + msg.Name,
		Kind:     kind,
		Suffix:   unitSuffix(f.Unit),
		Settable: msg.Write && RelevantFieldCount(msg.Fields) == 1,
	}
	if f.Name != "" {
		p.Name += "." + f.Name
	}

	if len(f.Values) > 0 {
		p.Associations = make([]ValueAssociation, len(f.Values))
		for j, a := range f.Values {
			label := a.Label
			if f.Unit != "" {
				label += " " + f.Unit
			}
			p.Associations[j] = ValueAssociation{Code: a.Code, Label: label}
		}
		return p, nil
	}

	div := 1.0
	if f.HasDivisor() {
		div = *f.Divisor
	}
	p.Min = def.Min / div
	p.Max = def.Max / div
	p.Step = def.Step / div
	if kind == KindFloat {
		if f.HasDivisor() {
			p.Digits = DivisorDigits(*f.Divisor)
		} else {
			p.Digits = def.Digits
		}
	}
	return p, nil
}

func unitSuffix(unit string) string {
	switch unit {
	case "":
		return ""
	case "%":
		return zeroWidthSpace + "%"
	default:
		return " " + unit
	}
}
