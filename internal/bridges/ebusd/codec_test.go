package ebusd

import (
	"errors"
	"testing"
)

func testCodec() *Codec {
	return NewCodec(NewDefaultTypeRegistry(), DefaultLabelOptions())
}

func flowTempMessage() MessageDefinition {
	return MessageDefinition{
		Name:    "FlowTemp",
		Comment: "Flow temperature",
		Read:    true,
		Fields: []FieldDefinition{
			{Name: "temp", Type: "D2C", Unit: "°C"},
			{Name: "", Type: IgnoreType},
			{Name: "sensor", Type: "UCH", Values: []ValueAssociation{
				{Code: 0, Label: "ok"},
				{Code: 85, Label: "circuit"},
			}},
		},
	}
}

func TestParsePayloadArray(t *testing.T) {
	p, err := ParsePayload([]byte(`[{"name":"temp","value":21.5},{"name":"sensor","value":"ok"},{"name":"x","value":null},7]`))
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if len(p) != 4 {
		t.Fatalf("len = %d, want 4", len(p))
	}
	if p[0].Name != "temp" || !p[0].HasValue || p[0].Value != 21.5 {
		t.Errorf("p[0] = %+v", p[0])
	}
	if p[1].Value != "ok" {
		t.Errorf("p[1] = %+v", p[1])
	}
	if p[2].HasValue {
		t.Errorf("null value should be absent: %+v", p[2])
	}
	if p[3].HasValue {
		t.Errorf("non-object slot should be absent: %+v", p[3])
	}
}

func TestParsePayloadObject(t *testing.T) {
	p, err := ParsePayload([]byte(`{"temp":{"value":42},"0":{"name":"sensor","value":"ok"}}`))
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if len(p) != 2 {
		t.Fatalf("len = %d, want 2", len(p))
	}
	if p[0].Name != "temp" {
		t.Errorf("name defaults to key: got %q", p[0].Name)
	}
	if v, ok := p[0].Value.(int64); !ok || v != 42 {
		t.Errorf("integer number decoded as %T %v", p[0].Value, p[0].Value)
	}
	if p[1].Name != "sensor" {
		t.Errorf("explicit name kept: got %q", p[1].Name)
	}
}

func TestParsePayloadInvalid(t *testing.T) {
	for _, in := range []string{"", "  ", `"text"`, `42`, `{"a":`, `[1,`} {
		if _, err := ParsePayload([]byte(in)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("ParsePayload(%q) error = %v, want ErrInvalidPayload", in, err)
		}
	}
}

func TestDecodeField(t *testing.T) {
	assoc := []ValueAssociation{{Code: 0, Label: "ok"}, {Code: 85, Label: "circuit"}}
	slot := func(v any) Payload { return Payload{{Value: v, HasValue: true}} }

	tests := []struct {
		name       string
		payload    Payload
		kind       Kind
		assoc      []ValueAssociation
		numeric    bool
		want       any
		present    bool
		unresolved bool
	}{
		{"missing slot", Payload{}, KindFloat, nil, false, nil, false, false},
		{"missing value", Payload{{Name: "temp"}}, KindFloat, nil, false, nil, false, false},
		{"float from integer", slot(int64(21)), KindFloat, nil, false, float64(21), true, false},
		{"float from string", slot("21.5"), KindFloat, nil, false, 21.5, true, false},
		{"integer truncates", slot(21.9), KindInteger, nil, false, int64(21), true, false},
		{"integer truncates negative", slot("-3.7"), KindInteger, nil, false, int64(-3), true, false},
		{"integer leading digits", slot("12abc"), KindInteger, nil, false, int64(12), true, false},
		{"integer non numeric", slot("abc"), KindInteger, nil, false, int64(0), true, false},
		{"boolean zero string", slot("0"), KindBoolean, nil, false, false, true, false},
		{"boolean empty string", slot(""), KindBoolean, nil, false, false, true, false},
		{"boolean text", slot("abc"), KindBoolean, nil, false, true, true, false},
		{"boolean number", slot(int64(2)), KindBoolean, nil, false, true, true, false},
		{"string from float", slot(21.5), KindString, nil, false, "21.5", true, false},
		{"string from true", slot(true), KindString, nil, false, "1", true, false},
		{"association resolved", slot("circuit"), KindInteger, assoc, false, int64(85), true, false},
		{"association unresolved keeps raw", slot("bogus"), KindInteger, assoc, false, "bogus", true, true},
		{"association skipped for numbers", slot(int64(85)), KindInteger, assoc, false, int64(85), true, false},
		{"numeric mode skips association", slot("circuit"), KindInteger, assoc, true, "circuit", true, false},
		{"numeric mode skips coercion", slot("21.50"), KindFloat, nil, true, "21.50", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeField(tt.payload, 0, tt.kind, tt.assoc, tt.numeric)
			if err != nil {
				t.Fatalf("DecodeField() error = %v", err)
			}
			if got.Present != tt.present {
				t.Errorf("Present = %v, want %v", got.Present, tt.present)
			}
			if got.Unresolved != tt.unresolved {
				t.Errorf("Unresolved = %v, want %v", got.Unresolved, tt.unresolved)
			}
			if got.Value != tt.want {
				t.Errorf("Value = %#v, want %#v", got.Value, tt.want)
			}
		})
	}
}

func TestDecodeFieldUnknownKind(t *testing.T) {
	_, err := DecodeField(Payload{{Value: int64(1), HasValue: true}}, 0, Kind(99), nil, false)
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("error = %v, want ErrUnknownKind", err)
	}
}

func TestDecodeMessage(t *testing.T) {
	c := testCodec()
	msg := flowTempMessage()

	payload, err := ParsePayload([]byte(`[{"name":"temp","value":21.5},{"name":"sensor","value":"ok"}]`))
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	d, err := c.DecodeMessage(msg, payload, false)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}

	if len(d.Issues) != 0 {
		t.Errorf("Issues = %v", d.Issues)
	}
	if len(d.Values) != 2 {
		t.Fatalf("Values = %+v", d.Values)
	}

	temp := d.Values[0]
	if temp.Index != 0 || temp.Ident != "FlowTemp" || temp.Label != "Flow temperature" {
		t.Errorf("temp = %+v", temp)
	}
	if temp.Kind != KindFloat || temp.Value != 21.5 {
		t.Errorf("temp value = %v %#v", temp.Kind, temp.Value)
	}

	sensor := d.Values[1]
	if sensor.Index != 2 || sensor.Ident != "FlowTemp_sensorstatus" || sensor.Label != "Flow temperature (Sensor)" {
		t.Errorf("sensor = %+v", sensor)
	}
	if sensor.Value != int64(0) {
		t.Errorf("sensor value = %#v, want code 0", sensor.Value)
	}
}

func TestDecodeMessagePartial(t *testing.T) {
	c := testCodec()
	msg := flowTempMessage()

	payload := Payload{{Name: "temp", Value: 20.0, HasValue: true}, {Name: "sensor", Value: "melted", HasValue: true}}
	payload = payload[:1]
	d, err := c.DecodeMessage(msg, payload, false)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}

	if len(d.Present()) != 1 {
		t.Errorf("Present() = %+v, want one value", d.Present())
	}
	if len(d.Issues) != 1 {
		t.Fatalf("Issues = %+v", d.Issues)
	}
	issue := d.Issues[0]
	if issue.Class != IssueDataQuality || !errors.Is(issue, ErrMissingValue) {
		t.Errorf("issue = %v (%s)", issue, issue.Class)
	}
	if issue.Ident != "FlowTemp_sensorstatus" || issue.Index != 2 {
		t.Errorf("issue field = %s[%d]", issue.Ident, issue.Index)
	}
}

func TestDecodeMessageUnresolvedLabel(t *testing.T) {
	c := testCodec()
	payload := Payload{{Value: 20.0, HasValue: true}, {Value: "melted", HasValue: true}}

	d, err := c.DecodeMessage(flowTempMessage(), payload, false)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if len(d.Values) != 2 || d.Values[1].Value != "melted" {
		t.Errorf("Values = %+v", d.Values)
	}
	if len(d.Issues) != 1 || !errors.Is(d.Issues[0], ErrUnresolvedLabel) {
		t.Errorf("Issues = %+v", d.Issues)
	}
}

func TestDecodeMessageUnknownType(t *testing.T) {
	c := testCodec()
	msg := MessageDefinition{Name: "Odd", Fields: []FieldDefinition{{Name: "x", Type: "XYZ"}}}

	_, err := c.DecodeMessage(msg, Payload{{Value: int64(1), HasValue: true}}, false)
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("error = %v, want ErrUnknownType", err)
	}
}

func TestDecodeMessageRegistryMismatch(t *testing.T) {
	types := NewTypeRegistry([]TypeDef{
		{Name: "UCH", Kind: KindInteger},
		{Name: "ODD", Kind: Kind(9)},
	})
	c := NewCodec(types, DefaultLabelOptions())
	msg := MessageDefinition{Name: "M", Fields: []FieldDefinition{{Name: "a", Type: "ODD"}, {Name: "b", Type: "UCH"}}}
	payload := Payload{{Value: int64(1), HasValue: true}, {Value: int64(2), HasValue: true}}

	d, err := c.DecodeMessage(msg, payload, false)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if len(d.Issues) != 1 || d.Issues[0].Class != IssueProgrammer || !errors.Is(d.Issues[0], ErrUnknownKind) {
		t.Errorf("Issues = %+v", d.Issues)
	}
	if len(d.Values) != 1 || d.Values[0].Ident != "M_1" || d.Values[0].Value != int64(2) {
		t.Errorf("sibling field not decoded: %+v", d.Values)
	}
}

func TestDecodeMessageNumeric(t *testing.T) {
	c := testCodec()
	payload := Payload{{Value: 20.5, HasValue: true}, {Value: "ok", HasValue: true}}

	d, err := c.DecodeMessage(flowTempMessage(), payload, true)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if d.Values[1].Value != "ok" {
		t.Errorf("numeric mode resolved association: %#v", d.Values[1].Value)
	}
	if len(d.Issues) != 0 {
		t.Errorf("Issues = %+v", d.Issues)
	}
}

func TestEncodePayload(t *testing.T) {
	c := testCodec()
	single := func(typ string) MessageDefinition {
		return MessageDefinition{Name: "M", Write: true, Fields: []FieldDefinition{{Name: "", Type: IgnoreType}, {Name: "v", Type: typ}}}
	}

	tests := []struct {
		name  string
		typ   string
		value any
		want  string
	}{
		{"integer", "UCH", 42, "42"},
		{"integer from string", "UCH", "42", "42"},
		{"integer from whole float", "UIN", 42.0, "42"},
		{"float rounds to digits", "D2C", 21.456, "21.5"},
		{"float pads digits", "D2B", 1, "1.00"},
		{"float from string", "D2C", "48", "48.0"},
		{"boolean true", "BI0", true, "1"},
		{"boolean false", "BI0", false, "0"},
		{"boolean on", "BI1", "on", "1"},
		{"boolean off", "BI1", "off", "0"},
		{"boolean zero", "BI1", 0, "0"},
		{"string", "STR", "hello", "hello"},
		{"time", "HTM", "12:30", "12:30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.EncodePayload(single(tt.typ), tt.value)
			if err != nil {
				t.Fatalf("EncodePayload() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("EncodePayload(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestEncodePayloadErrors(t *testing.T) {
	c := testCodec()

	noPrimary := MessageDefinition{Name: "M", Fields: []FieldDefinition{{Type: IgnoreType}}}
	got, err := c.EncodePayload(noPrimary, 1)
	if !errors.Is(err, ErrNoPrimaryField) || got != "" {
		t.Errorf("no primary field = %q, %v", got, err)
	}

	unknown := MessageDefinition{Name: "M", Fields: []FieldDefinition{{Name: "x", Type: "XYZ"}}}
	if _, err := c.EncodePayload(unknown, 1); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown type error = %v", err)
	}

	odd := NewCodec(NewTypeRegistry([]TypeDef{{Name: "ODD", Kind: Kind(9)}}), DefaultLabelOptions())
	msg := MessageDefinition{Name: "M", Fields: []FieldDefinition{{Name: "x", Type: "ODD"}}}
	if _, err := odd.EncodePayload(msg, 1); !errors.Is(err, ErrUnsupportedKind) {
		t.Errorf("unsupported kind error = %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := testCodec()

	tests := []struct {
		name  string
		typ   string
		value any
		want  any
	}{
		{"integer", "UIN", int64(1234), int64(1234)},
		{"negative integer", "SIN", int64(-250), int64(-250)},
		{"float", "D2C", 21.5, 21.5},
		{"float at digit precision", "D1C", 45.5, 45.5},
		{"boolean true", "BI0", true, true},
		{"boolean false", "BI0", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := MessageDefinition{Name: "M", Write: true, Fields: []FieldDefinition{{Name: "v", Type: tt.typ}}}
			wire, err := c.EncodePayload(msg, tt.value)
			if err != nil {
				t.Fatalf("EncodePayload() error = %v", err)
			}

			d, err := c.DecodeMessage(msg, Payload{{Name: "v", Value: wire, HasValue: true}}, false)
			if err != nil {
				t.Fatalf("DecodeMessage() error = %v", err)
			}
			if len(d.Values) != 1 {
				t.Fatalf("Values = %+v", d.Values)
			}
			if d.Values[0].Value != tt.want {
				t.Errorf("round trip %v -> %q -> %#v", tt.value, wire, d.Values[0].Value)
			}
		})
	}
}

func TestLeadingNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"42", 42},
		{"  3.5kg", 3.5},
		{"-0.25", -0.25},
		{"+7", 7},
		{"1e3", 1000},
		{"2e", 2},
		{"5.", 5},
		{".5", 0.5},
		{"abc", 0},
		{"-", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := leadingNumber(tt.in); got != tt.want {
			t.Errorf("leadingNumber(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
