package ebusd

import (
	"errors"
	"testing"
)

func TestCatalogValidator(t *testing.T) {
	v, err := NewCatalogValidator()
	if err != nil {
		t.Fatalf("NewCatalogValidator() error = %v", err)
	}

	if err := v.ValidateCircuit([]byte(testCatalog), "bai"); err != nil {
		t.Errorf("ValidateCircuit(testCatalog) error = %v", err)
	}
	if err := v.ValidateCircuit([]byte(testCatalog), "hmu"); err != nil {
		t.Errorf("ValidateCircuit(missing circuit) error = %v, want nil", err)
	}

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"message not object", `{"M": 1}`},
		{"missing name", `{"M": {"fielddefs": []}}`},
		{"field without type", `{"M": {"name": "M", "fielddefs": [{"name": "a"}]}}`},
		{"non numeric value key", `{"M": {"name": "M", "fielddefs": [{"type": "UCH", "values": {"on": "1"}}]}}`},
		{"non string label", `{"M": {"name": "M", "fielddefs": [{"type": "UCH", "values": {"1": 1}}]}}`},
		{"divisor string", `{"M": {"name": "M", "fielddefs": [{"type": "UCH", "divisor": "10"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Validate([]byte(tt.doc)); !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("Validate() error = %v, want ErrInvalidDefinition", err)
			}
		})
	}

	valid := `{"M": {"name": "M", "fielddefs": [{"type": "UCH", "divisor": 10, "values": {"-1": "off", "1": "on"}}]}}`
	if err := v.Validate([]byte(valid)); err != nil {
		t.Errorf("Validate(valid) error = %v", err)
	}
}
