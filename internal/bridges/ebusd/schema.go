package ebusd

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/messages.json
var messagesSchemaJSON string

// CatalogValidator checks a circuit's "messages" object against the
// embedded catalog schema before it is parsed.
type CatalogValidator struct {
	schema *jsonschema.Schema
}

// NewCatalogValidator compiles the embedded schema.
func NewCatalogValidator() (*CatalogValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("messages.json", strings.NewReader(messagesSchemaJSON)); err != nil {
		return nil, fmt.Errorf("adding catalog schema: %w", err)
	}
	schema, err := compiler.Compile("messages.json")
	if err != nil {
		return nil, fmt.Errorf("compiling catalog schema: %w", err)
	}
	return &CatalogValidator{schema: schema}, nil
}

// Validate checks raw message catalog JSON.
func (v *CatalogValidator) Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return nil
}

// ValidateCircuit checks doc[circuit].messages of a gateway catalog
// response. A missing circuit is left to the parser to report.
func (v *CatalogValidator) ValidateCircuit(doc []byte, circuit string) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	body, ok := top[circuit]
	if !ok {
		return nil
	}
	var c struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &c); err != nil {
		return fmt.Errorf("%w: circuit %s: %w", ErrInvalidDefinition, circuit, err)
	}
	if len(c.Messages) == 0 || string(c.Messages) == "null" {
		return nil
	}
	return v.Validate(c.Messages)
}
