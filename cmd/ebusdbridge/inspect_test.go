package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/ebusd-bridge/internal/bridges/ebusd"
)

const inspectCatalog = `{
  "bai": {
    "name": "bai",
    "messages": {
      "FlowTemp": {
        "name": "FlowTemp",
        "passive": false,
        "write": false,
        "fielddefs": [{"name": "temp", "type": "D2C", "unit": "°C"}]
      },
      "HwcTempDesired": {
        "name": "HwcTempDesired",
        "passive": false,
        "write": true,
        "fielddefs": [{"name": "", "type": "D2C", "unit": "°C"}]
      },
      "Status": {
        "name": "Status",
        "passive": false,
        "write": false,
        "fielddefs": []
      }
    }
  }
}`

type fakeCatalog struct {
	circuits []string
	doc      string
	payload  ebusd.Payload
	err      error
}

func (f *fakeCatalog) ListCircuits(context.Context) ([]string, error) {
	return f.circuits, f.err
}

func (f *fakeCatalog) FetchConfiguration(_ context.Context, _ string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.doc), nil
}

func (f *fakeCatalog) FetchCurrentValue(_ context.Context, _, _ string) (ebusd.Payload, error) {
	return f.payload, f.err
}

func TestPrintCircuits(t *testing.T) {
	var out bytes.Buffer
	gw := &fakeCatalog{circuits: []string{"bai", "hmu"}}

	if err := printCircuits(context.Background(), &out, gw); err != nil {
		t.Fatalf("printCircuits() error = %v", err)
	}
	if out.String() != "bai\nhmu\n" {
		t.Errorf("output = %q", out.String())
	}

	gw.err = ebusd.ErrGatewayRequest
	if err := printCircuits(context.Background(), &out, gw); !errors.Is(err, ebusd.ErrGatewayRequest) {
		t.Errorf("printCircuits() error = %v, want ErrGatewayRequest", err)
	}
}

func TestFetchMessageSet(t *testing.T) {
	gw := &fakeCatalog{doc: inspectCatalog}

	set, err := fetchMessageSet(context.Background(), gw, " BAI ")
	if err != nil {
		t.Fatalf("fetchMessageSet() error = %v", err)
	}
	if set.Circuit() != "bai" {
		t.Errorf("Circuit() = %q, want bai", set.Circuit())
	}
	if _, ok := set.Get("FlowTemp"); !ok {
		t.Error("FlowTemp missing from message set")
	}

	if _, err := fetchMessageSet(context.Background(), gw, "hmu"); err == nil {
		t.Error("fetchMessageSet(hmu) should fail for a circuit absent from the catalog")
	}
}

func TestPrintMessages(t *testing.T) {
	gw := &fakeCatalog{doc: inspectCatalog}
	set, err := fetchMessageSet(context.Background(), gw, "bai")
	if err != nil {
		t.Fatalf("fetchMessageSet() error = %v", err)
	}

	var out bytes.Buffer
	if err := printMessages(&out, set, ebusd.DefaultLabelOptions()); err != nil {
		t.Fatalf("printMessages() error = %v", err)
	}

	got := out.String()
	for _, want := range []string{"MESSAGE", "FlowTemp", "HwcTempDesired", "skipped (no fields): Status"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPrintValue(t *testing.T) {
	gw := &fakeCatalog{
		doc:     inspectCatalog,
		payload: ebusd.Payload{{Name: "temp", Value: 48.5, HasValue: true}},
	}

	var out bytes.Buffer
	err := printValue(context.Background(), &out, gw, ebusd.DefaultLabelOptions(), "bai", "FlowTemp")
	if err != nil {
		t.Fatalf("printValue() error = %v", err)
	}
	if !strings.Contains(out.String(), "48.5") {
		t.Errorf("output missing decoded value:\n%s", out.String())
	}

	err = printValue(context.Background(), &out, gw, ebusd.DefaultLabelOptions(), "bai", "Nope")
	if !errors.Is(err, ebusd.ErrMessageNotFound) {
		t.Errorf("printValue(Nope) error = %v, want ErrMessageNotFound", err)
	}
}
