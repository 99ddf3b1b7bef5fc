package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	// MeasurementField holds one decoded ebus message field per point.
	MeasurementField = "ebus_field"

	// MeasurementHealth holds per-circuit connection status.
	MeasurementHealth = "ebus_health"
)

// fieldsFor maps a decoded value onto a typed field key. Each Go kind
// gets its own key so a series never mixes InfluxDB field types.
func fieldsFor(value any) (map[string]any, bool) {
	var f float64
	switch v := value.(type) {
	case bool:
		return map[string]any{"state": v}, true
	case string:
		return map[string]any{"text": v}, true
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	default:
		return nil, false
	}
	return map[string]any{"value": f}, true
}

// WriteFieldValue records one decoded field of an ebus message, tagged
// by circuit, message and field identifier. Numbers are stored as
// floats under "value", booleans under "state" and strings under "text".
// Values of other types, including nil, are counted as dropped.
//
//	client.WriteFieldValue("bai", "FlowTemp", "FlowTemp", 45.5, time.Now())
func (c *Client) WriteFieldValue(circuit, message, ident string, value any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	fields, ok := fieldsFor(value)
	if !ok {
		c.dropped.Add(1)
		return
	}
	c.writer.WritePoint(write.NewPoint(MeasurementField, map[string]string{
		"circuit": circuit,
		"message": message,
		"field":   ident,
	}, fields, at))
}

// WriteHealth records a circuit's connection status and code.
func (c *Client) WriteHealth(circuit, status string, code int, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(MeasurementHealth, map[string]string{
		"circuit": circuit,
		"status":  status,
	}, map[string]any{"code": code}, at))
}
