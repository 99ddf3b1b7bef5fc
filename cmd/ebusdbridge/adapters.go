package main

import (
	"sync/atomic"
	"time"

	"github.com/nerrad567/ebusd-bridge/internal/bridges/ebusd"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/mqtt"
)

// mqttBridgeAdapter adapts the infrastructure MQTT client to the ebusd
// bridge's MQTTClient interface. The primary difference is the Subscribe
// handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - ebusd bridge expects: func(topic, payload []byte)
//
// The client is attached after connecting; until then the adapter
// reports disconnected and rejects publishes.
type mqttBridgeAdapter struct {
	client atomic.Pointer[mqtt.Client]
}

func (a *mqttBridgeAdapter) attach(c *mqtt.Client) {
	a.client.Store(c)
}

// Publish implements ebusd.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c := a.client.Load()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	return c.Publish(topic, payload, qos, retained)
}

// Subscribe implements ebusd.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	c := a.client.Load()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	return c.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements ebusd.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	c := a.client.Load()
	return c != nil && c.IsConnected()
}

// Disconnect implements ebusd.MQTTClient.
// The MQTT client lifecycle is managed by run's defer chain.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {}

// fieldWriter is the part of the InfluxDB client the sink needs.
type fieldWriter interface {
	WriteFieldValue(circuit, message, ident string, value any, at time.Time)
}

// influxSink writes every present field of a decoded message as one point.
type influxSink struct {
	client fieldWriter
}

// WriteValues implements ebusd.ValueSink.
func (s influxSink) WriteValues(circuit string, d ebusd.MessageDecode, at time.Time) {
	for _, v := range d.Present() {
		s.client.WriteFieldValue(circuit, d.Message, v.Ident, v.Value, at)
	}
}
