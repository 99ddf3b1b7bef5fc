package ebusd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the logging interface used by the bridge.
// It is satisfied by *slog.Logger and the logging package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the interface for MQTT operations used by the bridge.
// Implemented by an adapter over the infrastructure MQTT client.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Config holds the bridge configuration.
type Config struct {
	// BridgeID identifies this bridge instance in health messages.
	BridgeID string

	// Version is reported in health messages.
	Version string

	// TopicPrefix is the root of the bridge's own topic tree.
	TopicPrefix string

	// GroupTopic is the root of the ebusd MQTT topic tree.
	GroupTopic string

	// Host and Port address the ebusd HTTP interface. They are kept as
	// strings so badly formed values can be reported by the health check.
	Host string
	Port string

	Circuits []CircuitConfig
	Labels   LabelOptions
	Backoff  Backoff

	// HealthInterval is how often the health message is published.
	HealthInterval time.Duration
}

// BridgeOptions holds the dependencies for creating a Bridge.
type BridgeOptions struct {
	// Config is the bridge configuration (required).
	Config *Config

	// MQTT is the MQTT client (required).
	MQTT MQTTClient

	// Gateway is the ebusd HTTP client (required).
	Gateway GatewayClient

	// Repository persists operator state (optional).
	Repository Repository

	// Codec overrides the default codec (optional).
	Codec *Codec

	// Validator checks fetched catalogs before parsing (optional).
	Validator *CatalogValidator

	// Metrics records Prometheus metrics (optional).
	Metrics *Metrics

	// Sinks receive decoded values of kept messages (optional).
	Sinks []ValueSink

	// Logger for bridge operations (optional, defaults to no-op).
	Logger Logger
}

// Bridge connects ebusd over MQTT and HTTP with the bridge's own topic
// tree. It manages one Circuit per configured circuit.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg      *Config
	mqtt     MQTTClient
	gateway  GatewayClient
	topics   Topics
	metrics  *Metrics
	counters *counters
	health   *HealthReporter

	circuits map[string]*Circuit

	sinksMu sync.RWMutex
	sinks   []ValueSink

	logger   Logger
	loggerMu sync.RWMutex

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	started  bool
	startMu  sync.Mutex
}

// NewBridge creates a bridge. Call Start to subscribe and begin checks.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway client is required")
	}
	if len(opts.Config.Circuits) == 0 {
		return nil, fmt.Errorf("at least one circuit is required")
	}

	cfg := opts.Config
	codec := opts.Codec
	if codec == nil {
		labels := cfg.Labels
		if labels == (LabelOptions{}) {
			labels = DefaultLabelOptions()
		}
		codec = NewCodec(NewDefaultTypeRegistry(), labels)
	}
	backoff := cfg.Backoff
	if backoff == (Backoff{}) {
		backoff = DefaultBackoff()
	}

	b := &Bridge{
		cfg:      cfg,
		mqtt:     opts.MQTT,
		gateway:  opts.Gateway,
		topics:   NewTopics(cfg.GroupTopic, cfg.TopicPrefix),
		metrics:  opts.Metrics,
		counters: &counters{},
		circuits: make(map[string]*Circuit, len(cfg.Circuits)),
		sinks:    append([]ValueSink(nil), opts.Sinks...),
		logger:   opts.Logger,
	}

	for _, cc := range cfg.Circuits {
		name := strings.ToLower(strings.TrimSpace(cc.Name))
		if _, dup := b.circuits[name]; dup {
			return nil, fmt.Errorf("circuit %q configured twice", name)
		}
		b.circuits[name] = newCircuit(cc, circuitDeps{
			host:      cfg.Host,
			port:      cfg.Port,
			topics:    b.topics,
			codec:     codec,
			gateway:   opts.Gateway,
			validator: opts.Validator,
			repo:      opts.Repository,
			mqtt:      opts.MQTT,
			backoff:   backoff,
			metrics:   opts.Metrics,
			counters:  b.counters,
			sinks:     []ValueSink{sinkFanout{b}},
			logger:    bridgeLogger{b},
		})
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  cfg.BridgeID,
		Version:   cfg.Version,
		Interval:  cfg.HealthInterval,
		Topics:    b.topics,
		Publisher: opts.MQTT,
		Source:    b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start restores persisted state, subscribes to the ebusd topics and
// starts the circuit loops and health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return fmt.Errorf("bridge already started")
	}

	b.ctx, b.cancel = context.WithCancel(ctx)

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	for _, c := range b.sortedCircuits() {
		if err := c.Load(b.ctx); err != nil {
			b.cancel()
			return fmt.Errorf("restoring circuit %s: %w", c.Name(), err)
		}
	}

	if err := b.subscribe(); err != nil {
		b.cancel()
		return err
	}

	for _, c := range b.sortedCircuits() {
		c.Start(b.ctx)
	}
	b.health.Start(b.ctx)

	b.started = true
	b.logInfo("ebusd bridge started",
		"circuits", len(b.circuits),
		"group_topic", b.topics.Group,
		"prefix", b.topics.Prefix)
	return nil
}

// subscribe installs the MQTT subscriptions. It is also called after a
// reconnect, since clean sessions drop subscriptions.
func (b *Bridge) subscribe() error {
	for _, c := range b.sortedCircuits() {
		c := c
		topic := b.topics.CircuitWildcard(c.Name())
		if err := b.mqtt.Subscribe(topic, 0, func(t string, p []byte) {
			if err := c.HandleMessage(t, p); err != nil {
				b.logDebug("message not applied", "topic", t, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		b.logDebug("subscribed", "topic", topic)
	}

	if err := b.mqtt.Subscribe(b.topics.Signal(), 0, b.handleSignal); err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.topics.Signal(), err)
	}
	if err := b.mqtt.Subscribe(b.topics.CommandWildcard(), 1, b.handleCommand); err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.topics.CommandWildcard(), err)
	}
	return nil
}

// Stop ends all circuit loops and health reporting. Safe to call
// multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.logInfo("stopping ebusd bridge")

		for _, c := range b.sortedCircuits() {
			c.Stop()
		}
		b.health.Stop()

		b.startMu.Lock()
		if b.cancel != nil {
			b.cancel()
		}
		b.startMu.Unlock()

		b.logInfo("ebusd bridge stopped")
	})
}

// HandleConnectionChange reacts to MQTT connection changes. On reconnect
// the subscriptions are re-established; either way every circuit is
// re-checked.
func (b *Bridge) HandleConnectionChange(connected bool) {
	b.startMu.Lock()
	started := b.started
	b.startMu.Unlock()
	if !started {
		return
	}

	if connected {
		if err := b.subscribe(); err != nil {
			b.logError("resubscribe failed", err)
		}
	}
	b.logInfo("mqtt connection changed", "connected", connected)
	for _, c := range b.circuits {
		c.TriggerCheck()
	}
}

func (b *Bridge) handleSignal(_ string, payload []byte) {
	for _, c := range b.circuits {
		c.HandleSignal(payload)
	}
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	circuit, message, ok := b.topics.ParseCommand(topic)
	if !ok {
		b.logDebug("ignoring command topic", "topic", topic)
		return
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logWarn("invalid command payload", "topic", topic, "error", err)
		b.publishAck(NewAckMessage("", circuit, message, "",
			fmt.Errorf("%w: %v", ErrInvalidPayload, err)))
		return
	}
	if cmd.ID == "" {
		cmd.ID = NewCommandID()
	}

	sent, err := b.SetValue(circuit, message, cmd.Value)
	if err != nil {
		b.logWarn("command failed",
			"command_id", cmd.ID,
			"circuit", circuit,
			"message", message,
			"error", err)
	}
	b.publishAck(NewAckMessage(cmd.ID, circuit, message, sent, err))
}

func (b *Bridge) publishAck(ack AckMessage) {
	data, err := json.Marshal(ack)
	if err != nil {
		b.logError("marshalling ack", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(ack.Circuit, ack.Message), data, 1, false); err != nil {
		b.logError("publishing ack", err)
	}
}

// Circuit returns a managed circuit by name.
func (b *Bridge) Circuit(name string) (*Circuit, error) {
	c, ok := b.circuits[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCircuit, name)
	}
	return c, nil
}

// Circuits returns the managed circuit names, sorted.
func (b *Bridge) Circuits() []string {
	names := make([]string, 0, len(b.circuits))
	for name := range b.circuits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Bridge) sortedCircuits() []*Circuit {
	out := make([]*Circuit, 0, len(b.circuits))
	for _, name := range b.Circuits() {
		out = append(out, b.circuits[name])
	}
	return out
}

// CircuitHealth returns the health of every managed circuit.
func (b *Bridge) CircuitHealth() []CircuitHealth {
	out := make([]CircuitHealth, 0, len(b.circuits))
	for _, c := range b.sortedCircuits() {
		out = append(out, c.Health())
	}
	return out
}

// SetValue encodes and publishes a set command for a circuit message.
func (b *Bridge) SetValue(circuit, message string, value any) (string, error) {
	c, err := b.Circuit(circuit)
	if err != nil {
		return "", err
	}
	return c.SetValue(message, value)
}

// ListGatewayCircuits returns the circuits ebusd currently knows.
func (b *Bridge) ListGatewayCircuits(ctx context.Context) ([]string, error) {
	return b.gateway.ListCircuits(ctx)
}

// Topics returns the topic builders in use.
func (b *Bridge) Topics() Topics { return b.topics }

// LWT returns the Last Will topic and payload the MQTT client should
// register before connecting.
func (b *Bridge) LWT() (string, []byte, error) {
	payload, err := b.health.LWTPayload()
	return b.health.LWTTopic(), payload, err
}

// AddSink registers a receiver for decoded values.
func (b *Bridge) AddSink(s ValueSink) {
	if s == nil {
		return
	}
	b.sinksMu.Lock()
	b.sinks = append(b.sinks, s)
	b.sinksMu.Unlock()
}

// sinkFanout forwards decoded values to the bridge's current sinks.
type sinkFanout struct{ b *Bridge }

func (f sinkFanout) WriteValues(circuit string, d MessageDecode, at time.Time) {
	f.b.sinksMu.RLock()
	sinks := f.b.sinks
	f.b.sinksMu.RUnlock()
	for _, s := range sinks {
		s.WriteValues(circuit, d, at)
	}
}

// GetMetrics returns a snapshot of the bridge counters.
func (b *Bridge) GetMetrics() BridgeMetrics {
	m := BridgeMetrics{
		MessagesReceived: b.counters.received.Load(),
		MessagesApplied:  b.counters.applied.Load(),
		MessagesSkipped:  b.counters.skipped.Load(),
		DecodeErrors:     b.counters.decodeErrors.Load(),
		SetCommands:      b.counters.sets.Load(),
		SetErrors:        b.counters.setErrors.Load(),
		PollCommands:     b.counters.polls.Load(),
		Circuits:         len(b.circuits),
	}
	for _, c := range b.circuits {
		if c.Health().Status == StatusActive {
			m.CircuitsActive++
		}
	}
	return m
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) log() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if l := b.log(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if l := b.log(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if l := b.log(); l != nil {
		l.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if l := b.log(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

// bridgeLogger hands circuits the bridge's current logger.
type bridgeLogger struct{ b *Bridge }

func (l bridgeLogger) Debug(msg string, keysAndValues ...any) { l.b.logDebug(msg, keysAndValues...) }
func (l bridgeLogger) Info(msg string, keysAndValues ...any)  { l.b.logInfo(msg, keysAndValues...) }
func (l bridgeLogger) Warn(msg string, keysAndValues ...any)  { l.b.logWarn(msg, keysAndValues...) }

func (l bridgeLogger) Error(msg string, keysAndValues ...any) {
	if lg := l.b.log(); lg != nil {
		lg.Error(msg, keysAndValues...)
	}
}
