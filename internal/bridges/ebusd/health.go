package ebusd

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the MQTT side of the health reporter.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// CircuitHealthSource reports the health of every managed circuit.
type CircuitHealthSource interface {
	CircuitHealth() []CircuitHealth
}

// HealthReporterConfig configures a HealthReporter. Interval defaults to
// 30 seconds.
type HealthReporterConfig struct {
	BridgeID  string
	Version   string
	Interval  time.Duration
	Topics    Topics
	Publisher HealthPublisher
	Source    CircuitHealthSource
}

// HealthReporter keeps the retained bridge health message current: once
// on start, then every interval, and a final "stopping" message on Stop.
type HealthReporter struct {
	cfg      HealthReporterConfig
	interval time.Duration
	started  time.Time

	mu     sync.Mutex
	logger Logger
	cancel context.CancelFunc
	exited chan struct{}
	closed bool
}

// NewHealthReporter returns a reporter for cfg. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthReporter{cfg: cfg, interval: interval, started: time.Now()}
}

// Start publishes the current health and keeps republishing until ctx is
// cancelled or Stop is called. Starting twice has no effect.
func (h *HealthReporter) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.closed {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.exited = make(chan struct{})
	go h.run(ctx, h.exited)
}

// Stop ends the loop and publishes "stopping". Later calls do nothing.
func (h *HealthReporter) Stop() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	cancel, exited := h.cancel, h.exited
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-exited
	}
	//nolint:errcheck // best effort on the way out
	h.publish(HealthStopping, "bridge stopping")
}

// SetLogger sets where publish failures are logged.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the health derived from MQTT and circuit state.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.assess())
}

// LWTTopic is the topic the bridge's Last Will is published on.
func (h *HealthReporter) LWTTopic() string {
	return h.cfg.Topics.Health()
}

// LWTPayload is the offline health message registered as the Last Will.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.cfg.BridgeID))
}

func (h *HealthReporter) run(ctx context.Context, exited chan<- struct{}) {
	defer close(exited)

	tick := time.NewTicker(h.interval)
	defer tick.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.warn("health publish failed", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// assess is degraded while MQTT is down, unhealthy when no circuit is
// active and degraded when only some are.
func (h *HealthReporter) assess() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Source == nil {
		return HealthHealthy, ""
	}

	var total, active int
	for _, c := range h.cfg.Source.CircuitHealth() {
		total++
		if c.Status == StatusActive {
			active++
		}
	}
	switch {
	case active == total:
		return HealthHealthy, ""
	case active == 0:
		return HealthUnhealthy, "no circuit active"
	}
	return HealthDegraded, "some circuits inactive"
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	pub := h.cfg.Publisher
	if pub == nil {
		return nil
	}

	var circuits []CircuitHealth
	if h.cfg.Source != nil {
		circuits = h.cfg.Source.CircuitHealth()
	}
	msg := NewHealthMessage(h.cfg.BridgeID, h.cfg.Version, status, circuits, h.started)
	msg.Reason = reason

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return pub.Publish(h.cfg.Topics.Health(), payload, 1, true)
}

func (h *HealthReporter) warn(msg string, err error) {
	h.mu.Lock()
	logger := h.logger
	h.mu.Unlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
