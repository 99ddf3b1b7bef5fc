package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/config"
)

// Client is the bridge's connection to the broker. It remembers every
// subscription made through it and replays them after paho reconnects,
// and it shields the paho router from handler panics.
//
// All methods are safe for concurrent use.
type Client struct {
	paho pahomqtt.Client
	opts *pahomqtt.ClientOptions
	cfg  config.MQTTConfig

	connected atomic.Bool

	// mu guards subs, hooks and logger.
	mu     sync.RWMutex
	subs   map[string]subscription
	hooks  hooks
	logger Logger
}

// Logger is the subset of slog.Logger the client writes to.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type hooks struct {
	up   func()
	down func(err error)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message. A returned error is logged and
// otherwise ignored; QoS acknowledgement does not depend on it.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and blocks until the first connection succeeds
// or connectTimeout passes. will, when non-nil, is registered as the Last
// Will beforehand.
func Connect(cfg config.MQTTConfig, will *Will) (*Client, error) {
	opts, err := clientOptions(cfg, will)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, opts: opts, subs: make(map[string]subscription)}
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onConnectionLost(err) })

	c.paho = pahomqtt.NewClient(opts)
	if err := await(c.paho.Connect(), connectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}
	// paho fires OnConnect on its own goroutine, possibly after we return.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) onConnected() {
	c.connected.Store(true)
	c.resubscribe()

	c.mu.RLock()
	up := c.hooks.up
	c.mu.RUnlock()
	if up != nil {
		up()
	}
}

func (c *Client) onConnectionLost(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	down, logger := c.hooks.down, c.logger
	c.mu.RUnlock()
	if logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}
	if down != nil {
		down(err)
	}
}

// resubscribe replays tracked filters. It runs on paho's connect
// goroutine, so acknowledgements are awaited in the background.
func (c *Client) resubscribe() {
	if c.paho == nil {
		return
	}

	c.mu.RLock()
	pending := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		pending = append(pending, s)
	}
	c.mu.RUnlock()

	for _, s := range pending {
		tok := c.paho.Subscribe(s.topic, s.qos, c.dispatch(s.handler))
		go func(filter string) {
			err := await(tok, operationTimeout, ErrSubscribeFailed)
			if logger := c.log(); err != nil && logger != nil {
				logger.Error("MQTT resubscribe failed", "filter", filter, "error", err)
			}
		}(s.topic)
	}
}

// Close disconnects cleanly, so the broker does not publish the will.
func (c *Client) Close() error {
	if c.paho != nil {
		c.paho.Disconnect(quiesceMillis)
		c.connected.Store(false)
	}
	return nil
}

// HealthCheck fails with ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.paho != nil && c.connected.Load() && c.paho.IsConnected()
}

func (c *Client) BrokerURL() string {
	return brokerURL(c.cfg.Broker)
}

// SetOnConnect installs fn to run after every (re)connect, once tracked
// subscriptions have been replayed. The first connection usually completes
// before fn is installed.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.hooks.up = fn
	c.mu.Unlock()
}

// SetOnDisconnect installs fn to run when paho reports the connection lost.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.hooks.down = fn
	c.mu.Unlock()
}

// SetLogger sets where handler errors, panics and resubscribe failures go.
// Without one they are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// dispatch adapts a MessageHandler to paho, converting panics and errors
// into log lines.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				if logger := c.log(); logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", topic, "panic", r)
				}
			}
		}()

		if err := handler(topic, msg.Payload()); err != nil {
			if logger := c.log(); logger != nil {
				logger.Warn("MQTT handler returned error", "topic", topic, "error", err)
			}
		}
	}
}
