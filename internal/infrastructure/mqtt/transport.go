package mqtt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps outbound payloads. A health message listing every
// circuit is the largest thing the bridge sends and stays far below it.
const maxPayloadSize = 256 << 10

// checkTopic validates a publish topic or, when filter is set, a
// subscription filter. '+' must fill a whole level and '#' must be the
// last level.
func checkTopic(topic string, filter bool) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if !filter {
		if strings.ContainsAny(topic, "+#") {
			return fmt.Errorf("%w: wildcard in publish topic %q", ErrInvalidTopic, topic)
		}
		return nil
	}

	levels := strings.Split(topic, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, topic)
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard inside level %q", ErrInvalidTopic, level)
		}
	}
	return nil
}

func checkQoS(qos byte) error {
	if qos > maxQoS {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	return nil
}

// await waits for a paho token and wraps failures in op.
func await(token pahomqtt.Token, timeout time.Duration, op error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %w after %v", op, ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", op, err)
	}
	return nil
}

// Publish sends payload to topic and waits for the broker to acknowledge
// QoS 1 and 2 messages.
//
// The bridge publishes ebusd commands (get, set, poll) at QoS 0 without
// retain, and its own state and health at QoS 1 retained.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, false); err != nil {
		return err
	}
	if err := checkQoS(qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return await(c.paho.Publish(topic, qos, retained, payload), operationTimeout, ErrPublishFailed)
}

// Subscribe registers handler for a topic filter. The subscription is
// remembered and restored after every reconnect; subscribing the same
// filter again replaces its handler.
//
// Handlers run on paho's goroutines and must not block. A returned error
// is logged.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := checkTopic(filter, true); err != nil {
		return err
	}
	if err := checkQoS(qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, filter)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	prev, hadPrev := c.subs[filter]
	c.subs[filter] = subscription{topic: filter, qos: qos, handler: handler}
	c.mu.Unlock()

	err := await(c.paho.Subscribe(filter, qos, c.dispatch(handler)), operationTimeout, ErrSubscribeFailed)
	if err != nil {
		c.mu.Lock()
		if hadPrev {
			c.subs[filter] = prev
		} else {
			delete(c.subs, filter)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Subscriptions returns the tracked subscription filters, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.subs))
	for filter := range c.subs {
		out = append(out, filter)
	}
	sort.Strings(out)
	return out
}
