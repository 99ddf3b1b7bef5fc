package mqtt

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/config"
)

const (
	connectTimeout   = 10 * time.Second
	operationTimeout = 5 * time.Second // publish and subscribe acknowledgement
	writeTimeout     = operationTimeout
	keepAlive        = 60 * time.Second

	// quiesceMillis lets in-flight publishes drain on Disconnect.
	quiesceMillis = 1000

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12
)

// Will is the Last Will and Testament registered with the broker, which
// publishes it when the bridge drops off without disconnecting.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// clientOptions maps the bridge config onto paho options. A will with an
// empty topic is ignored; a will with an invalid topic is an error.
//
// Sessions are clean because Client replays its own subscriptions on
// every reconnect. Handlers are not ordered: a slow ebusd write in one
// handler must not hold up keepalives or other topics.
func clientOptions(cfg config.MQTTConfig, will *Will) (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(writeTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion, ServerName: cfg.Broker.Host})
	}

	if will != nil && will.Topic != "" {
		if err := checkTopic(will.Topic, false); err != nil {
			return nil, fmt.Errorf("last will: %w", err)
		}
		if err := checkQoS(will.QoS); err != nil {
			return nil, fmt.Errorf("last will: %w", err)
		}
		opts.SetBinaryWill(will.Topic, will.Payload, will.QoS, will.Retained)
	}
	return opts, nil
}
