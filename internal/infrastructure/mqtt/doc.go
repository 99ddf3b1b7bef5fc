// Package mqtt is the bridge's broker client, a thin layer over
// paho.mqtt.golang.
//
// ebusd and the bridge never talk to each other directly over MQTT: the
// bridge subscribes to ebusd's topic tree, publishes get and set requests
// into it, and keeps its own state, command and health topics under a
// separate prefix.
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic: "ebusbridge/health", Payload: offline, QoS: 1, Retained: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("ebusd/bai/#", 0, func(topic string, payload []byte) error {
//	    return handle(topic, payload)
//	})
//
// Topics and filters are validated before they reach paho. Subscriptions
// made through Client survive reconnects; the will survives nothing but a
// clean Close. Use TLS (mqtt.broker.tls) for any broker that is not on
// the same host.
package mqtt
