// Package transport abstracts the single logical connection to a message
// broker that a tandem client owns.
//
// Design decisions:
//   - Dial returning without error is the "connect" event; reconnection is
//     owned by the caller, so implementations disable any built-in reconnect
//     and report a lost connection exactly once through Hook.OnClose.
//   - Topics are MQTT-style ("room/42", "room/+", "room/#"). Implementations
//     for brokers with a different subject syntax translate them.
//   - QoS and retain are passed through where the broker supports them and
//     ignored otherwise.
//
// Implementations:
//   - Memory: an in-process broker for tests and demos, with knobs to sever
//     connections and refuse dials.
//   - NATS: github.com/nats-io/nats.go, topics mapped onto subjects.
//   - MQTT: github.com/eclipse/paho.mqtt.golang.
package transport
