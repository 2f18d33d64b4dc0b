package transport

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/casualjim/tandem/pkg/uuidx"
)

const disconnectQuiesce = 250 // milliseconds

type mqttDialer struct {
	configure []func(*mqtt.ClientOptions)
}

// MQTT returns a Dialer backed by the Eclipse Paho client. Paho's own
// reconnect logic is disabled. The configure functions run last and may
// adjust TLS, keep-alive and similar settings.
func MQTT(configure ...func(*mqtt.ClientOptions)) Dialer {
	return &mqttDialer{configure: configure}
}

func (d *mqttDialer) Dial(ctx context.Context, opts Options, hook Hook) (Conn, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "tandem-" + uuidx.NewString()
	}

	o := mqtt.NewClientOptions().
		AddBroker(opts.URL).
		SetClientID(clientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			hook.OnMessage(m.Topic(), m.Payload())
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if err == nil {
				err = ErrConnectionLost
			}
			hook.OnClose(err)
		})
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	for _, fn := range d.configure {
		fn(o)
	}

	client := mqtt.NewClient(o)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, &Error{Op: "connect", Err: err}
	}
	return &mqttConn{client: client}, nil
}

type mqttConn struct {
	client mqtt.Client
}

func (c *mqttConn) Subscribe(ctx context.Context, topic string, qos QoS) error {
	// nil callback routes messages to the default publish handler
	if err := waitToken(ctx, c.client.Subscribe(topic, byte(qos), nil)); err != nil {
		return &Error{Op: "subscribe", Topic: topic, Err: err}
	}
	return nil
}

func (c *mqttConn) Unsubscribe(ctx context.Context, filters ...string) error {
	if err := waitToken(ctx, c.client.Unsubscribe(filters...)); err != nil {
		return &Error{Op: "unsubscribe", Err: err}
	}
	return nil
}

func (c *mqttConn) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	if err := waitToken(ctx, c.client.Publish(topic, byte(qos), retain, payload)); err != nil {
		return &Error{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

func (c *mqttConn) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *mqttConn) Close() error {
	c.client.Disconnect(disconnectQuiesce)
	return nil
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
