/*
Package tandem lets several local participants share one pub/sub connection
while making sure side effects that must happen once are run by exactly one of
them.

A process owns one Client. Every participant ("member") that wants messages
from a topic joins a Group; the group keeps a single network subscription per
topic no matter how many members ask for it, and the members of a topic elect a
leader among themselves over a broadcast medium. Members in other processes
take part in the same election when they share the medium.

When a message arrives each member's callback is considered on its own:

  - a leader always receives it,
  - an idempotent callback always receives it,
  - while no leader is known yet every callback receives it,
  - otherwise the message is suppressed for that member.

# Basic Usage

	client := tandem.New(transport.NATS())
	if err := client.Init(tandem.ConfigFromEnv(), tandem.WithURL("nats://localhost:4222")); err != nil {
		return err
	}
	defer client.Dispose()

	group, err := tandem.NewGroup(client, broadcast.Local())
	if err != nil {
		return err
	}
	defer group.Close(ctx)

	member, err := group.Join(ctx, "room/42")
	if err != nil {
		return err
	}
	// runs on one member only once a leader is elected
	err = member.OnMessage(ctx, func(msg tandem.Message) {
		counter.Add(1)
	}, false)

# Architecture

1. Connection (client.go)
  - One transport connection per Client, reconnecting with exponential backoff
  - Reference counted subscriptions, replayed after every reconnect
  - Publishing while disconnected drops the message

2. Election (internal/election)
  - Bully-style: the smallest member identity wins
  - inquire, leader_announce, leader_claim and killed messages over a
    broadcast.Channel
  - A leader that closes announces it so the others elect again

3. Delivery (internal/registry, internal/delivery)
  - One callback per member and topic
  - Each member's callbacks run one at a time on the member's own goroutine

# Integration

Transports for NATS, MQTT and an in-process broker live in package transport;
broadcast media for in-process and NATS fan-out live in package broadcast.
*/
package tandem
