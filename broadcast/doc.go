// Package broadcast provides the local fan-out medium that members sharing a
// topic use to run their leader election.
//
// A Medium opens named Channels. Every value posted on a channel handle is
// delivered to every other open handle with the same name, never to the
// sender. Delivery is best effort and at most once: a handle that does not
// drain its Messages within the slow-consumer timeout misses the value, and
// no ordering is promised across senders.
//
// Implementations:
//   - Local: in-process hub, the default for members living in one process.
//   - NATS: handles in different processes attached to the same NATS server,
//     for members that share a host but not an address space.
package broadcast
