// Package socket wraps a single OS UDP socket shared through the port registry.
//
// A Handle owns exactly one socket together with the configuration it was
// created with (port, address family, broadcast and multicast state). It
// exposes send, a blocking receive loop, multicast join and leave, and an
// idempotent close.
//
// # Receive fan-out
//
// Several logical consumers may listen on the same port. Rather than running
// competing readers on one socket, a Handle runs a single dispatcher
// goroutine (started by the first Subscribe) that reads datagrams and hands
// each one to every subscribed Receiver in subscription order.
//
// Closing the handle unblocks the pending read; the dispatcher treats that as
// a normal exit. Any other read failure, or an injected Abort, closes the
// socket and is reported to every receiver as a *ReceiveError so the owner can
// rebind.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Send and the receive loop
// rely on the OS socket for concurrent access and take no handle lock on the
// data path.
package socket
