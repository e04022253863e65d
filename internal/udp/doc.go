// Package udp relays UDP traffic for one multiplexed client connection.
//
// A Manager owns every session of its connection, keyed by association id.
// Sessions are created lazily by the first Packet carrying an unseen id and
// each holds one relay socket bound to an ephemeral port.
//
// # Fragments
//
// Packets larger than a single datagram arrive as up to 128 fragments that
// share a packet id. Fragments may arrive in any order and may be
// duplicated; a duplicate overwrites the earlier copy. Once every slot is
// filled the payload is forwarded once and the buffer is deleted. Buffers
// that stay incomplete past the reassembly timeout are discarded.
//
// Replies read from a relay socket are wrapped back into Packet commands,
// fragmented to fit the configured packet size, and written through the
// channel the client last used for that session.
//
// # Lifecycle
//
//  1. First Packet for an id creates the session and its send/receive goroutines
//  2. Payloads are queued to the send goroutine, which resolves and maps the destination
//  3. Dissociate, the idle sweep or Manager.Close destroys the session
//
// A Packet for a destroyed id starts a fresh session.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package udp
