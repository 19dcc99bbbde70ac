// Package base provides the transport independent parts of the muCore gateways:
// stream connection handling, frame I/O and the per connection session state.
// Protocol specific packages (tcp, ws) plug in through connectors or by driving
// a Peer directly.
//
// Key Components:
//
//   - Peer: The gateway side of one client connection. It keeps a growing
//     receive buffer for stream bytes, hands complete frames to the runtime,
//     keeps trailing bytes for the next read and writes every reply on the
//     transport its channel requires. A HelloAck binds the connection to its
//     session, an EnterMap subscribes it to the map's local chat topic and
//     forwards the messages of other sessions as Chat frames.
//
//   - Sessions: Registry of session id to Peer. The UDP side of the tcp
//     gateway uses it to deliver replies that need the stream transport.
//
//   - StreamServer: Accept loop that runs a Peer for every connection, with a
//     pooled read buffer per connection.
//
//   - clientTransport: Client side with one stream and one datagram connection,
//     used by the simulation client.
//
// Error Handling:
//
//	A frame that fails to decode is dropped and logged, it never closes the
//	connection. When the header of the broken frame is intact the reader skips
//	exactly that frame, otherwise the buffered bytes are discarded.
//
// Thread Safety:
//
//	A Peer has a single reading goroutine. Writes are serialized by the
//	FrameWriter so replies and chat pushes can interleave safely.
package base
