// Package transport defines the interfaces between the muCore runtime and the
// network. Gateways accept client frames, hand them to a PacketHandler and write
// the replies back on the transport matching each reply's channel.
//
// Key Components:
//
//   - PacketHandler: The runtime behind a gateway (core.Orchestrator).
//
//   - IGatewayTransport: Server side gateways. The tcp package serves stream
//     frames over TCP and datagram frames over UDP on the same endpoint, the ws
//     package carries both frame shapes in binary WebSocket messages.
//
//   - IGatewayClientTransport: Client side of the tcp gateway, used by the
//     simulation client.
package transport
