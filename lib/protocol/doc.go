// Package protocol implements the muCore wire protocol shared by client and server.
//
// Every packet is a WirePacket envelope (version, session id, route, sequence,
// optional ack, send time) around a ClientMessage or ServerMessage. Packets travel
// in one of two frame shapes:
//
//   - Datagram frame: [channel_id u8][payload]. Limited to 1200 bytes by default.
//   - Stream frame: ["MU"][channel_id u8][payload_len u32 LE][payload]. The header
//     is 7 bytes, the payload is limited to 64 KiB by default.
//
// The payload uses the compact layout from package postcard.
//
// Key Components:
//
//   - Channel: the closed set of logical channels. Each channel is either datagram
//     or stream based and every message variant has exactly one canonical channel
//     (Message.PreferredChannel). The WireCodec enforces this on encode and decode.
//
//   - WireCodec: encodes and validates frames. Version and channel checks are hard
//     rejections; there is no negotiation. TryDecodeStreamFrame is safe to call on a
//     growing receive buffer and reports "need more bytes" as (nil, 0, nil).
//
//   - Runtime: decodes ingress bytes into IngressPackets and builds the stateless
//     baseline replies (HelloAck, Pong, local chat echo).
//
// Thread Safety:
//
//	WireCodec and Runtime are immutable after construction and safe for concurrent use.
package protocol
