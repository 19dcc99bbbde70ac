package protocol

import (
	"encoding/binary"

	"github.com/ValentinKolb/mucore/lib/encoding/postcard"
)

const (
	// StreamHeaderSize is the size of magic + channel + length
	StreamHeaderSize = 7

	DefaultMaxDatagramSize      = 1200
	DefaultMaxStreamPayloadSize = 64 * 1024
)

// StreamMagic prefixes every stream frame
var StreamMagic = [2]byte{'M', 'U'}

// CodecLimits bounds frame sizes
type CodecLimits struct {
	MaxDatagramSize      int
	MaxStreamPayloadSize int
}

// DefaultCodecLimits returns the limits used on the public gateway
func DefaultCodecLimits() CodecLimits {
	return CodecLimits{
		MaxDatagramSize:      DefaultMaxDatagramSize,
		MaxStreamPayloadSize: DefaultMaxStreamPayloadSize,
	}
}

// DatagramFrame is a decoded datagram
type DatagramFrame struct {
	Channel Channel
	Packet  WirePacket
}

// StreamFrame is a decoded stream frame
type StreamFrame struct {
	Channel Channel
	Packet  WirePacket
}

// WireCodec encodes and validates packets for both frame shapes.
// A WireCodec is immutable and safe for concurrent use.
type WireCodec struct {
	version ProtocolVersion
	limits  CodecLimits
}

// NewWireCodec creates a codec that only accepts packets of the given version
func NewWireCodec(version ProtocolVersion, limits CodecLimits) *WireCodec {
	return &WireCodec{version: version, limits: limits}
}

// DefaultWireCodec creates a codec for CurrentVersion with default limits
func DefaultWireCodec() *WireCodec {
	return NewWireCodec(CurrentVersion, DefaultCodecLimits())
}

// Version returns the expected protocol version
func (c *WireCodec) Version() ProtocolVersion { return c.version }

// Limits returns the configured frame limits
func (c *WireCodec) Limits() CodecLimits { return c.limits }

// --------------------------------------------------------------------------
// Datagram frames: [channel_id][payload]
// --------------------------------------------------------------------------

// EncodeDatagramFrame encodes packet for a datagram channel
func (c *WireCodec) EncodeDatagramFrame(channel Channel, packet WirePacket) ([]byte, error) {
	if channel.Transport() != TransportDatagram {
		return nil, ErrNotDatagramChannel
	}
	if err := c.validate(channel, packet); err != nil {
		return nil, err
	}

	w := postcard.NewWriter(64)
	w.U8(uint8(channel))
	if err := appendPacket(w, packet); err != nil {
		return nil, &SerializationError{Err: err}
	}
	if w.Len() > c.limits.MaxDatagramSize {
		return nil, &DatagramTooLargeError{Limit: c.limits.MaxDatagramSize, Actual: w.Len()}
	}
	return w.Bytes(), nil
}

// DecodeDatagramFrame decodes and validates one datagram
func (c *WireCodec) DecodeDatagramFrame(data []byte) (DatagramFrame, error) {
	if len(data) == 0 {
		return DatagramFrame{}, ErrEmptyDatagram
	}
	if len(data) > c.limits.MaxDatagramSize {
		return DatagramFrame{}, &DatagramTooLargeError{Limit: c.limits.MaxDatagramSize, Actual: len(data)}
	}
	channel, err := ChannelFromID(data[0])
	if err != nil {
		return DatagramFrame{}, err
	}
	if channel.Transport() != TransportDatagram {
		return DatagramFrame{}, ErrNotDatagramChannel
	}

	packet, err := UnmarshalPacket(data[1:])
	if err != nil {
		return DatagramFrame{}, &SerializationError{Err: err}
	}
	if err := c.validate(channel, packet); err != nil {
		return DatagramFrame{}, err
	}
	return DatagramFrame{Channel: channel, Packet: packet}, nil
}

// --------------------------------------------------------------------------
// Stream frames: ["MU"][channel_id][u32 LE length][payload]
// --------------------------------------------------------------------------

// EncodeStreamFrame encodes packet for a stream channel
func (c *WireCodec) EncodeStreamFrame(channel Channel, packet WirePacket) ([]byte, error) {
	if channel.Transport() != TransportStream {
		return nil, ErrNotStreamChannel
	}
	if err := c.validate(channel, packet); err != nil {
		return nil, err
	}

	w := postcard.NewWriter(StreamHeaderSize + 64)
	w.Fixed(StreamMagic[:])
	w.U8(uint8(channel))
	w.Fixed([]byte{0, 0, 0, 0})
	if err := appendPacket(w, packet); err != nil {
		return nil, &SerializationError{Err: err}
	}

	frame := w.Bytes()
	payloadLen := len(frame) - StreamHeaderSize
	if payloadLen > c.limits.MaxStreamPayloadSize {
		return nil, &StreamPayloadTooLargeError{Limit: c.limits.MaxStreamPayloadSize, Actual: payloadLen}
	}
	binary.LittleEndian.PutUint32(frame[3:StreamHeaderSize], uint32(payloadLen))
	return frame, nil
}

// TryDecodeStreamFrame decodes the first frame in buf. If buf does not hold a
// complete frame yet it returns (nil, 0, nil) so the caller can read more bytes.
// On success it returns the frame and the number of bytes consumed.
func (c *WireCodec) TryDecodeStreamFrame(buf []byte) (*StreamFrame, int, error) {
	if len(buf) < StreamHeaderSize {
		return nil, 0, nil
	}
	if buf[0] != StreamMagic[0] || buf[1] != StreamMagic[1] {
		return nil, 0, ErrInvalidStreamMagic
	}
	channel, err := ChannelFromID(buf[2])
	if err != nil {
		return nil, 0, err
	}
	if channel.Transport() != TransportStream {
		return nil, 0, ErrNotStreamChannel
	}

	payloadLen := int(binary.LittleEndian.Uint32(buf[3:StreamHeaderSize]))
	if payloadLen > c.limits.MaxStreamPayloadSize {
		return nil, 0, &StreamPayloadTooLargeError{Limit: c.limits.MaxStreamPayloadSize, Actual: payloadLen}
	}
	total := StreamHeaderSize + payloadLen
	if len(buf) < total {
		return nil, 0, nil
	}

	packet, err := UnmarshalPacket(buf[StreamHeaderSize:total])
	if err != nil {
		return nil, 0, &SerializationError{Err: err}
	}
	if err := c.validate(channel, packet); err != nil {
		return nil, 0, err
	}
	return &StreamFrame{Channel: channel, Packet: packet}, total, nil
}

// EncodeFrame encodes packet on its preferred channel using the matching frame shape
func (c *WireCodec) EncodeFrame(packet WirePacket) ([]byte, TransportKind, error) {
	if packet.Payload == nil {
		return nil, 0, &SerializationError{Err: errNoPayload}
	}
	channel := packet.PreferredChannel()
	if channel.Transport() == TransportDatagram {
		frame, err := c.EncodeDatagramFrame(channel, packet)
		return frame, TransportDatagram, err
	}
	frame, err := c.EncodeStreamFrame(channel, packet)
	return frame, TransportStream, err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// validate checks the version first and the channel second
func (c *WireCodec) validate(channel Channel, packet WirePacket) error {
	if packet.Version != c.version {
		return &VersionMismatchError{Expected: c.version, Actual: packet.Version}
	}
	if packet.Payload == nil {
		return &SerializationError{Err: errNoPayload}
	}
	if expected := packet.PreferredChannel(); expected != channel {
		return &ChannelMismatchError{Channel: channel, Expected: expected}
	}
	return nil
}
