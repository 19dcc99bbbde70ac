package protocol

import (
	"fmt"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("protocol")

const (
	DefaultHeartbeatIntervalMs = 5000
	DefaultMotd                = "Welcome to MU"
)

// IngressPacket is a decoded client frame together with how it arrived
type IngressPacket struct {
	Transport TransportKind
	Channel   Channel
	Packet    WirePacket
}

// Runtime turns transport bytes into packets and answers the requests that
// need no session or routing state.
type Runtime struct {
	codec               *WireCodec
	motd                string
	heartbeatIntervalMs uint32
}

// NewRuntime creates a protocol runtime on top of codec
func NewRuntime(codec *WireCodec, motd string, heartbeatIntervalMs uint32) *Runtime {
	if heartbeatIntervalMs == 0 {
		heartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	return &Runtime{codec: codec, motd: motd, heartbeatIntervalMs: heartbeatIntervalMs}
}

// Codec returns the wrapped codec
func (r *Runtime) Codec() *WireCodec { return r.codec }

// Motd returns the message of the day sent in HelloAck
func (r *Runtime) Motd() string { return r.motd }

// HeartbeatIntervalMs returns the heartbeat interval advertised in HelloAck
func (r *Runtime) HeartbeatIntervalMs() uint32 { return r.heartbeatIntervalMs }

// DecodeV2Datagram decodes one datagram frame
func (r *Runtime) DecodeV2Datagram(data []byte) (IngressPacket, error) {
	frame, err := r.codec.DecodeDatagramFrame(data)
	if err != nil {
		return IngressPacket{}, err
	}
	return IngressPacket{Transport: TransportDatagram, Channel: frame.Channel, Packet: frame.Packet}, nil
}

// DecodeV2StreamBatch drains every complete frame from buf. It returns the
// decoded packets and the number of bytes consumed; bytes after that belong to
// a frame that is not complete yet.
func (r *Runtime) DecodeV2StreamBatch(buf []byte) ([]IngressPacket, int, error) {
	var (
		out      []IngressPacket
		consumed int
	)
	for consumed < len(buf) {
		frame, n, err := r.codec.TryDecodeStreamFrame(buf[consumed:])
		if err != nil {
			return out, consumed, err
		}
		if frame == nil {
			break
		}
		out = append(out, IngressPacket{Transport: TransportStream, Channel: frame.Channel, Packet: frame.Packet})
		consumed += n
	}
	return out, consumed, nil
}

// BaselineResponse produces the stateless reply for packet, or nil if the
// packet needs session or routing state.
func (r *Runtime) BaselineResponse(packet WirePacket, serverTimeMs uint64) (*WirePacket, error) {
	msg, ok := packet.ClientMessage()
	if !ok {
		return nil, ErrUnexpectedPacketDirection
	}

	var reply ServerMessage
	switch m := msg.(type) {
	case Hello:
		reply = HelloAck{
			SessionID:           packet.SessionID,
			HeartbeatIntervalMs: r.heartbeatIntervalMs,
			Motd:                r.motd,
		}
	case KeepAlive:
		reply = Pong{ServerTimeMs: serverTimeMs}
	case ClientChat:
		if m.Channel != ChatLocal {
			return nil, nil
		}
		reply = ServerChat{ChatPayload: m.ChatPayload}
	default:
		return nil, nil
	}

	resp := ResponseFor(packet, serverTimeMs, reply)
	log.Debugf("baseline reply %T for session %d seq %d", reply, packet.SessionID, packet.Sequence)
	return &resp, nil
}

// ResponseFor builds a server packet answering request on the request's route
func ResponseFor(request WirePacket, serverTimeMs uint64, msg ServerMessage) WirePacket {
	return ResponseOnRoute(request, request.Route, serverTimeMs, msg)
}

// ResponseOnRoute builds a server packet answering request on an explicit route.
// The reply sequence is the request sequence plus one and it acks the request.
func ResponseOnRoute(request WirePacket, route RouteKey, serverTimeMs uint64, msg ServerMessage) WirePacket {
	return NewServerPacket(
		request.SessionID,
		route,
		request.Sequence+1,
		Uint32(request.Sequence),
		serverTimeMs,
		msg,
	)
}

// ErrorFor builds a typed error reply for request
func ErrorFor(request WirePacket, serverTimeMs uint64, kind ServerErrorKind, format string, args ...interface{}) WirePacket {
	return ResponseFor(request, serverTimeMs, ServerError{Kind: kind, Message: fmt.Sprintf(format, args...)})
}
