package protocol

import (
	"fmt"

	"github.com/ValentinKolb/mucore/lib/encoding/postcard"
)

const (
	payloadClient uint32 = 0
	payloadServer uint32 = 1
)

// WirePacket is the versioned envelope exchanged on every channel.
// Payload holds either a ClientMessage or a ServerMessage.
type WirePacket struct {
	Version   ProtocolVersion
	SessionID uint64
	Route     RouteKey
	Sequence  uint32
	Ack       *uint32
	SentAtMs  uint64
	Payload   Message
}

// NewClientPacket builds a packet carrying a client message with the current version
func NewClientPacket(sessionID uint64, route RouteKey, sequence uint32, ack *uint32, sentAtMs uint64, msg ClientMessage) WirePacket {
	return WirePacket{
		Version:   CurrentVersion,
		SessionID: sessionID,
		Route:     route,
		Sequence:  sequence,
		Ack:       ack,
		SentAtMs:  sentAtMs,
		Payload:   msg,
	}
}

// NewServerPacket builds a packet carrying a server message with the current version
func NewServerPacket(sessionID uint64, route RouteKey, sequence uint32, ack *uint32, sentAtMs uint64, msg ServerMessage) WirePacket {
	return WirePacket{
		Version:   CurrentVersion,
		SessionID: sessionID,
		Route:     route,
		Sequence:  sequence,
		Ack:       ack,
		SentAtMs:  sentAtMs,
		Payload:   msg,
	}
}

// PreferredChannel returns the canonical channel of the packet payload
func (p WirePacket) PreferredChannel() Channel {
	return p.Payload.PreferredChannel()
}

// ClientMessage returns the payload as a client message
func (p WirePacket) ClientMessage() (ClientMessage, bool) {
	m, ok := p.Payload.(ClientMessage)
	return m, ok
}

// ServerMessage returns the payload as a server message
func (p WirePacket) ServerMessage() (ServerMessage, bool) {
	m, ok := p.Payload.(ServerMessage)
	return m, ok
}

// Uint32 returns a pointer to v, handy for the optional ack field
func Uint32(v uint32) *uint32 { return &v }

// --------------------------------------------------------------------------
// Envelope encoding
// --------------------------------------------------------------------------

// MarshalPacket serializes the envelope and payload in wire layout
func MarshalPacket(p WirePacket) ([]byte, error) {
	w := postcard.NewWriter(64)
	if err := appendPacket(w, p); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func appendPacket(w *postcard.Writer, p WirePacket) error {
	if p.Payload == nil {
		return errNoPayload
	}
	w.U8(p.Version.Major)
	w.U8(p.Version.Minor)
	w.U64(p.SessionID)
	p.Route.EncodeTo(w)
	w.U32(p.Sequence)
	w.OptionU32(p.Ack)
	w.U64(p.SentAtMs)

	switch p.Payload.(type) {
	case ClientMessage:
		w.Variant(payloadClient)
	case ServerMessage:
		w.Variant(payloadServer)
	default:
		return fmt.Errorf("unsupported payload type %T", p.Payload)
	}
	w.Variant(p.Payload.variant())
	p.Payload.encode(w)
	return nil
}

// UnmarshalPacket parses a full envelope. Trailing bytes are an error.
func UnmarshalPacket(data []byte) (WirePacket, error) {
	var (
		p   WirePacket
		err error
	)
	r := postcard.NewReader(data)

	if p.Version.Major, err = r.U8(); err != nil {
		return p, err
	}
	if p.Version.Minor, err = r.U8(); err != nil {
		return p, err
	}
	if p.SessionID, err = r.U64(); err != nil {
		return p, err
	}
	if p.Route, err = DecodeRouteKey(r); err != nil {
		return p, err
	}
	if p.Sequence, err = r.U32(); err != nil {
		return p, err
	}
	if p.Ack, err = r.OptionU32(); err != nil {
		return p, err
	}
	if p.SentAtMs, err = r.U64(); err != nil {
		return p, err
	}

	direction, err := r.Variant()
	if err != nil {
		return p, err
	}
	switch direction {
	case payloadClient:
		p.Payload, err = decodeClientMessage(r)
	case payloadServer:
		p.Payload, err = decodeServerMessage(r)
	default:
		err = fmt.Errorf("unknown payload direction %d", direction)
	}
	if err != nil {
		return WirePacket{}, err
	}
	return p, r.Finish()
}
