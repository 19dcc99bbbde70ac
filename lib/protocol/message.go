package protocol

import (
	"fmt"

	"github.com/ValentinKolb/mucore/lib/encoding/postcard"
)

// --------------------------------------------------------------------------
// Message interfaces
// --------------------------------------------------------------------------

// Origin tells which side of the connection produced a payload
type Origin uint8

const (
	OriginClient Origin = iota
	OriginServer
)

func (o Origin) String() string {
	if o == OriginClient {
		return "client"
	}
	return "server"
}

// Message is a payload carried by a WirePacket. Every message has exactly one
// canonical channel, returned by PreferredChannel.
type Message interface {
	Origin() Origin
	PreferredChannel() Channel
	variant() uint32
	encode(w *postcard.Writer)
}

// ClientMessage is a message sent from the client to the server
type ClientMessage interface {
	Message
	isClientMessage()
}

// ServerMessage is a message sent from the server to the client
type ServerMessage interface {
	Message
	isServerMessage()
}

type clientOrigin struct{}

func (clientOrigin) Origin() Origin    { return OriginClient }
func (clientOrigin) isClientMessage() {}

type serverOrigin struct{}

func (serverOrigin) Origin() Origin    { return OriginServer }
func (serverOrigin) isServerMessage() {}

// --------------------------------------------------------------------------
// Shared payload types
// --------------------------------------------------------------------------

// ChatChannel is the audience of a chat message
type ChatChannel uint8

const (
	ChatLocal ChatChannel = iota
	ChatWhisper
	ChatParty
	ChatGuild
	ChatGlobal
)

func (c ChatChannel) String() string {
	switch c {
	case ChatLocal:
		return "Local"
	case ChatWhisper:
		return "Whisper"
	case ChatParty:
		return "Party"
	case ChatGuild:
		return "Guild"
	case ChatGlobal:
		return "Global"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// ChatPayload is shared by client and server chat messages
type ChatPayload struct {
	Channel ChatChannel `json:"channel"`
	Target  *string     `json:"target,omitempty"`
	Text    string      `json:"text"`
}

func (p ChatPayload) encode(w *postcard.Writer) {
	w.Variant(uint32(p.Channel))
	w.OptionString(p.Target)
	w.Str(p.Text)
}

func decodeChatPayload(r *postcard.Reader) (ChatPayload, error) {
	var p ChatPayload
	ch, err := r.Variant()
	if err != nil {
		return p, err
	}
	if ch > uint32(ChatGlobal) {
		return p, fmt.Errorf("unknown chat channel %d", ch)
	}
	p.Channel = ChatChannel(ch)
	if p.Target, err = r.OptionString(); err != nil {
		return p, err
	}
	p.Text, err = r.Str()
	return p, err
}

// CharacterSummary is the public view of a character at selection time
type CharacterSummary struct {
	CharacterID uint64 `json:"character_id"`
	Name        string `json:"name"`
	ClassID     uint8  `json:"class_id"`
	Level       uint16 `json:"level"`
}

// EntityDelta describes one entity in a state delta
type EntityDelta struct {
	EntityID   uint32 `json:"entity_id"`
	X          uint16 `json:"x"`
	Y          uint16 `json:"y"`
	HP         uint16 `json:"hp"`
	StateFlags uint16 `json:"state_flags"`
}

// ServerErrorKind classifies error replies
type ServerErrorKind uint8

const (
	ErrKindInvalidSession ServerErrorKind = iota
	ErrKindCharacterNotFound
	ErrKindRouteUnavailable
	ErrKindRateLimited
	ErrKindInvalidAction
	ErrKindInternal
)

func (k ServerErrorKind) String() string {
	switch k {
	case ErrKindInvalidSession:
		return "InvalidSession"
	case ErrKindCharacterNotFound:
		return "CharacterNotFound"
	case ErrKindRouteUnavailable:
		return "RouteUnavailable"
	case ErrKindRateLimited:
		return "RateLimited"
	case ErrKindInvalidAction:
		return "InvalidAction"
	case ErrKindInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// --------------------------------------------------------------------------
// Client messages (variant order is part of the wire format)
// --------------------------------------------------------------------------

const (
	clientHello uint32 = iota
	clientKeepAlive
	clientSelectCharacter
	clientMove
	clientUseSkill
	clientChat
	clientMapTransferAck
	clientLogout
)

// Hello is the first message of a session
type Hello struct {
	clientOrigin
	AccountID   uint64
	AuthToken   string
	ClientBuild string
	Locale      string
}

// KeepAlive is the client heartbeat
type KeepAlive struct {
	clientOrigin
	ClientTimeMs uint64
}

// SelectCharacter asks the server to route a character into a map
type SelectCharacter struct {
	clientOrigin
	CharacterID uint64
}

// Move is a movement input
type Move struct {
	clientOrigin
	ClientTick uint32
	X          uint16
	Y          uint16
	Direction  uint8
	Path       [8]uint8
}

// UseSkill is a skill usage request
type UseSkill struct {
	clientOrigin
	ClientTick     uint32
	SkillID        uint16
	TargetEntityID *uint32
	TargetX        uint16
	TargetY        uint16
}

// ClientChat is a chat message sent by a player
type ClientChat struct {
	clientOrigin
	ChatPayload
}

// MapTransferAck confirms a MapTransfer directive
type MapTransferAck struct {
	clientOrigin
	TransferID uint64
	RouteToken string
}

// Logout ends the session
type Logout struct {
	clientOrigin
}

func (Hello) PreferredChannel() Channel           { return ChannelControl }
func (KeepAlive) PreferredChannel() Channel       { return ChannelControl }
func (SelectCharacter) PreferredChannel() Channel { return ChannelControl }
func (Move) PreferredChannel() Channel            { return ChannelGameplayInput }
func (UseSkill) PreferredChannel() Channel        { return ChannelGameplayEvent }
func (ClientChat) PreferredChannel() Channel      { return ChannelChat }
func (MapTransferAck) PreferredChannel() Channel  { return ChannelControl }
func (Logout) PreferredChannel() Channel          { return ChannelControl }

func (Hello) variant() uint32           { return clientHello }
func (KeepAlive) variant() uint32       { return clientKeepAlive }
func (SelectCharacter) variant() uint32 { return clientSelectCharacter }
func (Move) variant() uint32            { return clientMove }
func (UseSkill) variant() uint32        { return clientUseSkill }
func (ClientChat) variant() uint32      { return clientChat }
func (MapTransferAck) variant() uint32  { return clientMapTransferAck }
func (Logout) variant() uint32          { return clientLogout }

func (m Hello) encode(w *postcard.Writer) {
	w.U64(m.AccountID)
	w.Str(m.AuthToken)
	w.Str(m.ClientBuild)
	w.Str(m.Locale)
}

func (m KeepAlive) encode(w *postcard.Writer)       { w.U64(m.ClientTimeMs) }
func (m SelectCharacter) encode(w *postcard.Writer) { w.U64(m.CharacterID) }

func (m Move) encode(w *postcard.Writer) {
	w.U32(m.ClientTick)
	w.U16(m.X)
	w.U16(m.Y)
	w.U8(m.Direction)
	w.Fixed(m.Path[:])
}

func (m UseSkill) encode(w *postcard.Writer) {
	w.U32(m.ClientTick)
	w.U16(m.SkillID)
	w.OptionU32(m.TargetEntityID)
	w.U16(m.TargetX)
	w.U16(m.TargetY)
}

func (m ClientChat) encode(w *postcard.Writer) { m.ChatPayload.encode(w) }

func (m MapTransferAck) encode(w *postcard.Writer) {
	w.U64(m.TransferID)
	w.Str(m.RouteToken)
}

func (Logout) encode(*postcard.Writer) {}

func decodeClientMessage(r *postcard.Reader) (ClientMessage, error) {
	idx, err := r.Variant()
	if err != nil {
		return nil, err
	}

	switch idx {
	case clientHello:
		var m Hello
		if m.AccountID, err = r.U64(); err != nil {
			return nil, err
		}
		if m.AuthToken, err = r.Str(); err != nil {
			return nil, err
		}
		if m.ClientBuild, err = r.Str(); err != nil {
			return nil, err
		}
		if m.Locale, err = r.Str(); err != nil {
			return nil, err
		}
		return m, nil
	case clientKeepAlive:
		var m KeepAlive
		m.ClientTimeMs, err = r.U64()
		return m, err
	case clientSelectCharacter:
		var m SelectCharacter
		m.CharacterID, err = r.U64()
		return m, err
	case clientMove:
		var m Move
		if m.ClientTick, err = r.U32(); err != nil {
			return nil, err
		}
		if m.X, err = r.U16(); err != nil {
			return nil, err
		}
		if m.Y, err = r.U16(); err != nil {
			return nil, err
		}
		if m.Direction, err = r.U8(); err != nil {
			return nil, err
		}
		if err = r.Fixed(m.Path[:]); err != nil {
			return nil, err
		}
		return m, nil
	case clientUseSkill:
		var m UseSkill
		if m.ClientTick, err = r.U32(); err != nil {
			return nil, err
		}
		if m.SkillID, err = r.U16(); err != nil {
			return nil, err
		}
		if m.TargetEntityID, err = r.OptionU32(); err != nil {
			return nil, err
		}
		if m.TargetX, err = r.U16(); err != nil {
			return nil, err
		}
		if m.TargetY, err = r.U16(); err != nil {
			return nil, err
		}
		return m, nil
	case clientChat:
		p, err := decodeChatPayload(r)
		if err != nil {
			return nil, err
		}
		return ClientChat{ChatPayload: p}, nil
	case clientMapTransferAck:
		var m MapTransferAck
		if m.TransferID, err = r.U64(); err != nil {
			return nil, err
		}
		if m.RouteToken, err = r.Str(); err != nil {
			return nil, err
		}
		return m, nil
	case clientLogout:
		return Logout{}, nil
	default:
		return nil, fmt.Errorf("unknown client message variant %d", idx)
	}
}

// --------------------------------------------------------------------------
// Server messages (variant order is part of the wire format)
// --------------------------------------------------------------------------

const (
	serverHelloAck uint32 = iota
	serverCharacterList
	serverEnterMap
	serverStateDelta
	serverChat
	serverMapTransfer
	serverPong
	serverError
)

// HelloAck accepts a session
type HelloAck struct {
	serverOrigin
	SessionID           uint64
	HeartbeatIntervalMs uint32
	Motd                string
	Characters          []CharacterSummary
}

// CharacterList lists the characters of an account
type CharacterList struct {
	serverOrigin
	Entries []CharacterSummary
}

// EnterMap places the client's character into a map
type EnterMap struct {
	serverOrigin
	EntityID uint32
	MapID    uint16
	X        uint16
	Y        uint16
}

// StateDelta carries entity updates for one server tick
type StateDelta struct {
	serverOrigin
	ServerTick uint32
	Entities   []EntityDelta
}

// ServerChat is a chat message delivered to a player
type ServerChat struct {
	serverOrigin
	ChatPayload
}

// MapTransfer directs the client to a map shard
type MapTransfer struct {
	serverOrigin
	TransferID  uint64
	Route       RouteKey
	Host        string
	Port        uint16
	RouteToken  string
	ExpiresAtMs uint64
}

// Pong answers a KeepAlive
type Pong struct {
	serverOrigin
	ServerTimeMs uint64
}

// ServerError is a typed error reply
type ServerError struct {
	serverOrigin
	Kind    ServerErrorKind
	Message string
}

func (HelloAck) PreferredChannel() Channel      { return ChannelControl }
func (CharacterList) PreferredChannel() Channel { return ChannelControl }
func (EnterMap) PreferredChannel() Channel      { return ChannelGameplayEvent }
func (StateDelta) PreferredChannel() Channel    { return ChannelGameplayInput }
func (ServerChat) PreferredChannel() Channel    { return ChannelChat }
func (MapTransfer) PreferredChannel() Channel   { return ChannelControl }
func (Pong) PreferredChannel() Channel          { return ChannelControl }
func (ServerError) PreferredChannel() Channel   { return ChannelControl }

func (HelloAck) variant() uint32      { return serverHelloAck }
func (CharacterList) variant() uint32 { return serverCharacterList }
func (EnterMap) variant() uint32      { return serverEnterMap }
func (StateDelta) variant() uint32    { return serverStateDelta }
func (ServerChat) variant() uint32    { return serverChat }
func (MapTransfer) variant() uint32   { return serverMapTransfer }
func (Pong) variant() uint32          { return serverPong }
func (ServerError) variant() uint32   { return serverError }

func encodeCharacters(w *postcard.Writer, chars []CharacterSummary) {
	w.SeqLen(len(chars))
	for _, c := range chars {
		w.U64(c.CharacterID)
		w.Str(c.Name)
		w.U8(c.ClassID)
		w.U16(c.Level)
	}
}

func decodeCharacters(r *postcard.Reader) ([]CharacterSummary, error) {
	// character_id + name len + class_id + level
	n, err := r.SeqLen(4)
	if err != nil || n == 0 {
		return nil, err
	}
	out := make([]CharacterSummary, n)
	for i := range out {
		c := &out[i]
		if c.CharacterID, err = r.U64(); err != nil {
			return nil, err
		}
		if c.Name, err = r.Str(); err != nil {
			return nil, err
		}
		if c.ClassID, err = r.U8(); err != nil {
			return nil, err
		}
		if c.Level, err = r.U16(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m HelloAck) encode(w *postcard.Writer) {
	w.U64(m.SessionID)
	w.U32(m.HeartbeatIntervalMs)
	w.Str(m.Motd)
	encodeCharacters(w, m.Characters)
}

func (m CharacterList) encode(w *postcard.Writer) { encodeCharacters(w, m.Entries) }

func (m EnterMap) encode(w *postcard.Writer) {
	w.U32(m.EntityID)
	w.U16(m.MapID)
	w.U16(m.X)
	w.U16(m.Y)
}

func (m StateDelta) encode(w *postcard.Writer) {
	w.U32(m.ServerTick)
	w.SeqLen(len(m.Entities))
	for _, e := range m.Entities {
		w.U32(e.EntityID)
		w.U16(e.X)
		w.U16(e.Y)
		w.U16(e.HP)
		w.U16(e.StateFlags)
	}
}

func (m ServerChat) encode(w *postcard.Writer) { m.ChatPayload.encode(w) }

func (m MapTransfer) encode(w *postcard.Writer) {
	w.U64(m.TransferID)
	m.Route.EncodeTo(w)
	w.Str(m.Host)
	w.U16(m.Port)
	w.Str(m.RouteToken)
	w.U64(m.ExpiresAtMs)
}

func (m Pong) encode(w *postcard.Writer) { w.U64(m.ServerTimeMs) }

func (m ServerError) encode(w *postcard.Writer) {
	w.Variant(uint32(m.Kind))
	w.Str(m.Message)
}

func decodeServerMessage(r *postcard.Reader) (ServerMessage, error) {
	idx, err := r.Variant()
	if err != nil {
		return nil, err
	}

	switch idx {
	case serverHelloAck:
		var m HelloAck
		if m.SessionID, err = r.U64(); err != nil {
			return nil, err
		}
		if m.HeartbeatIntervalMs, err = r.U32(); err != nil {
			return nil, err
		}
		if m.Motd, err = r.Str(); err != nil {
			return nil, err
		}
		if m.Characters, err = decodeCharacters(r); err != nil {
			return nil, err
		}
		return m, nil
	case serverCharacterList:
		var m CharacterList
		if m.Entries, err = decodeCharacters(r); err != nil {
			return nil, err
		}
		return m, nil
	case serverEnterMap:
		var m EnterMap
		if m.EntityID, err = r.U32(); err != nil {
			return nil, err
		}
		if m.MapID, err = r.U16(); err != nil {
			return nil, err
		}
		if m.X, err = r.U16(); err != nil {
			return nil, err
		}
		if m.Y, err = r.U16(); err != nil {
			return nil, err
		}
		return m, nil
	case serverStateDelta:
		var m StateDelta
		if m.ServerTick, err = r.U32(); err != nil {
			return nil, err
		}
		// five varints of at least one byte each
		n, err := r.SeqLen(5)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			m.Entities = make([]EntityDelta, n)
		}
		for i := range m.Entities {
			e := &m.Entities[i]
			if e.EntityID, err = r.U32(); err != nil {
				return nil, err
			}
			if e.X, err = r.U16(); err != nil {
				return nil, err
			}
			if e.Y, err = r.U16(); err != nil {
				return nil, err
			}
			if e.HP, err = r.U16(); err != nil {
				return nil, err
			}
			if e.StateFlags, err = r.U16(); err != nil {
				return nil, err
			}
		}
		return m, nil
	case serverChat:
		p, err := decodeChatPayload(r)
		if err != nil {
			return nil, err
		}
		return ServerChat{ChatPayload: p}, nil
	case serverMapTransfer:
		var m MapTransfer
		if m.TransferID, err = r.U64(); err != nil {
			return nil, err
		}
		if m.Route, err = DecodeRouteKey(r); err != nil {
			return nil, err
		}
		if m.Host, err = r.Str(); err != nil {
			return nil, err
		}
		if m.Port, err = r.U16(); err != nil {
			return nil, err
		}
		if m.RouteToken, err = r.Str(); err != nil {
			return nil, err
		}
		if m.ExpiresAtMs, err = r.U64(); err != nil {
			return nil, err
		}
		return m, nil
	case serverPong:
		var m Pong
		m.ServerTimeMs, err = r.U64()
		return m, err
	case serverError:
		var m ServerError
		kind, err := r.Variant()
		if err != nil {
			return nil, err
		}
		if kind > uint32(ErrKindInternal) {
			return nil, fmt.Errorf("unknown error kind %d", kind)
		}
		m.Kind = ServerErrorKind(kind)
		if m.Message, err = r.Str(); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown server message variant %d", idx)
	}
}
