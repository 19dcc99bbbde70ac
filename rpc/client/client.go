package client

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/mucore/lib/auth"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/ValentinKolb/mucore/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("sim")
)

const defaultTimeout = 5 * time.Second

// ReplyError is a typed error reply of the server
type ReplyError struct {
	Kind    protocol.ServerErrorKind
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Kind, e.Message)
}

// GameClient drives one session against a gateway. It is not safe for
// concurrent use.
type GameClient struct {
	transport transport.IGatewayClientTransport
	session   uint64
	route     protocol.RouteKey
	seq       uint32
	timeout   time.Duration

	rtts   *LatencyHistogram
	pushed []protocol.WirePacket
}

// NewGameClient connects the transport and returns a client for the session
// configured in config
func NewGameClient(config common.ClientConfig, transport transport.IGatewayClientTransport) (*GameClient, error) {
	// Connect the transport
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &GameClient{
		transport: transport,
		session:   config.SessionID,
		timeout:   timeout,
		rtts:      NewLatencyHistogram(),
	}, nil
}

// --------------------------------------------------------------------------
// Session flow
// --------------------------------------------------------------------------

// Hello authenticates the session with a session token
func (c *GameClient) Hello(accountID uint64, token string) (protocol.HelloAck, error) {
	return invoke[protocol.HelloAck](c, protocol.Hello{
		AccountID:   accountID,
		AuthToken:   token,
		ClientBuild: "mucore-sim",
		Locale:      "en",
	})
}

// KeepAlive sends a heartbeat
func (c *GameClient) KeepAlive() (protocol.Pong, error) {
	return invoke[protocol.Pong](c, protocol.KeepAlive{ClientTimeMs: auth.NowMs()})
}

// SelectCharacter asks to be routed into a map
func (c *GameClient) SelectCharacter(characterID uint64) (protocol.MapTransfer, error) {
	return invoke[protocol.MapTransfer](c, protocol.SelectCharacter{CharacterID: characterID})
}

// AckTransfer confirms a transfer and enters the map
func (c *GameClient) AckTransfer(transfer protocol.MapTransfer) (protocol.EnterMap, error) {
	enter, route, err := invokeRouted[protocol.EnterMap](c, protocol.MapTransferAck{
		TransferID: transfer.TransferID,
		RouteToken: transfer.RouteToken,
	})
	if err == nil {
		c.route = route
	}
	return enter, err
}

// Move sends a movement input by datagram
func (c *GameClient) Move(tick uint32, x, y uint16) (protocol.StateDelta, error) {
	return invoke[protocol.StateDelta](c, protocol.Move{ClientTick: tick, X: x, Y: y})
}

// UseSkill uses a skill on the current position
func (c *GameClient) UseSkill(tick uint32, skillID uint16, target *uint32) error {
	// skills have no reply unless they fail
	return c.send(protocol.UseSkill{ClientTick: tick, SkillID: skillID, TargetEntityID: target})
}

// Chat says text in the local chat and waits for the echo
func (c *GameClient) Chat(text string) (protocol.ServerChat, error) {
	return invoke[protocol.ServerChat](c, protocol.ClientChat{
		ChatPayload: protocol.ChatPayload{Channel: protocol.ChatLocal, Text: text},
	})
}

// Logout ends the session. The server does not answer it.
func (c *GameClient) Logout() error {
	err := c.send(protocol.Logout{})
	c.route = protocol.Lobby
	return err
}

// Close closes the transport
func (c *GameClient) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Route returns the map the client is in
func (c *GameClient) Route() protocol.RouteKey { return c.route }

// Latency returns the round trip times of all answered requests
func (c *GameClient) Latency() *LatencyHistogram { return c.rtts }

// Pushed returns and clears the packets the server sent without being asked,
// such as chat lines of other players
func (c *GameClient) Pushed() []protocol.WirePacket {
	out := c.pushed
	c.pushed = nil
	return out
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (c *GameClient) send(msg protocol.ClientMessage) error {
	c.seq++
	return c.transport.Send(protocol.NewClientPacket(c.session, c.route, c.seq, nil, auth.NowMs(), msg))
}

func invoke[T protocol.ServerMessage](c *GameClient, msg protocol.ClientMessage) (T, error) {
	reply, _, err := invokeRouted[T](c, msg)
	return reply, err
}

// invokeRouted sends msg and waits for the packet acknowledging it. Other
// packets arriving meanwhile are kept for Pushed. An error reply is returned
// as *ReplyError, any other unexpected reply type is an error too.
func invokeRouted[T protocol.ServerMessage](c *GameClient, msg protocol.ClientMessage) (T, protocol.RouteKey, error) {
	var zero T

	start := time.Now()
	if err := c.send(msg); err != nil {
		return zero, protocol.Lobby, err
	}
	seq := c.seq

	deadline := start.Add(c.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return zero, protocol.Lobby, fmt.Errorf("no reply to %T within %s", msg, c.timeout)
		}
		p, err := c.transport.Receive(remaining)
		if err != nil {
			return zero, protocol.Lobby, err
		}
		if p.Ack == nil || *p.Ack != seq {
			Logger.Debugf("session %d: buffered %T while waiting for seq %d", c.session, p.Payload, seq)
			c.pushed = append(c.pushed, p)
			continue
		}

		c.rtts.AddSample(time.Since(start))
		if reply, ok := p.Payload.(T); ok {
			return reply, p.Route, nil
		}
		if se, ok := p.Payload.(protocol.ServerError); ok {
			return zero, p.Route, &ReplyError{Kind: se.Kind, Message: se.Message}
		}
		return zero, p.Route, fmt.Errorf("unexpected reply %T to %T", p.Payload, msg)
	}
}
