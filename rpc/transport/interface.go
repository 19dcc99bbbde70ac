package transport

import (
	"context"
	"time"

	"github.com/ValentinKolb/mucore/lib/hub"
	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// PacketHandler is the runtime behind a gateway. It is implemented by core.Orchestrator.
type PacketHandler interface {
	// Protocol returns the runtime used to decode and encode frames
	Protocol() *protocol.Runtime
	// Hub returns the chat hub the gateway subscribes connections to
	Hub() *hub.Hub
	// HandleDatagram decodes and handles one datagram frame
	HandleDatagram(ctx context.Context, data []byte, nowMs uint64) (*protocol.WirePacket, error)
	// HandleStreamBytes handles every complete stream frame in buf and returns
	// the replies and the number of bytes consumed
	HandleStreamBytes(ctx context.Context, buf []byte, nowMs uint64) ([]protocol.WirePacket, int, error)
	// HandleClientPacket handles an already decoded packet
	HandleClientPacket(ctx context.Context, packet protocol.WirePacket, nowMs uint64) (*protocol.WirePacket, error)
	// SessionRoute returns the map a session is currently in
	SessionRoute(sessionID uint64) (protocol.RouteKey, bool)
}

// IGatewayTransport is the interface of a client facing gateway
type IGatewayTransport interface {
	// RegisterHandler registers the runtime that handles decoded frames.
	// It must be called before Listen.
	RegisterHandler(handler PacketHandler)
	// Listen opens the gateway endpoint taken from the config and serves
	// clients until ctx is cancelled
	Listen(ctx context.Context, config common.ServerConfig) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IGatewayClientTransport is the interface of a client connection to a gateway
type IGatewayClientTransport interface {
	// Connect dials the gateway given in the configuration
	Connect(config common.ClientConfig) error
	// Send encodes packet on its preferred channel and sends it with the
	// matching transport (stream or datagram)
	Send(packet protocol.WirePacket) error
	// Receive waits up to timeout for the next server packet from either transport
	Receive(timeout time.Duration) (protocol.WirePacket, error)
	// Close closes all connections
	Close() error
}
