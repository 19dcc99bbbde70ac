package tcp

import (
	"net"

	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/ValentinKolb/mucore/rpc/common"
	"github.com/ValentinKolb/mucore/rpc/transport"
	"github.com/ValentinKolb/mucore/rpc/transport/base"
)

// clientConnector implements the IClientConnector interface for TCP and UDP sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(endpoint string) (net.Conn, error) {
	return net.Dial("tcp", endpoint)
}

func (c *clientConnector) ConnectDatagram(endpoint string) (net.Conn, error) {
	return net.Dial("udp", endpoint)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, _ common.ClientConfig) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(true)
	}
	return nil
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewGatewayClientTransport creates a client for the TCP/UDP gateway
func NewGatewayClientTransport(codec *protocol.WireCodec) transport.IGatewayClientTransport {
	return base.NewBaseClientTransport(&clientConnector{}, codec)
}
