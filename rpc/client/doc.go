// Package client implements a game client for the muCore gateways. It is used
// by the sim command to drive sessions against a running server and by tests.
//
// A GameClient owns one transport connection and one session. Every request
// is sent with a new sequence number and the reply is the first packet whose
// ack matches it. Packets without a matching ack (chat of other players,
// deltas pushed by the map) are buffered and returned by Pushed.
//
// Usage Example:
//
//	config := common.ClientConfig{Endpoint: "localhost:6000", TimeoutSecond: 5, RetryCount: 3, SessionID: 42}
//	c, err := client.NewGameClient(config, tcp.NewGatewayClientTransport(protocol.DefaultWireCodec()))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	ack, _ := c.Hello(accountID, token)
//	transfer, _ := c.SelectCharacter(ack.Characters[0].CharacterID)
//	enter, _ := c.AckTransfer(transfer)
//	delta, _ := c.Move(1, enter.X+1, enter.Y)
//
// Round trip times of all answered requests are collected in a LatencyHistogram.
//
// A GameClient is not safe for concurrent use.
package client
