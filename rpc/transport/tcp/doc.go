// Package tcp implements the TCP/UDP gateway of muCore. Stream frames are read
// from TCP connections, datagram frames from a UDP socket bound to the same
// host and port. It provides the TCP specific connectors for the base package.
//
// Key Components:
//
//   - Gateway: Implements transport.IGatewayTransport. Every TCP connection is
//     run by a base.Peer. Every UDP packet is one datagram frame; its reply goes
//     back by UDP when the reply channel is a datagram channel, otherwise to the
//     TCP connection bound to the session.
//
//   - clientConnector: TCP/UDP implementation of base.IClientConnector
//
//   - serverConnector: TCP implementation of base.IServerConnector. Accepted
//     connections have Nagle's algorithm disabled and keep-alive enabled.
//
// Silent connections are closed after six heartbeat intervals.
package tcp
