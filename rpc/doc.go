// Package rpc connects the muCore runtime to the network. It holds the
// gateways players talk to, the admin HTTP server and the pieces needed to
// run them.
//
// The package is organized into several subpackages:
//
//   - common: Server and client configuration and the logger setup.
//
//   - transport: Gateway interfaces with pluggable implementations
//     (TCP/UDP, WebSocket) built on a shared stream connection layer, and
//     the admin HTTP server.
//
//   - client: A game client that drives one session against a gateway.
//
//   - server: Wires the runtime, its persistence sink and the gateways
//     together and handles shutdown.
package rpc
