// Package ws implements the WebSocket gateway of muCore on top of
// gorilla/websocket. Clients send and receive binary messages; each message
// holds either a datagram frame or stream frame bytes (recognised by the "MU"
// magic). Replies and pushed chat use the frame shape of their channel.
package ws
