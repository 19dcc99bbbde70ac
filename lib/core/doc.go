// Package core implements the orchestrator that moves sessions between the
// lobby and map instances.
//
// A session goes through these states:
//
//	Lobby --SelectCharacter--> TransferPending --MapTransferAck--> InShard --Logout--> Lobby
//
// Hello authenticates a session with a signed session token; every message
// other than Hello and KeepAlive requires an authenticated session.
// SelectCharacter picks the least loaded entry point and map instance from the
// directory, spawning a new instance when all are full, and answers with a
// MapTransfer carrying a signed route token. The matching MapTransferAck joins
// the character into the map server and answers EnterMap. Gameplay commands are
// forwarded to the map server of the session's recorded route; the route field
// of the packet is never trusted.
//
// Pending transfers expire after the transfer TTL and are removed by a
// background sweeper.
package core
