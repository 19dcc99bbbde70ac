// Package directory implements the world routing table.
//
// The directory maps (world, entry, map) to live map instances and their player
// counts. It picks the least loaded entry point and map instance for a new
// session and lets the caller claim a new instance when every instance of a map
// is at its soft cap. It never simulates anything; map actors report their
// occupancy back through IncrementRoutePlayers and DecrementRoutePlayers.
//
// Thread Safety:
//
//	The static topology is immutable after NewDirectory. The live occupancy is an
//	xsync.MapOf, so concurrent increments, decrements and claims from many map
//	actors need no external lock. RegisterInstanceRoute succeeds for exactly one
//	caller per route.
package directory
