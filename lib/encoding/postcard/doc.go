// Package postcard implements the compact binary layout used on the wire.
//
// The layout follows the postcard format: unsigned integers wider than one byte
// are LEB128 varints, u8 is a raw byte, bool and option tags are a single 0/1
// byte, strings and sequences carry a varint length prefix, fixed size arrays
// are written raw and enum variants are encoded as a varint discriminant.
//
// Writer and Reader are not safe for concurrent use.
package postcard
