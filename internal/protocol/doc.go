// Package protocol implements the appliance controller's serial wire
// protocol: framing, integrity validation and frame construction.
//
// # Wire format
//
// Frames are length-prefixed and delimited by a two-byte sync marker:
//
//	[0-1]   0xFF 0xFF      Sync marker
//	[2]     LENGTH         Bytes following the length byte
//	[3]     FLAGS          0x40 = long integrity trailer present
//	[4-8]   TOKEN          5-byte correlation token
//	[9]     COMMAND        Operation identifier
//	[10+]   PAYLOAD        LENGTH-10 opaque bytes (LENGTH-8 without CRC)
//	[N]     CHECKSUM       LSB of sum over FLAGS..PAYLOAD
//	[N+1-2] CRC16          Big-endian, over the same span (long trailer)
//
// Total frame size is always LENGTH+3: the sync marker and the length
// byte are not counted by LENGTH.
//
// # Framing
//
// Decoder.Feed turns an unreliable byte stream into discrete frames,
// discarding noise before the sync marker and holding partial frames
// across calls. The decoder judges structure only; integrity is the
// validator's job.
//
// # Integrity
//
// The protocol's CRC was recovered empirically. SelectAlgorithm scores
// a table of named CRC16 parameter sets against frames with known-good
// trailers and adopts the best match (CRC-16/ARC in practice), keeping
// a learned span-to-trailer lookup as a fallback for frames the adopted
// algorithm cannot reproduce. Validate returns a tri-state verdict so
// that suspect frames can be surfaced instead of silently dropped.
//
// # Thread safety
//
// Parsing, construction and validation are stateless and safe for
// concurrent use. A Decoder instance belongs to a single delivery
// context. Token generation and the algorithm selection cache use
// atomic/once semantics.
package protocol
