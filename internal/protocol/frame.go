package protocol

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Wire format constants
const (
	SyncByte = 0xFF // Frames start with 0xFF 0xFF

	// TokenSize is the width of the correlation token field. Captured
	// frames place the command byte at offset 9, which fixes five bytes
	// between FLAGS and COMMAND. The transmit side writes a 32-bit
	// sequence counter big-endian into the low four bytes.
	TokenSize = 5

	// HeaderOverhead is sync marker (2) plus the length byte itself,
	// none of which are counted by the LENGTH field.
	HeaderOverhead = 3

	// MinLength is the smallest legal LENGTH value:
	// flags(1) + token(5) + command(1) + checksum(1).
	MinLength = 8

	// MinLengthCRC is the smallest legal LENGTH for frames carrying the
	// full checksum + CRC16 trailer.
	MinLengthCRC = 10

	// FlagHasCRC marks frames whose trailer is checksum(1) + CRC16(2,
	// big-endian). When clear the trailer is the single checksum byte.
	FlagHasCRC = 0x40

	// MaxPayloadSize caps outgoing payloads so LENGTH fits in one byte.
	MaxPayloadSize = 0xFF - MinLengthCRC

	// AuthHeaderSize is the 4-byte header sub-field every observed
	// challenge and response payload share; the response echoes the
	// challenge's header verbatim.
	AuthHeaderSize = 4
)

// Command identifiers observed in live captures of the initialization
// and control sequences.
const (
	CmdAuthResponse    = 0x11 // Controller reply to a rolling-code challenge
	CmdAuthChallenge   = 0x12 // Device-issued rolling-code challenge
	CmdAck             = 0x4D // Generic command acknowledgement
	CmdProgramStart    = 0x60 // Program/cycle start command
	CmdSessionStart    = 0x61 // Session announce at link establishment
	CmdDeviceInfo      = 0x62 // Identity exchange (firmware/model/serial)
	CmdStatusReport    = 0x6D // Full device status report
	CmdControllerReady = 0x70 // Controller-ready signal
	CmdHandshake       = 0x71 // Handshake initiation
	CmdHandshakeAck    = 0x73 // Handshake acknowledgement
	CmdStatusQuery     = 0xF3 // Status query; also the device power request
	CmdStatusAck       = 0xF5 // Status query acknowledgement
	CmdNetworkQuery    = 0xF7 // Network/extended status query
	CmdTimeSync        = 0xF9 // Wall-clock synchronization
)

// Token is the fixed-width correlation field between FLAGS and COMMAND.
// On transmit it carries the request sequence number; on receive it is
// the matching key for pending requests.
type Token [TokenSize]byte

// Sequence returns the 32-bit counter carried in the low four bytes.
func (t Token) Sequence() uint32 {
	return binary.BigEndian.Uint32(t[1:])
}

// TokenFromSequence builds a token from a 32-bit sequence number.
func TokenFromSequence(seq uint32) Token {
	var t Token
	binary.BigEndian.PutUint32(t[1:], seq)
	return t
}

// Frame is one length-delimited protocol message.
type Frame struct {
	Length   byte   // Declared size of everything after the length byte
	Flags    byte   // FlagHasCRC selects the long trailer
	Token    Token  // Correlation token
	Command  byte   // Operation identifier
	Payload  []byte // Opaque payload bytes
	Checksum byte   // Additive checksum (LSB of sum over FLAGS..PAYLOAD)
	CRC      uint16 // CRC16 over the same span, present when FlagHasCRC
	Raw      []byte // Original frame bytes including sync marker
}

// HasCRC reports whether the frame carries the checksum + CRC16 trailer.
func (f *Frame) HasCRC() bool { return f.Flags&FlagHasCRC != 0 }

// TotalSize returns the full on-wire size including the sync marker.
func (f *Frame) TotalSize() int { return int(f.Length) + HeaderOverhead }

// IntegritySpan returns the byte span the trailer is computed over:
// FLAGS through PAYLOAD inclusive. The sync marker, the length byte and
// the trailer itself are never part of the span.
func (f *Frame) IntegritySpan() []byte {
	span := make([]byte, 0, 1+TokenSize+1+len(f.Payload))
	span = append(span, f.Flags)
	span = append(span, f.Token[:]...)
	span = append(span, f.Command)
	span = append(span, f.Payload...)
	return span
}

// ParseFrame parses one complete frame from raw bytes (sync marker
// through trailer). The codec guarantees the slice covers exactly
// LENGTH+3 bytes; ParseFrame re-checks the structural invariants.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < MinLength+HeaderOverhead {
		return nil, fmt.Errorf("frame too short: %d bytes (minimum %d)", len(data), MinLength+HeaderOverhead)
	}
	if data[0] != SyncByte || data[1] != SyncByte {
		return nil, fmt.Errorf("invalid sync marker: 0x%02x 0x%02x", data[0], data[1])
	}

	length := data[2]
	if int(length)+HeaderOverhead != len(data) {
		return nil, fmt.Errorf("length mismatch: declared %d, have %d bytes", int(length)+HeaderOverhead, len(data))
	}
	if length < MinLength {
		return nil, fmt.Errorf("declared length %d below minimum %d", length, MinLength)
	}

	f := &Frame{
		Length: length,
		Flags:  data[3],
		Raw:    data,
	}
	copy(f.Token[:], data[4:4+TokenSize])
	f.Command = data[4+TokenSize]

	trailerSize := 1
	if f.HasCRC() {
		if length < MinLengthCRC {
			return nil, fmt.Errorf("declared length %d too small for CRC trailer", length)
		}
		trailerSize = 3
	}

	payloadStart := HeaderOverhead + 1 + TokenSize + 1
	payloadEnd := len(data) - trailerSize
	f.Payload = data[payloadStart:payloadEnd]

	f.Checksum = data[payloadEnd]
	if f.HasCRC() {
		f.CRC = binary.BigEndian.Uint16(data[payloadEnd+1:])
	}

	return f, nil
}

// Encode serializes the frame, computing LENGTH and the integrity
// trailer. Payload size is validated; Flags and Token are used as set.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(f.Payload), MaxPayloadSize)
	}

	trailerSize := 1
	if f.HasCRC() {
		trailerSize = 3
	}
	length := 1 + TokenSize + 1 + len(f.Payload) + trailerSize

	buf := make([]byte, 0, length+HeaderOverhead)
	buf = append(buf, SyncByte, SyncByte, byte(length), f.Flags)
	buf = append(buf, f.Token[:]...)
	buf = append(buf, f.Command)
	buf = append(buf, f.Payload...)

	span := buf[HeaderOverhead : HeaderOverhead+1+TokenSize+1+len(f.Payload)]
	f.Length = byte(length)
	f.Checksum = ComputeChecksum(span)
	buf = append(buf, f.Checksum)
	if f.HasCRC() {
		f.CRC = ComputeCRC(span)
		buf = append(buf, byte(f.CRC>>8), byte(f.CRC))
	}

	f.Raw = buf
	return buf, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{cmd=%s(0x%02x), seq=%d, flags=0x%02x, payload=%d bytes}",
		CommandName(f.Command), f.Command, f.Token.Sequence(), f.Flags, len(f.Payload))
}

// CommandName returns a human-readable name for a command byte.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdAuthResponse:
		return "AuthResponse"
	case CmdAuthChallenge:
		return "AuthChallenge"
	case CmdAck:
		return "Ack"
	case CmdProgramStart:
		return "ProgramStart"
	case CmdSessionStart:
		return "SessionStart"
	case CmdDeviceInfo:
		return "DeviceInfo"
	case CmdStatusReport:
		return "StatusReport"
	case CmdControllerReady:
		return "ControllerReady"
	case CmdHandshake:
		return "Handshake"
	case CmdHandshakeAck:
		return "HandshakeAck"
	case CmdStatusQuery:
		return "StatusQuery"
	case CmdStatusAck:
		return "StatusAck"
	case CmdNetworkQuery:
		return "NetworkQuery"
	case CmdTimeSync:
		return "TimeSync"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", cmd)
	}
}

// Global sequence counter for outgoing tokens (thread-safe).
var sequenceCounter uint32

// NextToken generates a fresh correlation token from the process-wide
// sequence counter. Sequence zero is never handed out so that an
// all-zero token always means "unsolicited" on the wire.
func NextToken() Token {
	for {
		seq := atomic.AddUint32(&sequenceCounter, 1)
		if seq == 0 {
			continue
		}
		return TokenFromSequence(seq)
	}
}
