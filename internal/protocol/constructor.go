package protocol

import (
	"time"
)

// Frame constructor library for the controller side of the link. Each
// builder returns an encoded frame ready to hand to the transport.

// NewRequest builds a request frame with a fresh correlation token and
// the full integrity trailer.
func NewRequest(command byte, payload []byte) (*Frame, error) {
	f := &Frame{
		Flags:   FlagHasCRC,
		Token:   NextToken(),
		Command: command,
		Payload: payload,
	}
	if _, err := f.Encode(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewReply builds a reply frame reusing the token of the frame it
// answers, so the device can correlate it.
func NewReply(to *Frame, command byte, payload []byte) (*Frame, error) {
	f := &Frame{
		Flags:   FlagHasCRC,
		Token:   to.Token,
		Command: command,
		Payload: payload,
	}
	if _, err := f.Encode(); err != nil {
		return nil, err
	}
	return f, nil
}

// BuildSessionStart builds the session announce sent when the link
// comes up.
func BuildSessionStart() (*Frame, error) {
	return NewRequest(CmdSessionStart, nil)
}

// BuildControllerReady signals that the controller side is ready to
// drive the initialization sequence.
func BuildControllerReady() (*Frame, error) {
	return NewRequest(CmdControllerReady, nil)
}

// BuildHandshake builds the handshake initiation. The three payload
// bytes are constant across all observed captures.
func BuildHandshake() (*Frame, error) {
	return NewRequest(CmdHandshake, []byte{0x01, 0x4D, 0x01})
}

// BuildIdentityRequest asks the device for its identity block
// (firmware, model, serial).
func BuildIdentityRequest() (*Frame, error) {
	return NewRequest(CmdDeviceInfo, nil)
}

// BuildStatusQuery asks the device for a status report.
func BuildStatusQuery() (*Frame, error) {
	return NewRequest(CmdStatusQuery, []byte{0x00, 0x00})
}

// BuildAuthResponse wraps a responder's output in an authentication
// reply carrying the challenge frame's token.
func BuildAuthResponse(challenge *Frame, response []byte) (*Frame, error) {
	return NewReply(challenge, CmdAuthResponse, response)
}

// BuildTimeSync encodes the local wall clock for the device:
// century-less year, month, day, hour, minute, second.
func BuildTimeSync(t time.Time) (*Frame, error) {
	payload := []byte{
		byte(t.Year() % 100),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	}
	return NewRequest(CmdTimeSync, payload)
}

// IsPowerRequest reports whether an inbound frame matches the device's
// unsolicited power request signature: a status-query command with the
// long trailer flag and an all-zero token.
func IsPowerRequest(f *Frame) bool {
	return f.Command == CmdStatusQuery && f.HasCRC() && f.Token == (Token{})
}
