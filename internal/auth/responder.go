// Package auth defines the authentication responder contract the
// session state machine delegates to, plus the responder strategies
// distilled from the rolling-code analysis work. The core does not know
// or care how a response is derived; any concrete algorithm is an
// interchangeable implementation of Responder.
package auth

import (
	"crypto/aes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/chmike/cmac-go"
)

// ResponseSize is the width of every response observed in captures.
const ResponseSize = 8

// ErrUnknownChallenge is returned by the replay responder when the
// challenge was never captured.
var ErrUnknownChallenge = errors.New("challenge not present in capture corpus")

// Context carries the session state a responder may fold into its
// response.
type Context struct {
	Timestamp time.Time
	Sequence  uint32

	// Device identity, populated once the identity exchange completed.
	Model    string
	Serial   string
	Firmware string
}

// Responder produces the reply to a device-issued rolling-code
// challenge. Implementations must be safe for concurrent use.
type Responder interface {
	Respond(challenge []byte, ctx Context) ([]byte, error)
}

// CMACResponder derives the response as an AES-CMAC over the challenge,
// the request sequence and the device serial. This is the strongest
// standing hypothesis for the device's transformation; swap it out the
// moment a capture disproves it.
type CMACResponder struct {
	key []byte
}

// NewCMACResponder creates a responder keyed with a 16-byte AES key.
func NewCMACResponder(key []byte) (*CMACResponder, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("CMAC responder needs a 16-byte key, got %d", len(key))
	}
	// Validate the key up front so Respond can't fail on key size.
	if _, err := cmac.New(aes.NewCipher, key); err != nil {
		return nil, fmt.Errorf("initializing AES-CMAC: %w", err)
	}
	return &CMACResponder{key: append([]byte(nil), key...)}, nil
}

// Respond computes AES-CMAC(challenge || sequence || serial) truncated
// to the protocol's response width.
func (r *CMACResponder) Respond(challenge []byte, ctx Context) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, errors.New("empty challenge")
	}

	h, err := cmac.New(aes.NewCipher, r.key)
	if err != nil {
		return nil, fmt.Errorf("initializing AES-CMAC: %w", err)
	}

	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], ctx.Sequence)

	h.Write(challenge)
	h.Write(seq[:])
	h.Write([]byte(ctx.Serial))

	return h.Sum(nil)[:ResponseSize], nil
}

// ReplayResponder answers from a learned challenge-to-response table.
// The capture corpus contained repeated challenges with repeated
// responses, so replay is a viable bootstrap while the real
// transformation stays unknown.
type ReplayResponder struct {
	table map[string][]byte
}

// NewReplayResponder builds a responder from captured pairs, keyed by
// challenge bytes.
func NewReplayResponder(pairs map[string]string) (*ReplayResponder, error) {
	table := make(map[string][]byte, len(pairs))
	for ch, resp := range pairs {
		challenge, err := hex.DecodeString(ch)
		if err != nil {
			return nil, fmt.Errorf("challenge %q is not hex: %w", ch, err)
		}
		response, err := hex.DecodeString(resp)
		if err != nil {
			return nil, fmt.Errorf("response %q is not hex: %w", resp, err)
		}
		table[string(challenge)] = response
	}
	return &ReplayResponder{table: table}, nil
}

// Respond looks the challenge up verbatim.
func (r *ReplayResponder) Respond(challenge []byte, _ Context) ([]byte, error) {
	resp, ok := r.table[string(challenge)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChallenge, hex.EncodeToString(challenge))
	}
	return append([]byte(nil), resp...), nil
}

// StaticResponder returns fixed bytes regardless of the challenge.
// Useful in tests and for bench captures against a simulator.
type StaticResponder struct {
	Response []byte
	Err      error
}

// Respond returns the configured response or error.
func (r *StaticResponder) Respond(_ []byte, _ Context) ([]byte, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return append([]byte(nil), r.Response...), nil
}
