package protocol

import (
	"bytes"
	"testing"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
		verify  func(t *testing.T, f *Frame)
	}{
		{
			name: "minimal short-trailer frame",
			data: []byte{
				0xFF, 0xFF, // sync
				0x08,                         // length
				0x00,                         // flags (no CRC)
				0x00, 0x00, 0x00, 0x00, 0x01, // token
				0x4D, // command
				0x4E, // checksum
			},
			wantErr: false,
			verify: func(t *testing.T, f *Frame) {
				if f.HasCRC() {
					t.Error("HasCRC should be false")
				}
				if f.Command != CmdAck {
					t.Errorf("command = 0x%02x, want 0x%02x", f.Command, CmdAck)
				}
				if len(f.Payload) != 0 {
					t.Errorf("payload length = %d, want 0", len(f.Payload))
				}
				if f.Checksum != 0x4E {
					t.Errorf("checksum = 0x%02x, want 0x4E", f.Checksum)
				}
				if f.Token.Sequence() != 1 {
					t.Errorf("sequence = %d, want 1", f.Token.Sequence())
				}
			},
		},
		{
			name: "long-trailer frame with payload",
			data: []byte{
				0xFF, 0xFF,
				0x0C,                         // length: flags+token+cmd+payload(2)+checksum+crc(2)
				0x40,                         // flags: CRC trailer
				0x00, 0x00, 0x00, 0x00, 0x02, // token
				0xF3,       // command
				0x00, 0x00, // payload
				0x35,       // checksum (LSB of 0x40+0x02+0xF3)
				0x12, 0x34, // crc (big-endian, not validated here)
			},
			wantErr: false,
			verify: func(t *testing.T, f *Frame) {
				if !f.HasCRC() {
					t.Error("HasCRC should be true")
				}
				if !bytes.Equal(f.Payload, []byte{0x00, 0x00}) {
					t.Errorf("payload = %v, want [0 0]", f.Payload)
				}
				if f.CRC != 0x1234 {
					t.Errorf("crc = 0x%04x, want 0x1234", f.CRC)
				}
				if f.TotalSize() != 15 {
					t.Errorf("total size = %d, want 15", f.TotalSize())
				}
			},
		},
		{
			name: "bad sync marker",
			data: []byte{
				0xFE, 0xFF, 0x08, 0x00,
				0x00, 0x00, 0x00, 0x00, 0x01,
				0x4D, 0x4E,
			},
			wantErr: true,
		},
		{
			name: "length disagrees with slice",
			data: []byte{
				0xFF, 0xFF, 0x09, 0x00,
				0x00, 0x00, 0x00, 0x00, 0x01,
				0x4D, 0x4E,
			},
			wantErr: true,
		},
		{
			name: "CRC flag but length too small for trailer",
			data: []byte{
				0xFF, 0xFF, 0x08, 0x40,
				0x00, 0x00, 0x00, 0x00, 0x01,
				0x4D, 0x4E,
			},
			wantErr: true,
		},
		{
			name:    "truncated input",
			data:    []byte{0xFF, 0xFF, 0x08, 0x00},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.verify != nil {
				tt.verify(t, f)
			}
		})
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	f := &Frame{
		Flags:   FlagHasCRC,
		Token:   TokenFromSequence(7),
		Command: CmdStatusQuery,
		Payload: []byte{0x00, 0x01, 0x02},
	}
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	parsed, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	if parsed.Command != f.Command {
		t.Errorf("command = 0x%02x, want 0x%02x", parsed.Command, f.Command)
	}
	if parsed.Token != f.Token {
		t.Errorf("token = %v, want %v", parsed.Token, f.Token)
	}
	if !bytes.Equal(parsed.Payload, f.Payload) {
		t.Errorf("payload = %v, want %v", parsed.Payload, f.Payload)
	}
	if parsed.Checksum != f.Checksum || parsed.CRC != f.CRC {
		t.Errorf("trailer = (0x%02x, 0x%04x), want (0x%02x, 0x%04x)",
			parsed.Checksum, parsed.CRC, f.Checksum, f.CRC)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	f := &Frame{
		Flags:   FlagHasCRC,
		Token:   TokenFromSequence(1),
		Command: CmdStatusQuery,
		Payload: make([]byte, MaxPayloadSize+1),
	}
	if _, err := f.Encode(); err == nil {
		t.Fatal("Encode() should reject payload above MaxPayloadSize")
	}
}

func TestNextTokenNeverZero(t *testing.T) {
	seen := make(map[Token]bool)
	for i := 0; i < 1000; i++ {
		tok := NextToken()
		if tok == (Token{}) {
			t.Fatal("NextToken() returned the all-zero token")
		}
		if seen[tok] {
			t.Fatalf("NextToken() repeated token %v", tok)
		}
		seen[tok] = true
	}
}

func TestIsPowerRequest(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  bool
	}{
		{
			name:  "status query with CRC flag and zero token",
			frame: Frame{Flags: FlagHasCRC, Command: CmdStatusQuery},
			want:  true,
		},
		{
			name:  "nonzero token",
			frame: Frame{Flags: FlagHasCRC, Token: TokenFromSequence(3), Command: CmdStatusQuery},
			want:  false,
		},
		{
			name:  "short trailer",
			frame: Frame{Command: CmdStatusQuery},
			want:  false,
		},
		{
			name:  "different command",
			frame: Frame{Flags: FlagHasCRC, Command: CmdNetworkQuery},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPowerRequest(&tt.frame); got != tt.want {
				t.Errorf("IsPowerRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}
