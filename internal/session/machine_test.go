package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shmrymbd/haier-decoder-sub000/internal/auth"
	"github.com/shmrymbd/haier-decoder-sub000/internal/events"
	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
	"github.com/shmrymbd/haier-decoder-sub000/internal/transport"
)

var testConfig = Config{
	SettleDelay:   time.Millisecond,
	StepTimeout:   500 * time.Millisecond,
	ChallengeWait: 500 * time.Millisecond,
}

// Identity block as the device reports it: firmware, build date, flags,
// serial, model, all NUL-padded ASCII.
var testIdentityPayload = []byte{
	'E', '+', '+', '2', '.', '1', '7', 0x00,
	'2', '0', '2', '4', '1', '2', '2', '4',
	0xF1, 0x00, 0x00,
	'0', '0', '0', '0', '0', '0', '0', '1', 0x00,
	'U', '-', 'W', 'M', 'T', 0x00, 0x00, 0x00, 0x00,
}

var testChallengePayload = []byte{
	0x01, 0x02, 0x03, 0x04,
	0x9C, 0x27, 0x6B, 0xE4, 0x31, 0x8D, 0x72, 0xC6,
}

// scriptedDevice plays the appliance side of the link over a loopback
// endpoint.
type scriptedDevice struct {
	t  *testing.T
	tr transport.Transport

	// issueChallenge makes the device challenge the controller after
	// acknowledging the status query.
	issueChallenge bool

	mu            sync.Mutex
	dec           *protocol.Decoder
	authResponses [][]byte
	seenCommands  []byte
}

func startDevice(t *testing.T, tr transport.Transport, issueChallenge bool) *scriptedDevice {
	t.Helper()
	d := &scriptedDevice{
		t:              t,
		tr:             tr,
		issueChallenge: issueChallenge,
		dec:            protocol.NewDecoder(),
	}
	if err := tr.Start(d.onData, nil); err != nil {
		t.Fatalf("starting device transport: %v", err)
	}
	return d
}

func (d *scriptedDevice) onData(p []byte) {
	d.mu.Lock()
	results := d.dec.Feed(p)
	d.mu.Unlock()

	for _, res := range results {
		if res.Err != nil {
			continue
		}
		d.handle(res.Frame)
	}
}

func (d *scriptedDevice) handle(f *protocol.Frame) {
	d.mu.Lock()
	d.seenCommands = append(d.seenCommands, f.Command)
	d.mu.Unlock()

	switch f.Command {
	case protocol.CmdHandshake:
		d.reply(f, protocol.CmdHandshakeAck, nil)
	case protocol.CmdDeviceInfo:
		d.reply(f, protocol.CmdDeviceInfo, testIdentityPayload)
	case protocol.CmdStatusQuery:
		d.reply(f, protocol.CmdStatusAck, nil)
		if d.issueChallenge {
			d.sendChallenge()
		}
	case protocol.CmdAuthResponse:
		d.mu.Lock()
		d.authResponses = append(d.authResponses, append([]byte(nil), f.Payload...))
		d.mu.Unlock()
	}
}

func (d *scriptedDevice) reply(to *protocol.Frame, command byte, payload []byte) {
	f, err := protocol.NewReply(to, command, payload)
	if err != nil {
		d.t.Errorf("building device reply 0x%02x: %v", command, err)
		return
	}
	if err := d.tr.Write(f.Raw); err != nil {
		d.t.Errorf("device write: %v", err)
	}
}

func (d *scriptedDevice) sendChallenge() {
	f, err := protocol.NewRequest(protocol.CmdAuthChallenge, testChallengePayload)
	if err != nil {
		d.t.Errorf("building challenge: %v", err)
		return
	}
	if err := d.tr.Write(f.Raw); err != nil {
		d.t.Errorf("device write: %v", err)
	}
}

func (d *scriptedDevice) sendPowerRequest() {
	f := &protocol.Frame{
		Flags:   protocol.FlagHasCRC,
		Command: protocol.CmdStatusQuery,
		Payload: []byte{0x00, 0x00},
	}
	if _, err := f.Encode(); err != nil {
		d.t.Errorf("building power request: %v", err)
		return
	}
	if err := d.tr.Write(f.Raw); err != nil {
		d.t.Errorf("device write: %v", err)
	}
}

func (d *scriptedDevice) authResponseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.authResponses)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInitializationReachesReady(t *testing.T) {
	ctrl, dev := transport.NewLoopback()
	device := startDevice(t, dev, true)

	responder := &auth.StaticResponder{Response: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	conn, err := Connect("loop0", ctrl, responder, events.NewBus(), testConfig)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Machine().BeginInitialization(context.Background()); err != nil {
		t.Fatalf("BeginInitialization() error = %v", err)
	}

	st := conn.Machine().Status()
	if st.State != Ready {
		t.Errorf("state = %s, want ready", st.State)
	}
	if st.Stage != StageDone {
		t.Errorf("stage = %s, want done", st.Stage)
	}
	if !st.Authenticated {
		t.Error("session should be authenticated")
	}
	if st.Identity.Firmware != "E++2.17" || st.Identity.Serial != "00000001" || st.Identity.Model != "U-WMT" {
		t.Errorf("identity = %+v", st.Identity)
	}

	waitFor(t, time.Second, func() bool { return device.authResponseCount() == 1 },
		"device never received the authentication response")
}

func TestResponderFailureIsNonFatal(t *testing.T) {
	ctrl, dev := transport.NewLoopback()
	startDevice(t, dev, true)

	responder := &auth.StaticResponder{Err: errors.New("key unavailable")}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	conn, err := Connect("loop0", ctrl, responder, bus, testConfig)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Machine().BeginInitialization(context.Background()); err != nil {
		t.Fatalf("BeginInitialization() error = %v", err)
	}

	st := conn.Machine().Status()
	if st.State != Ready {
		t.Errorf("state = %s, want ready (auth failure must not abort init)", st.State)
	}
	if st.Authenticated {
		t.Error("session must not be authenticated after responder failure")
	}

	sawFailure := false
	for done := false; !done; {
		select {
		case ev := <-ch:
			if ar, ok := ev.(events.AuthResult); ok && !ar.Authenticated {
				sawFailure = true
				done = true
			}
		default:
			done = true
		}
	}
	if !sawFailure {
		t.Error("no failed AuthResult event published")
	}
}

func TestMissingChallengeLeavesUnauthenticated(t *testing.T) {
	ctrl, dev := transport.NewLoopback()
	startDevice(t, dev, false)

	cfg := testConfig
	cfg.ChallengeWait = 20 * time.Millisecond

	conn, err := Connect("loop0", ctrl, &auth.StaticResponder{Response: make([]byte, 8)}, events.NewBus(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Machine().BeginInitialization(context.Background()); err != nil {
		t.Fatalf("BeginInitialization() error = %v", err)
	}

	st := conn.Machine().Status()
	if st.State != Ready {
		t.Errorf("state = %s, want ready", st.State)
	}
	if st.Authenticated {
		t.Error("no challenge was issued; session must not be authenticated")
	}
}

func TestPowerRequestTriggersInitialization(t *testing.T) {
	ctrl, dev := transport.NewLoopback()
	device := startDevice(t, dev, true)

	conn, err := Connect("loop0", ctrl, &auth.StaticResponder{Response: make([]byte, 8)}, events.NewBus(), testConfig)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	device.sendPowerRequest()

	waitFor(t, 3*time.Second, func() bool {
		return conn.Machine().Status().State == Ready
	}, "power request did not drive the session to ready")

	if !conn.Machine().Status().Authenticated {
		t.Error("autonomous initialization should have authenticated")
	}
}

// The power request as captured off real hardware. Its trailer is
// computed over a wider span than the controller side reproduces, so
// validation marks the frame suspect; it must still start the session.
func TestCapturedPowerRequestTriggersInitialization(t *testing.T) {
	ctrl, dev := transport.NewLoopback()
	startDevice(t, dev, true)

	bus := events.NewBus()
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	conn, err := Connect("loop0", ctrl, &auth.StaticResponder{Response: make([]byte, 8)}, bus, testConfig)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	line := []byte{
		0xFF, 0xFF, 0x0A, 0x40,
		0x00, 0x00, 0x00, 0x00, 0x00,
		0xF3, 0x00, 0x00, 0x3D,
	}
	if err := dev.Write(line); err != nil {
		t.Fatalf("writing captured line: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return conn.Machine().Status().State == Ready
	}, "captured power request did not drive the session to ready")

	sawInvalid := false
	for done := false; !done; {
		select {
		case ev := <-ch:
			if _, ok := ev.(events.FrameInvalid); ok {
				sawInvalid = true
				done = true
			}
		default:
			done = true
		}
	}
	if !sawInvalid {
		t.Error("suspect frame was not surfaced as a FrameInvalid event")
	}
}

func TestBeginInitializationGuards(t *testing.T) {
	ctrl, dev := transport.NewLoopback()
	startDevice(t, dev, false)

	cfg := testConfig
	cfg.ChallengeWait = time.Millisecond

	conn, err := Connect("loop0", ctrl, nil, events.NewBus(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Machine().BeginInitialization(context.Background()); err != nil {
		t.Fatalf("BeginInitialization() error = %v", err)
	}
	if err := conn.Machine().BeginInitialization(context.Background()); !errors.Is(err, ErrAlreadyInitializing) {
		t.Errorf("second init error = %v, want ErrAlreadyInitializing", err)
	}

	conn.Machine().Disconnect()
	if err := conn.Machine().BeginInitialization(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("init after disconnect error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectRetainsIdentity(t *testing.T) {
	ctrl, dev := transport.NewLoopback()
	startDevice(t, dev, true)

	conn, err := Connect("loop0", ctrl, &auth.StaticResponder{Response: make([]byte, 8)}, events.NewBus(), testConfig)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := conn.Machine().BeginInitialization(context.Background()); err != nil {
		t.Fatalf("BeginInitialization() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	st := conn.Machine().Status()
	if st.State != Disconnected {
		t.Errorf("state = %s, want disconnected", st.State)
	}
	if st.Authenticated {
		t.Error("authenticated flag must clear on disconnect")
	}
	if st.Identity.Model != "U-WMT" {
		t.Errorf("identity lost on disconnect: %+v", st.Identity)
	}
}

func TestResetAuthKeepsIdentity(t *testing.T) {
	ctrl, dev := transport.NewLoopback()
	startDevice(t, dev, true)

	conn, err := Connect("loop0", ctrl, &auth.StaticResponder{Response: make([]byte, 8)}, events.NewBus(), testConfig)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Machine().BeginInitialization(context.Background()); err != nil {
		t.Fatalf("BeginInitialization() error = %v", err)
	}

	conn.Machine().ResetAuth()
	st := conn.Machine().Status()
	if st.Authenticated {
		t.Error("ResetAuth must clear the authenticated flag")
	}
	if st.State != Connected {
		t.Errorf("state = %s, want connected after ResetAuth from ready", st.State)
	}
	if st.Identity.Serial != "00000001" {
		t.Errorf("identity lost on ResetAuth: %+v", st.Identity)
	}
}
