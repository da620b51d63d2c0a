package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shmrymbd/haier-decoder-sub000/internal/auth"
	"github.com/shmrymbd/haier-decoder-sub000/internal/correlate"
	"github.com/shmrymbd/haier-decoder-sub000/internal/events"
	"github.com/shmrymbd/haier-decoder-sub000/internal/logging"
	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
)

// State is the top-level session state.
type State int

const (
	Disconnected State = iota
	Connected
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stage is the position inside the ordered initialization sub-sequence.
type Stage int

const (
	StageIdle Stage = iota
	StageAnnounce
	StageControllerReady
	StageHandshake
	StageIdentity
	StageStatusQuery
	StageAuthenticate
	StageTimeSync
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageAnnounce:
		return "session-announce"
	case StageControllerReady:
		return "controller-ready"
	case StageHandshake:
		return "handshake"
	case StageIdentity:
		return "identity-exchange"
	case StageStatusQuery:
		return "status-query"
	case StageAuthenticate:
		return "authenticate"
	case StageTimeSync:
		return "time-sync"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// DeviceIdentity is what the device reveals about itself during the
// identity exchange. It survives disconnects.
type DeviceIdentity struct {
	Model    string
	Serial   string
	Firmware string
}

// Known reports whether any identity field has been learned yet.
func (d DeviceIdentity) Known() bool {
	return d.Model != "" || d.Serial != "" || d.Firmware != ""
}

// Status is a point-in-time snapshot of the machine for observers.
type Status struct {
	State         State
	Stage         Stage
	Authenticated bool
	Identity      DeviceIdentity
}

// Config tunes session timing.
type Config struct {
	// SettleDelay is inserted between initialization steps to respect
	// device timing. Captures show the device drops frames sent
	// back-to-back.
	SettleDelay time.Duration
	// StepTimeout bounds each correlated request inside initialization.
	StepTimeout time.Duration
	// ChallengeWait bounds how long the authenticate step waits for the
	// device to issue its challenge.
	ChallengeWait time.Duration
}

// DefaultConfig returns the timing observed to work on real hardware.
func DefaultConfig() Config {
	return Config{
		SettleDelay:   100 * time.Millisecond,
		StepTimeout:   2 * time.Second,
		ChallengeWait: 5 * time.Second,
	}
}

var (
	// ErrNotConnected is returned when initialization is requested
	// outside the Connected state.
	ErrNotConnected = errors.New("session not connected")
	// ErrAlreadyInitializing is returned when initialization is already
	// in progress or complete.
	ErrAlreadyInitializing = errors.New("initialization already running")
	// errNoChallenge marks an authenticate step that saw no challenge.
	errNoChallenge = errors.New("device issued no challenge")
)

// Machine sequences connection, identity exchange, authentication and
// readiness for one logical connection. The initialization sub-sequence
// can be driven locally through BeginInitialization or autonomously by
// the device's power request signature.
type Machine struct {
	mu            sync.Mutex
	state         State
	stage         Stage
	authenticated bool
	authAttempted bool
	identity      DeviceIdentity
	initRunning   bool

	corr      *correlate.Correlator
	responder auth.Responder
	bus       *events.Bus
	cfg       Config

	// challenged is signalled after each authentication exchange
	// (successful or not) so the authenticate step can stop waiting.
	challenged chan struct{}
}

// NewMachine creates a machine in the Disconnected state. The responder
// may be nil, in which case every challenge fails the best-effort way.
func NewMachine(corr *correlate.Correlator, responder auth.Responder, bus *events.Bus, cfg Config) *Machine {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultConfig().SettleDelay
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.ChallengeWait <= 0 {
		cfg.ChallengeWait = DefaultConfig().ChallengeWait
	}
	return &Machine{
		corr:       corr,
		responder:  responder,
		bus:        bus,
		cfg:        cfg,
		challenged: make(chan struct{}, 1),
	}
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:         m.state,
		Stage:         m.stage,
		Authenticated: m.authenticated,
		Identity:      m.identity,
	}
}

// Connected marks the link up. Identity learned in an earlier session
// is retained.
func (m *Machine) Connected() {
	m.setState(Connected)
}

// Disconnect returns to Disconnected from any state, clearing the
// initialization substate and the authenticated flag but retaining the
// learned device identity.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	m.stage = StageIdle
	m.authenticated = false
	m.authAttempted = false
	m.initRunning = false
	m.mu.Unlock()
	m.setState(Disconnected)
}

// ResetAuth clears authentication and readiness without destroying the
// session or the identity, forcing the next challenge to re-establish
// them.
func (m *Machine) ResetAuth() {
	m.mu.Lock()
	m.authenticated = false
	m.authAttempted = false
	if m.state == Ready {
		m.stage = StageIdle
	}
	state := m.state
	m.mu.Unlock()
	if state == Ready {
		m.setState(Connected)
	}
}

// BeginInitialization runs the ordered initialization sub-sequence,
// advancing one step at a time with a settling delay between steps. It
// blocks until the sequence completes or the context is cancelled.
func (m *Machine) BeginInitialization(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.initRunning || m.state == Initializing || m.state == Ready {
		m.mu.Unlock()
		return ErrAlreadyInitializing
	}
	m.initRunning = true
	m.mu.Unlock()

	return m.runInit(ctx)
}

// HandleFrame is the unsolicited-frame sink. Session-control and
// authentication frames drive the machine; everything else is surfaced
// as an event only.
func (m *Machine) HandleFrame(f *protocol.Frame) {
	switch {
	case f.Command == protocol.CmdAuthChallenge:
		m.answerChallenge(f)

	case protocol.IsPowerRequest(f):
		m.mu.Lock()
		trigger := m.state == Connected && !m.initRunning
		if trigger {
			m.initRunning = true
		}
		m.mu.Unlock()

		if trigger {
			logging.Info("Power request from device, starting initialization",
				zap.String("frame", f.String()),
			)
			go func() {
				if err := m.runInit(context.Background()); err != nil {
					logging.Warn("Autonomous initialization failed", zap.Error(err))
				}
			}()
		}

	default:
		logging.Debug("Unsolicited frame", zap.String("frame", f.String()))
	}
}

// runInit executes the sub-sequence. initRunning is already claimed.
func (m *Machine) runInit(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		m.initRunning = false
		m.mu.Unlock()
	}()

	m.setState(Initializing)

	// Fire-and-settle steps: the device acknowledges these lazily or
	// not at all, so nothing is awaited.
	m.setStage(StageAnnounce)
	if err := m.writeBuilt(protocol.BuildSessionStart()); err != nil {
		return m.failInit(err)
	}
	if err := m.settle(ctx); err != nil {
		return m.failInit(err)
	}

	m.setStage(StageControllerReady)
	if err := m.writeBuilt(protocol.BuildControllerReady()); err != nil {
		return m.failInit(err)
	}
	if err := m.settle(ctx); err != nil {
		return m.failInit(err)
	}

	// Handshake awaits its acknowledgement. A missing ack is tolerated:
	// the device skips it when a prior session is still warm.
	m.setStage(StageHandshake)
	handshake, err := protocol.BuildHandshake()
	if err != nil {
		return m.failInit(err)
	}
	if frame, err := m.request(ctx, handshake); err != nil {
		if errors.Is(err, correlate.ErrTimeout) {
			logging.Warn("Handshake not acknowledged, continuing", zap.Error(err))
		} else {
			return m.failInit(err)
		}
	} else if frame.Command != protocol.CmdHandshakeAck {
		logging.Warn("Unexpected handshake reply", zap.String("frame", frame.String()))
	}
	if err := m.settle(ctx); err != nil {
		return m.failInit(err)
	}

	m.setStage(StageIdentity)
	identityReq, err := protocol.BuildIdentityRequest()
	if err != nil {
		return m.failInit(err)
	}
	if frame, err := m.request(ctx, identityReq); err != nil {
		if !errors.Is(err, correlate.ErrTimeout) {
			return m.failInit(err)
		}
		logging.Warn("Identity exchange timed out", zap.Error(err))
	} else {
		m.learnIdentity(frame.Payload)
	}
	if err := m.settle(ctx); err != nil {
		return m.failInit(err)
	}

	m.setStage(StageStatusQuery)
	statusReq, err := protocol.BuildStatusQuery()
	if err != nil {
		return m.failInit(err)
	}
	if _, err := m.request(ctx, statusReq); err != nil {
		if !errors.Is(err, correlate.ErrTimeout) {
			return m.failInit(err)
		}
		logging.Warn("Status query timed out", zap.Error(err))
	}
	if err := m.settle(ctx); err != nil {
		return m.failInit(err)
	}

	// Authentication is best-effort by design: the device re-challenges
	// later if this round fails.
	m.setStage(StageAuthenticate)
	m.awaitChallenge(ctx)
	if err := m.settle(ctx); err != nil {
		return m.failInit(err)
	}

	m.setStage(StageTimeSync)
	if err := m.writeBuilt(protocol.BuildTimeSync(time.Now())); err != nil {
		return m.failInit(err)
	}

	m.setStage(StageDone)
	m.setState(Ready)
	return nil
}

// failInit returns the machine to Connected after a hard init failure
// (transport error, cancellation). Ready stays unreachable.
func (m *Machine) failInit(err error) error {
	m.mu.Lock()
	m.stage = StageIdle
	m.mu.Unlock()
	m.setState(Connected)
	return err
}

// request sends a pre-built frame through the correlator and awaits the
// response.
func (m *Machine) request(ctx context.Context, frame *protocol.Frame) (*protocol.Frame, error) {
	pending, err := m.corr.SendFrame(frame, m.cfg.StepTimeout)
	if err != nil {
		return nil, err
	}
	return pending.Await(ctx)
}

func (m *Machine) writeBuilt(frame *protocol.Frame, buildErr error) error {
	if buildErr != nil {
		return buildErr
	}
	return m.corr.WriteFrame(frame)
}

// awaitChallenge waits for the device's rolling-code challenge. The
// challenge arrives as an unsolicited frame and is answered in
// answerChallenge; this only bounds the wait.
func (m *Machine) awaitChallenge(ctx context.Context) {
	m.mu.Lock()
	attempted := m.authAttempted
	m.mu.Unlock()
	if attempted {
		return
	}

	select {
	case <-m.challenged:
	case <-time.After(m.cfg.ChallengeWait):
		m.publishAuth(false, errNoChallenge)
	case <-ctx.Done():
	}
}

// answerChallenge replies to a device challenge with the responder's
// output, carrying the challenge frame's correlation token. Responder
// failure leaves Authenticated=false and never aborts initialization.
func (m *Machine) answerChallenge(challenge *protocol.Frame) {
	defer func() {
		select {
		case m.challenged <- struct{}{}:
		default:
		}
	}()

	if len(challenge.Payload) <= protocol.AuthHeaderSize {
		m.publishAuth(false, fmt.Errorf("challenge payload too short: %d bytes", len(challenge.Payload)))
		return
	}
	if m.responder == nil {
		m.publishAuth(false, errors.New("no authentication responder configured"))
		return
	}

	m.mu.Lock()
	identity := m.identity
	m.mu.Unlock()

	ctx := auth.Context{
		Timestamp: time.Now(),
		Sequence:  challenge.Token.Sequence(),
		Model:     identity.Model,
		Serial:    identity.Serial,
		Firmware:  identity.Firmware,
	}

	response, err := m.responder.Respond(challenge.Payload[protocol.AuthHeaderSize:], ctx)
	if err != nil {
		m.publishAuth(false, fmt.Errorf("authentication responder: %w", err))
		return
	}

	payload := make([]byte, 0, protocol.AuthHeaderSize+len(response))
	payload = append(payload, challenge.Payload[:protocol.AuthHeaderSize]...)
	payload = append(payload, response...)

	reply, err := protocol.BuildAuthResponse(challenge, payload)
	if err != nil {
		m.publishAuth(false, err)
		return
	}
	if err := m.corr.WriteFrame(reply); err != nil {
		m.publishAuth(false, err)
		return
	}

	m.publishAuth(true, nil)
}

func (m *Machine) publishAuth(ok bool, err error) {
	m.mu.Lock()
	m.authenticated = ok
	m.authAttempted = true
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.AuthResult{Authenticated: ok, Err: err})
	}
	if err != nil {
		logging.Warn("Authentication unsuccessful", zap.Error(err))
	} else {
		logging.Info("Authentication response sent")
	}
}

// learnIdentity decodes the identity block: firmware at [0:8], build
// date at [8:16], flags at [16:19], serial at [19:28], model at [28:].
// All fields are NUL-padded ASCII.
func (m *Machine) learnIdentity(payload []byte) {
	identity := DeviceIdentity{}
	if len(payload) >= 8 {
		identity.Firmware = cstr(payload[0:8])
	}
	if len(payload) >= 28 {
		identity.Serial = cstr(payload[19:28])
	}
	if len(payload) > 28 {
		identity.Model = cstr(payload[28:])
	}
	if !identity.Known() {
		logging.Warn("Identity block did not decode", zap.Int("payload_len", len(payload)))
		return
	}

	m.mu.Lock()
	m.identity = identity
	m.mu.Unlock()

	logging.Info("Device identity learned",
		zap.String("model", identity.Model),
		zap.String("serial", identity.Serial),
		zap.String("firmware", identity.Firmware),
	)
}

func (m *Machine) settle(ctx context.Context) error {
	select {
	case <-time.After(m.cfg.SettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev == next {
		return
	}
	if m.bus != nil {
		m.bus.Publish(events.StateChanged{From: prev.String(), To: next.String()})
	}
	logging.Info("Session state", zap.String("from", prev.String()), zap.String("to", next.String()))
}

func (m *Machine) setStage(next Stage) {
	m.mu.Lock()
	m.stage = next
	m.mu.Unlock()
	logging.Debug("Initialization stage", zap.String("stage", next.String()))
}

// cstr trims a NUL-padded ASCII field.
func cstr(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
