// Package correlate matches outgoing requests to their eventual
// responses inside one communication endpoint, keyed by the frame
// correlation token.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
)

// ErrTimeout is returned by Await when no matching response arrived
// before the request deadline.
var ErrTimeout = errors.New("request timed out")

// ErrTokenInUse is returned when a caller tries to open a second
// pending request under an unexpired token.
var ErrTokenInUse = errors.New("correlation token already pending")

// Outcome is the one-time resolution of a pending request.
type Outcome struct {
	Frame *protocol.Frame
	Err   error
}

// Pending is an open request awaiting its response. It resolves exactly
// once: with the matching frame, or with ErrTimeout at the deadline.
type Pending struct {
	Token    protocol.Token
	Command  byte
	IssuedAt time.Time
	Deadline time.Time

	done  chan Outcome
	timer *time.Timer
}

// Done returns the resolution channel. It receives exactly one Outcome.
// Abandoning the channel is allowed; the registry entry is still
// cleaned up at the deadline.
func (p *Pending) Done() <-chan Outcome { return p.done }

// Await blocks until the request resolves or the context is cancelled.
// Cancelling the context abandons the future without cancelling the
// underlying timeout.
func (p *Pending) Await(ctx context.Context) (*protocol.Frame, error) {
	select {
	case out := <-p.done:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats are running counters exposed for monitoring consumers.
type Stats struct {
	Sent        uint64 `json:"sent"`
	Matched     uint64 `json:"matched"`
	TimedOut    uint64 `json:"timed_out"`
	Unsolicited uint64 `json:"unsolicited"`
}

// Correlator owns the pending request registry for one connection.
// Send may be called concurrently by multiple logical callers; each
// call owns its own Pending and resolution is first-writer-wins.
type Correlator struct {
	mu      sync.Mutex
	pending map[protocol.Token]*Pending
	stats   Stats

	write       func([]byte) error
	unsolicited func(*protocol.Frame)
}

// New creates a correlator that transmits through write and forwards
// frames matching no pending request to the unsolicited sink.
func New(write func([]byte) error, unsolicited func(*protocol.Frame)) *Correlator {
	return &Correlator{
		pending:     make(map[protocol.Token]*Pending),
		write:       write,
		unsolicited: unsolicited,
	}
}

// Send constructs a request frame, registers a pending entry under its
// token, transmits it, and returns the future. The future fails with
// ErrTimeout if no response arrives within timeout.
func (c *Correlator) Send(command byte, payload []byte, timeout time.Duration) (*Pending, error) {
	frame, err := protocol.NewRequest(command, payload)
	if err != nil {
		return nil, fmt.Errorf("building request 0x%02x: %w", command, err)
	}
	return c.SendFrame(frame, timeout)
}

// SendFrame registers and transmits a pre-built request frame.
func (c *Correlator) SendFrame(frame *protocol.Frame, timeout time.Duration) (*Pending, error) {
	now := time.Now()
	p := &Pending{
		Token:    frame.Token,
		Command:  frame.Command,
		IssuedAt: now,
		Deadline: now.Add(timeout),
		done:     make(chan Outcome, 1),
	}

	c.mu.Lock()
	if _, exists := c.pending[frame.Token]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("seq %d: %w", frame.Token.Sequence(), ErrTokenInUse)
	}
	// The timer must be armed before the entry becomes visible: the
	// delivery goroutine can hand the response to HandleFrame before
	// write even returns.
	p.timer = time.AfterFunc(timeout, func() { c.expire(frame.Token) })
	c.pending[frame.Token] = p
	c.stats.Sent++
	c.mu.Unlock()

	if err := c.write(frame.Raw); err != nil {
		c.mu.Lock()
		delete(c.pending, frame.Token)
		c.mu.Unlock()
		p.timer.Stop()
		return nil, fmt.Errorf("transmitting request 0x%02x: %w", frame.Command, err)
	}
	return p, nil
}

// WriteFrame transmits a frame without expecting a correlated response
// (acknowledgements, authentication replies).
func (c *Correlator) WriteFrame(frame *protocol.Frame) error {
	return c.write(frame.Raw)
}

// HandleFrame routes an incoming frame. If a pending request holds the
// frame's token, its future resolves (once) and HandleFrame reports
// true. Otherwise the frame is unsolicited: it is handed to the sink
// and HandleFrame reports false. A late duplicate under an already
// resolved token counts as unsolicited.
func (c *Correlator) HandleFrame(f *protocol.Frame) bool {
	c.mu.Lock()
	p, ok := c.pending[f.Token]
	if ok {
		// Removing the entry under the lock makes this the single
		// winner; the timer callback will find nothing to expire.
		delete(c.pending, f.Token)
		c.stats.Matched++
	} else {
		c.stats.Unsolicited++
	}
	c.mu.Unlock()

	if ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- Outcome{Frame: f}
		return true
	}

	if c.unsolicited != nil {
		c.unsolicited(f)
	}
	return false
}

// expire fails the pending request at its deadline unless it already
// resolved.
func (c *Correlator) expire(token protocol.Token) {
	c.mu.Lock()
	p, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
		c.stats.TimedOut++
	}
	c.mu.Unlock()

	if ok {
		p.done <- Outcome{Err: fmt.Errorf("request 0x%02x seq %d: %w", p.Command, token.Sequence(), ErrTimeout)}
	}
}

// Open returns the number of pending requests, for diagnostics.
func (c *Correlator) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Snapshot returns a copy of the running statistics.
func (c *Correlator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
