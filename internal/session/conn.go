package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shmrymbd/haier-decoder-sub000/internal/auth"
	"github.com/shmrymbd/haier-decoder-sub000/internal/correlate"
	"github.com/shmrymbd/haier-decoder-sub000/internal/events"
	"github.com/shmrymbd/haier-decoder-sub000/internal/logging"
	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
	"github.com/shmrymbd/haier-decoder-sub000/internal/transport"
)

// Conn wires one transport to the protocol core: decoder, validator,
// correlator and the session machine. All inbound processing runs on
// the transport's single delivery goroutine, so the decoder needs no
// locking.
type Conn struct {
	name string
	tr   transport.Transport
	dec  *protocol.Decoder
	corr *correlate.Correlator
	mach *Machine
	bus  *events.Bus

	closeOnce sync.Once
}

// Connect builds the full receive pipeline over the transport, starts
// delivery and moves the machine to Connected.
func Connect(name string, tr transport.Transport, responder auth.Responder, bus *events.Bus, cfg Config) (*Conn, error) {
	c := &Conn{
		name: name,
		tr:   tr,
		dec:  &protocol.Decoder{},
		bus:  bus,
	}
	c.corr = correlate.New(tr.Write, func(f *protocol.Frame) { c.mach.HandleFrame(f) })
	c.mach = NewMachine(c.corr, responder, bus, cfg)

	if err := tr.Start(c.onData, c.onTransportError); err != nil {
		return nil, err
	}
	c.mach.Connected()
	return c, nil
}

// Machine exposes the session machine for status and initialization.
func (c *Conn) Machine() *Machine { return c.mach }

// Correlator exposes the correlator for ad-hoc requests and statistics.
func (c *Conn) Correlator() *correlate.Correlator { return c.corr }

// Close tears the connection down and moves the machine to
// Disconnected. The learned device identity survives.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.tr.Close()
		c.mach.Disconnect()
	})
	return err
}

// onData runs in the transport delivery goroutine.
func (c *Conn) onData(p []byte) {
	for _, res := range c.dec.Feed(p) {
		if res.Err != nil {
			logging.Warn("Malformed frame",
				zap.String("port", c.name),
				zap.Error(res.Err),
			)
			if c.bus != nil {
				c.bus.Publish(events.FrameMalformed{
					Port:   c.name,
					Reason: res.Err.Error(),
					Raw:    res.Raw,
				})
			}
			continue
		}

		f := res.Frame
		v := protocol.Validate(f)
		if v.Verdict == protocol.Invalid {
			// Suspect frames never resolve a pending request, but the
			// machine still sees them: some appliances compute the
			// trailer over a wider span than this side reproduces, and
			// a power request must not be lost to that discrepancy.
			logging.Warn("Frame failed integrity check",
				zap.String("port", c.name),
				zap.String("frame", f.String()),
				zap.String("reason", v.Reason),
			)
			if c.bus != nil {
				c.bus.Publish(events.FrameInvalid{
					Port:   c.name,
					Reason: v.Reason,
					Raw:    f.Raw,
				})
			}
			c.mach.HandleFrame(f)
			continue
		}

		logging.LogFrame(c.name, "rx", f.Command, f.Raw)
		if c.bus != nil {
			c.bus.Publish(events.FrameReceived{
				Port:      c.name,
				Direction: "rx",
				Command:   f.Command,
				Raw:       f.Raw,
				Time:      time.Now(),
			})
		}

		c.corr.HandleFrame(f)
	}
}

// onTransportError runs once when the read side dies.
func (c *Conn) onTransportError(err error) {
	logging.Error("Transport failure", zap.String("port", c.name), zap.Error(err))
	if c.bus != nil {
		c.bus.Publish(events.TransportError{Port: c.name, Err: err})
	}
	c.mach.Disconnect()
}
