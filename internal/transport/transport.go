// Package transport provides the duplex byte channel the protocol core
// runs over. The core only ever sees Write plus a single-producer
// delivery callback; the concrete byte-level device I/O lives here.
package transport

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Write after the channel has been closed.
var ErrClosed = errors.New("transport closed")

// Transport is an abstract duplex byte channel. Start begins delivery:
// onData is invoked from a single goroutine per connection (the
// delivery context), onErr reports read-side failures. Write may be
// called from any goroutine.
type Transport interface {
	Start(onData func([]byte), onErr func(error)) error
	Write(p []byte) error
	Close() error
}

// Loopback is an in-memory transport endpoint. NewLoopback returns two
// connected endpoints: bytes written to one are delivered to the
// other's callback. Used by tests and for driving the session machine
// against a scripted device.
type Loopback struct {
	mu     sync.Mutex
	peer   *Loopback
	queue  chan []byte
	closed bool
	once   sync.Once
	done   chan struct{}
}

// NewLoopback creates a connected endpoint pair.
func NewLoopback() (*Loopback, *Loopback) {
	a := &Loopback{queue: make(chan []byte, 256), done: make(chan struct{})}
	b := &Loopback{queue: make(chan []byte, 256), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Start consumes this endpoint's delivery queue on one goroutine.
func (l *Loopback) Start(onData func([]byte), onErr func(error)) error {
	if onData == nil {
		return errors.New("nil delivery callback")
	}
	go func() {
		for {
			select {
			case p := <-l.queue:
				onData(p)
			case <-l.done:
				return
			}
		}
	}()
	_ = onErr
	return nil
}

// Write queues bytes for delivery to the peer endpoint.
func (l *Loopback) Write(p []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	peer := l.peer
	peer.mu.Lock()
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return fmt.Errorf("peer: %w", ErrClosed)
	}

	buf := append([]byte(nil), p...)
	select {
	case peer.queue <- buf:
		return nil
	default:
		return errors.New("loopback queue full")
	}
}

// Close stops delivery and fails subsequent writes.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.once.Do(func() { close(l.done) })
	return nil
}
