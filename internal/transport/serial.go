package transport

import (
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// readBufferSize matches the largest burst seen between poll intervals
// on a 9600 baud link.
const readBufferSize = 512

// Serial is a Transport over a physical serial port. The appliance link
// runs 8N1; only the baud rate varies between dongle revisions.
type Serial struct {
	name string
	port serial.Port

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// OpenSerial opens a serial port in 8N1 mode at the given baud rate.
func OpenSerial(name string, baud int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", name, err)
	}

	return &Serial{
		name: name,
		port: port,
		done: make(chan struct{}),
	}, nil
}

// Name returns the port name the transport was opened on.
func (s *Serial) Name() string { return s.name }

// Start launches the single reader goroutine. onData receives every
// chunk read from the port; onErr is called once if the read loop dies.
func (s *Serial) Start(onData func([]byte), onErr func(error)) error {
	if onData == nil {
		return fmt.Errorf("nil delivery callback for %s", s.name)
	}

	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := s.port.Read(buf)
			if err != nil {
				select {
				case <-s.done:
					// Closed locally; not a transport failure.
				default:
					if onErr != nil {
						onErr(fmt.Errorf("reading %s: %w", s.name, err))
					}
				}
				return
			}
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				onData(chunk)
			}
		}
	}()
	return nil
}

// Write transmits bytes on the port.
func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if _, err := s.port.Write(p); err != nil {
		return fmt.Errorf("writing %s: %w", s.name, err)
	}
	return nil
}

// Close stops the reader and releases the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	return s.port.Close()
}

// ListPorts enumerates serial ports available on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return ports, nil
}
