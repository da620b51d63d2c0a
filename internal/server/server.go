// Package server exposes the live monitor over HTTP: a websocket event
// stream plus snapshot endpoints for the pair log and statistics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shmrymbd/haier-decoder-sub000/internal/events"
	"github.com/shmrymbd/haier-decoder-sub000/internal/logging"
	"github.com/shmrymbd/haier-decoder-sub000/internal/monitor"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Send pings to peer with this period
	pingPeriod = 30 * time.Second

	// Buffer per websocket subscriber; a slow consumer loses events
	// rather than stalling the delivery path.
	subscriberBuffer = 256
)

// Server serves monitor data to local observers.
type Server struct {
	addr   string
	bus    *events.Bus
	pairer *monitor.Pairer

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ln       net.Listener
}

// New creates a server bound to addr, streaming from bus and
// snapshotting from pairer.
func New(addr string, bus *events.Bus, pairer *monitor.Pairer) *Server {
	return &Server{
		addr:   addr,
		bus:    bus,
		pairer: pairer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local analysis tool; browser origin checks don't apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start begins listening. It returns once the listener is bound; serving
// continues on a background goroutine until Shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/records", s.handleRecords)
	mux.HandleFunc("/records.cbor", s.handleRecordsCBOR)
	mux.HandleFunc("/stats", s.handleStats)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.ln = ln

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logging.Info("Monitor server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Monitor server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, valid after Start. Useful when
// the configured address carries port zero.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// streamMessage is the JSON envelope sent to websocket subscribers.
type streamMessage struct {
	Kind    string    `json:"kind"`
	Time    time.Time `json:"time"`
	Summary string    `json:"summary"`
}

// handleWebSocket upgrades the connection and relays bus events to the
// peer until either side goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	logging.Info("WebSocket subscriber connected", zap.String("remote_addr", r.RemoteAddr))

	ch, cancel := s.bus.Subscribe(subscriberBuffer)

	go func() {
		defer cancel()
		defer conn.Close()

		// Drain the read side to observe close frames.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
				msg := streamMessage{
					Kind:    ev.Kind(),
					Time:    time.Now(),
					Summary: events.Describe(ev),
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					logging.Debug("WebSocket subscriber dropped",
						zap.String("remote_addr", r.RemoteAddr),
						zap.Error(err),
					)
					return
				}

			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}

// handleRecords serves the pair log snapshot as JSON.
func (s *Server) handleRecords(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.pairer.WriteJSON(w); err != nil {
		logging.Warn("Failed to write records", zap.Error(err))
	}
}

// handleRecordsCBOR serves the pair log snapshot in CBOR.
func (s *Server) handleRecordsCBOR(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/cbor")
	if err := s.pairer.WriteCBOR(w); err != nil {
		logging.Warn("Failed to write records", zap.Error(err))
	}
}

// handleStats serves the pairer statistics as JSON.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.pairer.Snapshot()); err != nil {
		logging.Warn("Failed to write stats", zap.Error(err))
	}
}
