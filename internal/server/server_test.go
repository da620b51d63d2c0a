package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shmrymbd/haier-decoder-sub000/internal/events"
	"github.com/shmrymbd/haier-decoder-sub000/internal/monitor"
	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
)

func startTestServer(t *testing.T, bus *events.Bus, pairer *monitor.Pairer) *Server {
	t.Helper()
	srv := New("127.0.0.1:0", bus, pairer)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func newTestPairer(t *testing.T) *monitor.Pairer {
	t.Helper()
	rules, err := monitor.NewRuleSet(monitor.DefaultRules())
	if err != nil {
		t.Fatalf("NewRuleSet() error = %v", err)
	}
	return monitor.NewPairer(rules, nil)
}

func TestRecordsAndStatsEndpoints(t *testing.T) {
	pairer := newTestPairer(t)

	base := time.Now()
	req := &protocol.Frame{
		Flags:   protocol.FlagHasCRC,
		Token:   protocol.TokenFromSequence(50),
		Command: protocol.CmdStatusQuery,
		Payload: []byte{0x00, 0x00},
	}
	if _, err := req.Encode(); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	resp := &protocol.Frame{
		Flags:   protocol.FlagHasCRC,
		Token:   protocol.TokenFromSequence(50),
		Command: protocol.CmdStatusAck,
	}
	if _, err := resp.Encode(); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	pairer.Observe(req, monitor.DirRequest, base)
	pairer.Observe(resp, monitor.DirResponse, base.Add(30*time.Millisecond))

	srv := startTestServer(t, events.NewBus(), pairer)

	res, err := http.Get("http://" + srv.Addr() + "/records")
	if err != nil {
		t.Fatalf("GET /records error = %v", err)
	}
	defer res.Body.Close()
	var exp monitor.Export
	if err := json.NewDecoder(res.Body).Decode(&exp); err != nil {
		t.Fatalf("decoding /records: %v", err)
	}
	if len(exp.Records) != 1 {
		t.Errorf("got %d records, want 1", len(exp.Records))
	}

	statsRes, err := http.Get("http://" + srv.Addr() + "/stats")
	if err != nil {
		t.Fatalf("GET /stats error = %v", err)
	}
	defer statsRes.Body.Close()
	var stats monitor.Stats
	if err := json.NewDecoder(statsRes.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding /stats: %v", err)
	}
	if stats.Paired != 1 {
		t.Errorf("stats.paired = %d, want 1", stats.Paired)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	bus := events.NewBus()
	srv := startTestServer(t, bus, newTestPairer(t))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscription before
	// publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.StateChanged{From: "connected", To: "ready"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Kind    string `json:"kind"`
		Summary string `json:"summary"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	if msg.Kind != "state_changed" {
		t.Errorf("kind = %q, want state_changed", msg.Kind)
	}
	if msg.Summary != "state connected -> ready" {
		t.Errorf("summary = %q", msg.Summary)
	}
}
