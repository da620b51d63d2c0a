package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shmrymbd/haier-decoder-sub000/internal/auth"
	"github.com/shmrymbd/haier-decoder-sub000/internal/config"
	"github.com/shmrymbd/haier-decoder-sub000/internal/events"
	"github.com/shmrymbd/haier-decoder-sub000/internal/monitor"
	"github.com/shmrymbd/haier-decoder-sub000/internal/protocol"
	"github.com/shmrymbd/haier-decoder-sub000/internal/server"
	"github.com/shmrymbd/haier-decoder-sub000/internal/session"
	"github.com/shmrymbd/haier-decoder-sub000/internal/transport"
)

// Command flags
var (
	configPath string
	serialPort string
	baudRate   int
	authKey    string

	txPort        string
	rxPort        string
	listenAddr    string
	cborOut       string
	jsonOut       string
	calibrateFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: platform config dir)")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(portsCmd)
}

// loadConfig resolves the effective configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// buildResponder constructs the challenge responder from config plus
// the --auth override (hex AES key, implies cmac mode).
func buildResponder(cfg *config.Config) (auth.Responder, error) {
	if authKey != "" {
		key, err := hex.DecodeString(authKey)
		if err != nil {
			return nil, fmt.Errorf("--auth is not hex: %w", err)
		}
		return auth.NewCMACResponder(key)
	}

	switch cfg.Auth.Mode {
	case "", "none":
		return nil, nil
	case "cmac":
		key, err := hex.DecodeString(cfg.Auth.Key)
		if err != nil {
			return nil, fmt.Errorf("auth.key is not hex: %w", err)
		}
		return auth.NewCMACResponder(key)
	case "replay":
		return auth.NewReplayResponder(cfg.Auth.Replay)
	default:
		return nil, fmt.Errorf("unknown auth mode: %q", cfg.Auth.Mode)
	}
}

// connectCmd drives a live session on one serial port.
var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a device and run the session initialization",
	Long: `Open a serial port, run the initialization sequence (announce,
handshake, identity exchange, status query, authentication, time sync)
and then hold the session open, answering re-challenges, until
interrupted.`,
	Example: `  # Connect on the default port from config
  haierctl connect

  # Explicit port and baud rate
  haierctl connect --port /dev/ttyUSB0 --baud 9600

  # Authenticate with an AES-CMAC key
  haierctl connect --port /dev/ttyUSB0 --auth 00112233445566778899aabbccddeeff`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&serialPort, "port", "", "Serial port (overrides config)")
	connectCmd.Flags().IntVar(&baudRate, "baud", 0, "Baud rate (overrides config)")
	connectCmd.Flags().StringVar(&authKey, "auth", "", "Hex AES key for challenge responses")
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	port := serialPort
	if port == "" {
		port = cfg.Serial.Port
	}
	if port == "" {
		return fmt.Errorf("no serial port given (use --port or set serial.port in config)")
	}
	baud := baudRate
	if baud == 0 {
		baud = cfg.Serial.Baud
	}

	responder, err := buildResponder(cfg)
	if err != nil {
		return err
	}

	tr, err := transport.OpenSerial(port, baud)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer events.LogAll(bus)()
	sessCfg := session.Config{
		SettleDelay:   cfg.Session.SettleDelay(),
		StepTimeout:   cfg.Session.StepTimeout(),
		ChallengeWait: cfg.Session.ChallengeWait(),
	}

	conn, err := session.Connect(port, tr, responder, bus, sessCfg)
	if err != nil {
		tr.Close()
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Mirror session events to the terminal while the session runs.
	evCh, cancelSub := bus.Subscribe(128)
	defer cancelSub()
	go func() {
		for ev := range evCh {
			switch ev.(type) {
			case events.StateChanged, events.AuthResult, events.TransportError:
				fmt.Println(events.Describe(ev))
			}
		}
	}()

	fmt.Printf("Connected on %s at %d baud, initializing...\n", port, baud)
	if err := conn.Machine().BeginInitialization(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	st := conn.Machine().Status()
	fmt.Printf("Session ready (authenticated: %v)\n", st.Authenticated)
	if st.Identity.Known() {
		fmt.Printf("Device: model=%s serial=%s firmware=%s\n",
			st.Identity.Model, st.Identity.Serial, st.Identity.Firmware)
	}

	fmt.Println("Holding session open; Ctrl-C to disconnect.")
	<-ctx.Done()
	return nil
}

// monitorCmd passively reconstructs the conversation from two taps.
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Pair requests with responses across two capture taps",
	Long: `Observe the controller-side (TX) and device-side (RX) serial taps,
reassemble frames on each independently, and pair requests with their
responses using the per-command pairing rules. Confirmed pairs
accumulate in an append-only log exported on exit.`,
	Example: `  # Monitor two tap ports and serve live results
  haierctl monitor --tx /dev/ttyUSB0 --rx /dev/ttyUSB1 --listen 127.0.0.1:8089

  # Write the pair log on exit
  haierctl monitor --tx /dev/ttyUSB0 --rx /dev/ttyUSB1 --json pairs.json --cbor pairs.cbor`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&txPort, "tx", "", "Controller-side tap serial port (required)")
	monitorCmd.Flags().StringVar(&rxPort, "rx", "", "Device-side tap serial port (required)")
	monitorCmd.Flags().IntVar(&baudRate, "baud", 0, "Baud rate (overrides config)")
	monitorCmd.Flags().StringVar(&listenAddr, "listen", "", "Serve live results on this address")
	monitorCmd.Flags().StringVar(&jsonOut, "json", "", "Write the pair log as JSON to this file on exit")
	monitorCmd.Flags().StringVar(&cborOut, "cbor", "", "Write the pair log as CBOR to this file on exit")
	monitorCmd.Flags().StringVar(&calibrateFile, "calibrate", "", "Known-good capture file to calibrate the integrity algorithm from")
	_ = monitorCmd.MarkFlagRequired("tx")
	_ = monitorCmd.MarkFlagRequired("rx")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	baud := baudRate
	if baud == 0 {
		baud = cfg.Serial.Baud
	}

	rules, err := monitorRules(cfg)
	if err != nil {
		return err
	}

	if calibrateFile != "" {
		if err := calibrateIntegrity(calibrateFile); err != nil {
			return err
		}
	}

	bus := events.NewBus()
	defer events.LogAll(bus)()
	pairer := monitor.NewPairer(rules, bus)

	taps := make([]*monitor.Tap, 0, 2)
	tap := func(name string, dir monitor.Direction) (transport.Transport, error) {
		tr, err := transport.OpenSerial(name, baud)
		if err != nil {
			return nil, err
		}
		mt := monitor.NewTap(name, dir, pairer, bus)
		taps = append(taps, mt)
		onData := func(p []byte) {
			mt.Ingest(p, time.Now())
		}
		onErr := func(err error) {
			fmt.Fprintf(os.Stderr, "tap %s failed: %v\n", name, err)
		}
		if err := tr.Start(onData, onErr); err != nil {
			tr.Close()
			return nil, err
		}
		return tr, nil
	}

	txTr, err := tap(txPort, monitor.DirRequest)
	if err != nil {
		return err
	}
	defer txTr.Close()

	rxTr, err := tap(rxPort, monitor.DirResponse)
	if err != nil {
		return err
	}
	defer rxTr.Close()

	addr := listenAddr
	if addr == "" {
		addr = cfg.Monitor.Listen
	}
	if addr != "" {
		srv := server.New(addr, bus, pairer)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Expire stale candidates periodically; pairing timeouts are a
	// statistic, not an error.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pairer.Sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Printf("Monitoring tx=%s rx=%s at %d baud; Ctrl-C to stop.\n", txPort, rxPort, baud)
	<-ctx.Done()

	stats := pairer.Snapshot()
	fmt.Printf("\nObserved %d frames: %d paired, %d expired, %d duplicates, %d ignored\n",
		stats.Observed, stats.Paired, stats.Expired, stats.Duplicates, stats.Ignored)
	for _, mt := range taps {
		ts := mt.Stats()
		if ts.Malformed > 0 || ts.Invalid > 0 {
			fmt.Printf("  [%s] %d malformed byte runs, %d integrity-suspect frames\n",
				mt.Name(), ts.Malformed, ts.Invalid)
		}
	}

	if jsonOut != "" {
		if err := writeExport(jsonOut, pairer.WriteJSON); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", jsonOut)
	}
	if cborOut != "" {
		if err := writeExport(cborOut, pairer.WriteCBOR); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", cborOut)
	}
	return nil
}

// calibrateIntegrity establishes the process-wide integrity algorithm
// from a capture of known-good frames.
func calibrateIntegrity(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening calibration capture: %w", err)
	}
	defer f.Close()

	frames, err := protocol.LoadCorpus(f)
	if err != nil {
		return err
	}
	sel, err := protocol.SelectAlgorithm(frames)
	if err != nil {
		return fmt.Errorf("calibrating integrity algorithm: %w", err)
	}
	fmt.Printf("Integrity algorithm: %s (reproduced %d/%d known-good frames)\n",
		sel.Params.Name, sel.Matches, sel.Total)
	return nil
}

// monitorRules builds the pairing rule table, applying any window
// overrides from config.
func monitorRules(cfg *config.Config) (monitor.RuleSet, error) {
	rules, err := monitor.NewRuleSet(monitor.DefaultRules())
	if err != nil {
		return nil, err
	}
	for key, ms := range cfg.Monitor.RuleWindows {
		cmdByte, err := parseCommandByte(key)
		if err != nil {
			return nil, fmt.Errorf("monitor.rule_windows: %w", err)
		}
		rule, ok := rules[cmdByte]
		if !ok {
			return nil, fmt.Errorf("monitor.rule_windows: no pairing rule for command 0x%02x", cmdByte)
		}
		if ms <= 0 {
			return nil, fmt.Errorf("monitor.rule_windows: window for 0x%02x must be positive", cmdByte)
		}
		rule.Window = time.Duration(ms) * time.Millisecond
		rules[cmdByte] = rule
	}
	return rules, nil
}

func parseCommandByte(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("bad command byte %q: %w", s, err)
	}
	return byte(v), nil
}

func writeExport(path string, write func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// portsCmd lists serial ports on the host.
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports available on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found.")
			return nil
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}
