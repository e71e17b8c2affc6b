package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	blecrypto "github.com/chaz8081/ble-kermit/internal/ble/crypto"
	"github.com/chaz8081/ble-kermit/internal/ble/protocol"
	"github.com/chaz8081/ble-kermit/internal/session"
)

// ErrFatal marks failures the machine does not recover from by rescanning.
var ErrFatal = errors.New("ble: fatal")

var errLinkLost = errors.New("ble: link lost")

// State is one step of the link lifecycle.
type State int

const (
	StateScanning State = iota
	StateLinkCandidateFound
	StateConnected
	StateSocketOpen
	StateServiceDiscovering
	StateServicesReady
	StateAwaitingFirstData
	StateTransferActive
)

var stateNames = [...]string{
	StateScanning:           "scanning",
	StateLinkCandidateFound: "link-candidate-found",
	StateConnected:          "connected",
	StateSocketOpen:         "socket-open",
	StateServiceDiscovering: "service-discovering",
	StateServicesReady:      "services-ready",
	StateAwaitingFirstData:  "awaiting-first-data",
	StateTransferActive:     "transfer-active",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Event records one state transition.
type Event struct {
	From State
	To   State
	At   time.Time
}

// MachineOptions configures the connection state machine.
type MachineOptions struct {
	Address      string             // target MAC address
	ReconnectMax int                // max reconnect backoff in seconds
	Handshake    protocol.Handshake // values written after discovery
	AuthSecret   []byte             // if set, the auth value is derived per device
	Session      session.Options
	Reporter     session.Reporter
}

// DefaultMachineOptions returns sensible defaults.
func DefaultMachineOptions() MachineOptions {
	return MachineOptions{
		ReconnectMax: 30,
		Handshake:    protocol.DefaultHandshake(),
		Session:      session.DefaultOptions(),
	}
}

type inboundWrite struct {
	offset int
	value  []byte
}

// Machine takes a BLE link from discovery to an active transfer session and
// back to scanning when the link goes away.
type Machine struct {
	adapter Adapter
	opts    MachineOptions

	mu    sync.Mutex
	state State

	events  chan Event
	inbound chan inboundWrite
}

// NewMachine creates a state machine for the device at opts.Address.
func NewMachine(adapter Adapter, opts MachineOptions) (*Machine, error) {
	if adapter == nil {
		return nil, errors.New("ble: nil adapter")
	}
	if opts.Address == "" {
		return nil, errors.New("ble: no target address")
	}
	opts.Address = protocol.NormalizeAddress(opts.Address)
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}
	if opts.Handshake.Ident == nil && opts.Handshake.Auth == nil && opts.Handshake.Misc == nil {
		opts.Handshake = protocol.DefaultHandshake()
	}
	if err := opts.Handshake.Validate(); err != nil {
		return nil, fmt.Errorf("ble: %w", err)
	}
	return &Machine{
		adapter: adapter,
		opts:    opts,
		state:   StateScanning,
		events:  make(chan Event, 64),
		inbound: make(chan inboundWrite, 256),
	}, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events delivers state transitions. Events are dropped if nobody keeps up.
func (m *Machine) Events() <-chan Event {
	return m.events
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	from := m.state
	m.state = s
	m.mu.Unlock()
	if from == s {
		return
	}
	slog.Debug("[BLE] state", "from", from, "to", s)
	select {
	case m.events <- Event{From: from, To: s, At: time.Now()}:
	default:
	}
}

// onWrite runs on the BLE stack's goroutine and hands the write to Run.
func (m *Machine) onWrite(offset int, value []byte) {
	select {
	case m.inbound <- inboundWrite{offset: offset, value: value}:
	default:
		slog.Warn("[BLE] inbound queue full, dropping write", "len", len(value))
	}
}

// Run drives the machine until ctx is cancelled or a fatal error occurs.
// Cancellation is a clean exit and returns nil.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %w", ErrFatal, err)
	}
	if err := m.adapter.ServeData(m.onWrite); err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}

	failures := 0
	for {
		ready, err := m.runLink(ctx)
		m.setState(StateScanning)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrFatal) {
			return err
		}
		if ready {
			failures = 0
			slog.Warn("[BLE] link closed, scanning again", "error", err)
			continue
		}

		delay := backoffDelay(failures, m.opts.ReconnectMax)
		failures++
		slog.Warn("[BLE] link setup failed, retrying", "error", err, "attempt", failures, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runLink handles one link from scan to teardown. ready reports whether
// the handshake completed.
func (m *Machine) runLink(ctx context.Context) (ready bool, err error) {
	m.setState(StateScanning)
	slog.Info("[BLE] scanning", "address", m.opts.Address)
	dev, err := m.adapter.ScanFor(ctx, m.opts.Address)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	m.setState(StateLinkCandidateFound)
	slog.Info("[BLE] device found", "address", dev.MAC, "name", dev.Name, "rssi", dev.RSSI)

	conn, err := m.adapter.Connect(ctx, dev.MAC)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	m.setState(StateConnected)
	defer func() {
		if derr := conn.Disconnect(); derr != nil {
			slog.Debug("[BLE] disconnect", "error", derr)
		}
	}()

	lost := make(chan struct{}, 1)
	conn.OnDisconnect(func() {
		select {
		case lost <- struct{}{}:
		default:
		}
	})
	m.setState(StateSocketOpen)

	m.setState(StateServiceDiscovering)
	data, err := m.handshake(conn, dev.MAC)
	if err != nil {
		return false, err
	}
	m.setState(StateServicesReady)
	slog.Info("[BLE] handshake complete", "address", dev.MAC)

	sess, err := session.New(charTransport{data}, m.opts.Reporter, m.opts.Session)
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	return true, m.serve(ctx, sess, lost)
}

// handshake resolves the characteristics and writes ident, auth and misc in
// order. It returns the peer's data characteristic.
func (m *Machine) handshake(conn Connection, mac string) (Characteristic, error) {
	hs := m.opts.Handshake
	if len(m.opts.AuthSecret) > 0 {
		tok, err := blecrypto.DeriveAuthToken(m.opts.AuthSecret, mac)
		if err != nil {
			return nil, err
		}
		hs = hs.WithAuth(tok)
	}

	steps := hs.Steps()
	chars := make([]Characteristic, len(steps))
	for i, st := range steps {
		c, err := conn.DiscoverCharacteristic(protocol.SlateServiceUUID, st.CharUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: discover %s characteristic: %w", st.Name, err)
		}
		chars[i] = c
	}
	data, err := conn.DiscoverCharacteristic(protocol.MLDPServiceUUID, protocol.MLDPDataCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover data characteristic: %w", err)
	}

	for i, st := range steps {
		if err := chars[i].Write(st.Value); err != nil {
			return nil, fmt.Errorf("ble: handshake %s: %w", st.Name, err)
		}
		slog.Debug("[BLE] handshake step", "step", st.Name)
	}
	return data, nil
}

// serve feeds peer writes into the session, starting its worker on the
// first one, until the link drops or a transfer fails.
func (m *Machine) serve(ctx context.Context, sess *session.Session, lost <-chan struct{}) error {
	// Writes that arrived before the handshake finished are stale.
	for len(m.inbound) > 0 {
		<-m.inbound
	}
	m.setState(StateAwaitingFirstData)

	var done <-chan struct{}
	stop := func() error {
		sess.Stop()
		return sess.Wait()
	}
	start := func() error {
		if err := sess.Start(ctx); err != nil {
			return fmt.Errorf("%w: start session: %w", ErrFatal, err)
		}
		done = sess.Done()
		m.setState(StateTransferActive)
		return nil
	}
	finish := func() error {
		done = nil
		if err := sess.Wait(); err != nil {
			return fmt.Errorf("ble: transfer: %w", err)
		}
		m.setState(StateAwaitingFirstData)
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case <-lost:
			slog.Warn("[BLE] disconnected")
			stop()
			return errLinkLost
		case w := <-m.inbound:
			if w.offset != 0 {
				slog.Warn("[BLE] ignoring write at non-zero offset", "offset", w.offset)
				continue
			}
			if done == nil {
				if err := start(); err != nil {
					return err
				}
			}
			if _, err := sess.Feed(w.value); errors.Is(err, session.ErrFinished) {
				// The worker ended before its exit was seen here.
				if err := finish(); err != nil {
					return err
				}
				if err := start(); err != nil {
					return err
				}
				sess.Feed(w.value)
			}
		case <-done:
			if err := finish(); err != nil {
				return err
			}
		}
	}
}

// charTransport sends session chunks as write commands.
type charTransport struct {
	c Characteristic
}

func (t charTransport) Send(p []byte) error {
	return t.c.WriteWithoutResponse(p)
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
